package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// PostgresCache is the durable tier. Keys live in the cache_data table
// with lazy expiry: expired rows are deleted on read rather than by a
// background sweeper.
type PostgresCache struct {
	db  *sqlx.DB
	now func() time.Time
}

// Schema for the durable cache tier, applied by conveyor-migrate
const Schema = `
CREATE TABLE IF NOT EXISTS cache_data (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_cache_data_expires_at ON cache_data (expires_at);
`

// NewPostgresCache connects to Postgres and verifies the connection
func NewPostgresCache(ctx context.Context, databaseURL string, maxOpen, maxIdle int) (*PostgresCache, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	return &PostgresCache{db: db, now: time.Now}, nil
}

// NewPostgresCacheFromDB wraps an existing connection, used by tests
func NewPostgresCacheFromDB(db *sqlx.DB) *PostgresCache {
	return &PostgresCache{db: db, now: time.Now}
}

// DB exposes the underlying pool for the repository layer
func (c *PostgresCache) DB() *sqlx.DB { return c.db }

func (c *PostgresCache) Get(ctx context.Context, key string) (string, error) {
	var row struct {
		Value     string       `db:"value"`
		ExpiresAt sql.NullTime `db:"expires_at"`
	}
	err := c.db.GetContext(ctx, &row,
		`SELECT value, expires_at FROM cache_data WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get cache key: %w", err)
	}
	if row.ExpiresAt.Valid && !row.ExpiresAt.Time.After(c.now()) {
		_, _ = c.db.ExecContext(ctx, `DELETE FROM cache_data WHERE key = $1`, key)
		return "", ErrNotFound
	}
	return row.Value, nil
}

func (c *PostgresCache) Set(ctx context.Context, key, value string) error {
	return c.upsert(ctx, key, value, nil)
}

func (c *PostgresCache) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	exp := c.now().Add(ttl)
	return c.upsert(ctx, key, value, &exp)
}

func (c *PostgresCache) upsert(ctx context.Context, key, value string, expiresAt *time.Time) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO cache_data (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to set cache key: %w", err)
	}
	return nil
}

func (c *PostgresCache) Delete(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM cache_data WHERE key = $1`, key)
	return err
}

func (c *PostgresCache) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *PostgresCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	// Redis glob to SQL LIKE: only * is supported, which is all callers use
	like := ""
	for _, r := range pattern {
		switch r {
		case '*':
			like += "%"
		case '%', '_', '\\':
			like += "\\" + string(r)
		default:
			like += string(r)
		}
	}
	var keys []string
	err := c.db.SelectContext(ctx, &keys, `
		SELECT key FROM cache_data
		WHERE key LIKE $1 AND (expires_at IS NULL OR expires_at > $2)`,
		like, c.now())
	if err != nil {
		return nil, fmt.Errorf("failed to list cache keys: %w", err)
	}
	return keys, nil
}

func (c *PostgresCache) Incr(ctx context.Context, key string) (int64, error) {
	return c.IncrBy(ctx, key, 1)
}

func (c *PostgresCache) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	var out string
	err := c.db.GetContext(ctx, &out, `
		INSERT INTO cache_data (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = (cache_data.value::bigint + $3)::text
		RETURNING value`,
		key, strconv.FormatInt(delta, 10), delta)
	if err != nil {
		return 0, fmt.Errorf("failed to incr cache key: %w", err)
	}
	return strconv.ParseInt(out, 10, 64)
}

func (c *PostgresCache) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	var out string
	err := c.db.GetContext(ctx, &out, `
		INSERT INTO cache_data (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = (cache_data.value::double precision + $3)::text
		RETURNING value`,
		key, strconv.FormatFloat(delta, 'f', -1, 64), delta)
	if err != nil {
		return 0, fmt.Errorf("failed to incr cache key: %w", err)
	}
	return strconv.ParseFloat(out, 64)
}

func (c *PostgresCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	var exp sql.NullTime
	err := c.db.GetContext(ctx, &exp,
		`SELECT expires_at FROM cache_data WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if !exp.Valid {
		return -1, nil
	}
	remaining := exp.Time.Sub(c.now())
	if remaining <= 0 {
		return 0, ErrNotFound
	}
	return remaining, nil
}

func (c *PostgresCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE cache_data SET expires_at = $1 WHERE key = $2`,
		c.now().Add(ttl), key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Sorted sets are stored as a JSON member->score snapshot. The durable
// tier only needs them for rate-limit window recovery, so full zset
// semantics are unnecessary.
func (c *PostgresCache) ZAdd(ctx context.Context, key string, members ...ZMember) error {
	scores, err := c.loadZSet(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if scores == nil {
		scores = map[string]float64{}
	}
	for _, m := range members {
		scores[m.Member] = m.Score
	}
	return c.storeZSet(ctx, key, scores)
}

func (c *PostgresCache) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	scores, err := c.loadZSet(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var removed int64
	for member, score := range scores {
		if score >= min && score <= max {
			delete(scores, member)
			removed++
		}
	}
	if removed > 0 {
		if err := c.storeZSet(ctx, key, scores); err != nil {
			return 0, err
		}
	}
	return removed, nil
}

func (c *PostgresCache) ZCard(ctx context.Context, key string) (int64, error) {
	scores, err := c.loadZSet(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return int64(len(scores)), nil
}

func (c *PostgresCache) loadZSet(ctx context.Context, key string) (map[string]float64, error) {
	raw, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var scores map[string]float64
	if err := json.Unmarshal([]byte(raw), &scores); err != nil {
		return nil, fmt.Errorf("failed to decode zset snapshot for %s: %w", key, err)
	}
	return scores, nil
}

func (c *PostgresCache) storeZSet(ctx context.Context, key string, scores map[string]float64) error {
	raw, err := json.Marshal(scores)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, string(raw))
}

func (c *PostgresCache) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *PostgresCache) Close() error {
	return c.db.Close()
}
