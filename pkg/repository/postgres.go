package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/hatchworks/conveyor/pkg/types"
)

// Schema for the durable job store, applied by conveyor-migrate
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	source          TEXT NOT NULL,
	owner           TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	priority        INT  NOT NULL DEFAULT 5,
	data            JSONB,
	results         JSONB,
	error           TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at      TIMESTAMPTZ,
	lock_expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs (status, created_at);

CREATE TABLE IF NOT EXISTS processed_files (
	id                TEXT PRIMARY KEY,
	owner_email       TEXT NOT NULL,
	source_type       TEXT NOT NULL,
	original_filename TEXT NOT NULL,
	content_type      TEXT NOT NULL,
	size_bytes        BIGINT NOT NULL,
	r2_object_key     TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'pending',
	additional_data   JSONB,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_processed_files_owner ON processed_files (owner_email, status);
`

// PostgresRepository is the durable job store. Claims ride on row
// locks so concurrent workers cannot double-process a job.
type PostgresRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewPostgresRepository wraps an existing connection pool
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

type jobRow struct {
	ID            string         `db:"id"`
	Type          string         `db:"type"`
	Source        string         `db:"source"`
	Owner         string         `db:"owner"`
	Status        string         `db:"status"`
	Priority      int            `db:"priority"`
	Data          sql.NullString `db:"data"`
	Results       sql.NullString `db:"results"`
	Error         string         `db:"error"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
	ExpiresAt     sql.NullTime   `db:"expires_at"`
	LockExpiresAt sql.NullTime   `db:"lock_expires_at"`
}

func (r jobRow) toJob() *types.Job {
	job := &types.Job{
		ID:        r.ID,
		Type:      types.JobType(r.Type),
		Source:    types.Source(r.Source),
		Owner:     r.Owner,
		Status:    types.JobStatus(r.Status),
		Priority:  r.Priority,
		Error:     r.Error,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Data.Valid {
		job.Data = json.RawMessage(r.Data.String)
	}
	if r.Results.Valid {
		job.Results = json.RawMessage(r.Results.String)
	}
	if r.ExpiresAt.Valid {
		t := r.ExpiresAt.Time
		job.ExpiresAt = &t
	}
	if r.LockExpiresAt.Valid {
		t := r.LockExpiresAt.Time
		job.LockExpiresAt = &t
	}
	return job
}

const jobColumns = `id, type, source, owner, status, priority, data, results, error,
	created_at, updated_at, expires_at, lock_expires_at`

func (r *PostgresRepository) Create(ctx context.Context, job *types.Job) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, source, owner, status, priority, data, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		job.ID, job.Type, job.Source, job.Owner, types.StatusPending,
		types.ClampPriority(job.Priority), nullJSON(job.Data), job.ExpiresAt, r.now())
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, jobID string) (*types.Job, error) {
	var row jobRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return row.toJob(), nil
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, jobID string, status types.JobStatus) error {
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		var current string
		err := tx.GetContext(ctx, &current,
			`SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}
		if !types.JobStatus(current).CanTransition(status) {
			return fmt.Errorf("illegal transition %s -> %s for job %s", current, status, jobID)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = $1, updated_at = $2,
				lock_expires_at = CASE WHEN $1 IN ('completed', 'failed', 'pending') THEN NULL ELSE lock_expires_at END
			WHERE id = $3`,
			status, r.now(), jobID)
		return err
	})
}

func (r *PostgresRepository) StoreResults(ctx context.Context, jobID string, results json.RawMessage) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET results = $1, updated_at = $2 WHERE id = $3`,
		string(results), r.now(), jobID)
	if err != nil {
		return fmt.Errorf("failed to store results for %s: %w", jobID, err)
	}
	return requireRow(res, jobID)
}

func (r *PostgresRepository) StoreError(ctx context.Context, jobID string, msg string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET error = $1, status = 'failed', updated_at = $2, lock_expires_at = NULL
		WHERE id = $3`,
		msg, r.now(), jobID)
	if err != nil {
		return fmt.Errorf("failed to store error for %s: %w", jobID, err)
	}
	return requireRow(res, jobID)
}

// Claim takes a row lock, re-checks the status under it and flips the
// job to processing with a fresh lock deadline. Losers see a
// non-claimable status and return false without error.
func (r *PostgresRepository) Claim(ctx context.Context, jobID string, lockTTL time.Duration) (bool, error) {
	claimed := false
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		var current string
		err := tx.GetContext(ctx, &current,
			`SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}
		if !types.JobStatus(current).CanTransition(types.StatusProcessing) {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'processing', lock_expires_at = $1, updated_at = $2
			WHERE id = $3`,
			r.now().Add(lockTTL), r.now(), jobID)
		if err != nil {
			return err
		}
		claimed = true
		return nil
	})
	return claimed, err
}

// ListPending picks the oldest pending jobs and marks them scheduled
// in one statement. SKIP LOCKED keeps concurrent sweeps from blocking
// on each other's candidate rows.
func (r *PostgresRepository) ListPending(ctx context.Context, limit int) ([]*types.Job, error) {
	var rows []jobRow
	err := r.db.SelectContext(ctx, &rows, `
		UPDATE jobs SET status = 'scheduled', updated_at = $1
		WHERE id IN (
			SELECT id FROM jobs WHERE status = 'pending'
			ORDER BY created_at LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		r.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	jobs := make([]*types.Job, len(rows))
	for i, row := range rows {
		jobs[i] = row.toJob()
	}
	return jobs, nil
}

func (r *PostgresRepository) ResetExpired(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', lock_expires_at = NULL, updated_at = $1
		WHERE status = 'processing' AND lock_expires_at IS NOT NULL AND lock_expires_at < $1`,
		r.now())
	if err != nil {
		return 0, fmt.Errorf("failed to reset expired jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PostgresRepository) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func requireRow(res sql.Result, jobID string) error {
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
