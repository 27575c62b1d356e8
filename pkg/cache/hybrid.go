package cache

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/hatchworks/conveyor/pkg/log"
)

// repopulateTTL bounds how long a durable-tier value lives in Redis
// after a read-through miss.
const repopulateTTL = time.Hour

// HybridCache layers Redis over Postgres. Reads hit Redis first and
// fall through to the durable tier, repopulating Redis asynchronously.
// Writes land in both tiers; a Redis failure degrades latency, not
// correctness, so it is logged and swallowed.
type HybridCache struct {
	fast    Cache
	durable Cache
	logger  zerolog.Logger
}

// NewHybridCache composes the two tiers
func NewHybridCache(fast, durable Cache) *HybridCache {
	return &HybridCache{
		fast:    fast,
		durable: durable,
		logger:  *log.WithComponent("cache"),
	}
}

func (c *HybridCache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.fast.Get(ctx, key)
	if err == nil {
		return val, nil
	}
	if !errors.Is(err, ErrNotFound) {
		c.logger.Warn().Err(err).Str("key", key).Msg("fast tier read failed, falling through")
	}

	val, err = c.durable.Get(ctx, key)
	if err != nil {
		return "", err
	}

	// Repopulate off the request path; a failed warm is invisible
	go func(key, val string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.fast.SetEx(ctx, key, val, repopulateTTL); err != nil {
			c.logger.Debug().Err(err).Str("key", key).Msg("cache repopulate failed")
		}
	}(key, val)

	return val, nil
}

func (c *HybridCache) Set(ctx context.Context, key, value string) error {
	if err := c.durable.Set(ctx, key, value); err != nil {
		return err
	}
	if err := c.fast.Set(ctx, key, value); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("fast tier write failed")
	}
	return nil
}

func (c *HybridCache) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.durable.SetEx(ctx, key, value, ttl); err != nil {
		return err
	}
	if err := c.fast.SetEx(ctx, key, value, ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("fast tier write failed")
	}
	return nil
}

func (c *HybridCache) Delete(ctx context.Context, key string) error {
	ferr := c.fast.Delete(ctx, key)
	derr := c.durable.Delete(ctx, key)
	if derr != nil {
		return derr
	}
	return ferr
}

func (c *HybridCache) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := c.fast.Exists(ctx, key)
	if err == nil && ok {
		return true, nil
	}
	return c.durable.Exists(ctx, key)
}

func (c *HybridCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := c.fast.Keys(ctx, pattern)
	if err == nil && len(keys) > 0 {
		return keys, nil
	}
	return c.durable.Keys(ctx, pattern)
}

// Counters are authoritative in the fast tier; the durable mirror is
// best effort so monthly usage survives a Redis flush approximately.
func (c *HybridCache) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.fast.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	c.mirror(key, func(ctx context.Context) error {
		_, err := c.durable.Incr(ctx, key)
		return err
	})
	return n, nil
}

func (c *HybridCache) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := c.fast.IncrBy(ctx, key, delta)
	if err != nil {
		return 0, err
	}
	c.mirror(key, func(ctx context.Context) error {
		_, err := c.durable.IncrBy(ctx, key, delta)
		return err
	})
	return n, nil
}

func (c *HybridCache) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	n, err := c.fast.IncrByFloat(ctx, key, delta)
	if err != nil {
		return 0, err
	}
	c.mirror(key, func(ctx context.Context) error {
		_, err := c.durable.IncrByFloat(ctx, key, delta)
		return err
	})
	return n, nil
}

func (c *HybridCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.fast.TTL(ctx, key)
	if err == nil {
		return ttl, nil
	}
	return c.durable.TTL(ctx, key)
}

func (c *HybridCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ferr := c.fast.Expire(ctx, key, ttl)
	derr := c.durable.Expire(ctx, key, ttl)
	if ferr != nil && derr != nil {
		return ferr
	}
	return nil
}

// Sorted sets are authoritative in the fast tier; the durable mirror
// holds a JSON snapshot written off the request path.
func (c *HybridCache) ZAdd(ctx context.Context, key string, members ...ZMember) error {
	if err := c.fast.ZAdd(ctx, key, members...); err != nil {
		return err
	}
	c.mirror(key, func(ctx context.Context) error {
		return c.durable.ZAdd(ctx, key, members...)
	})
	return nil
}

func (c *HybridCache) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	n, err := c.fast.ZRemRangeByScore(ctx, key, min, max)
	if err != nil {
		return 0, err
	}
	c.mirror(key, func(ctx context.Context) error {
		_, err := c.durable.ZRemRangeByScore(ctx, key, min, max)
		return err
	})
	return n, nil
}

func (c *HybridCache) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := c.fast.ZCard(ctx, key)
	if err == nil {
		return n, nil
	}
	return c.durable.ZCard(ctx, key)
}

// Ping succeeds when either tier is reachable; the service can limp on
// one tier.
func (c *HybridCache) Ping(ctx context.Context) error {
	ferr := c.fast.Ping(ctx)
	if ferr == nil {
		return nil
	}
	derr := c.durable.Ping(ctx)
	if derr == nil {
		return nil
	}
	return ferr
}

func (c *HybridCache) Close() error {
	ferr := c.fast.Close()
	derr := c.durable.Close()
	if ferr != nil {
		return ferr
	}
	return derr
}

func (c *HybridCache) mirror(key string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			c.logger.Debug().Err(err).Str("key", key).Msg("durable mirror failed")
		}
	}()
}
