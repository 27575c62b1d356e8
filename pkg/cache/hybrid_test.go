package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both tiers run on miniredis; the hybrid only sees the Cache interface
func newTestHybrid(t *testing.T) (*HybridCache, *RedisCache, *RedisCache) {
	t.Helper()
	fast, _ := newTestRedis(t)
	durable, _ := newTestRedis(t)
	return NewHybridCache(fast, durable), fast, durable
}

func TestHybridReadThroughRepopulates(t *testing.T) {
	h, fast, durable := newTestHybrid(t)
	ctx := context.Background()

	// Value exists only in the durable tier
	require.NoError(t, durable.Set(ctx, "k", "v"))

	val, err := h.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	// Repopulation is async
	assert.Eventually(t, func() bool {
		got, err := fast.Get(ctx, "k")
		return err == nil && got == "v"
	}, time.Second, 10*time.Millisecond)
}

func TestHybridWriteThrough(t *testing.T) {
	h, fast, durable := newTestHybrid(t)
	ctx := context.Background()

	require.NoError(t, h.Set(ctx, "k", "v"))

	for _, tier := range []*RedisCache{fast, durable} {
		val, err := tier.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v", val)
	}
}

func TestHybridMissInBothTiers(t *testing.T) {
	h, _, _ := newTestHybrid(t)
	_, err := h.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHybridSurvivesFastTierFailure(t *testing.T) {
	h, fast, durable := newTestHybrid(t)
	ctx := context.Background()

	require.NoError(t, fast.Close())

	// Writes still land durably
	require.NoError(t, h.Set(ctx, "k", "v"))
	val, err := durable.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	// Reads fall through
	val, err = h.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	// Health stays up on one tier
	assert.NoError(t, h.Ping(ctx))
}

func TestHybridCounterMirrors(t *testing.T) {
	h, fast, durable := newTestHybrid(t)
	ctx := context.Background()

	n, err := h.IncrBy(ctx, "tokens", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)

	val, err := fast.Get(ctx, "tokens")
	require.NoError(t, err)
	assert.Equal(t, "100", val)

	assert.Eventually(t, func() bool {
		got, err := durable.Get(ctx, "tokens")
		return err == nil && got == "100"
	}, time.Second, 10*time.Millisecond)
}

func TestHybridDeleteRemovesBothTiers(t *testing.T) {
	h, fast, durable := newTestHybrid(t)
	ctx := context.Background()

	require.NoError(t, h.Set(ctx, "k", "v"))
	require.NoError(t, h.Delete(ctx, "k"))

	_, err := fast.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = durable.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}
