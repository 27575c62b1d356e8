package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisCacheFromClient(client), mr
}

func TestRedisGetSet(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Set(ctx, "k", "v"))
	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	ok, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Delete(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisSetExHonorsTTL(t *testing.T) {
	c, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.SetEx(ctx, "k", "v", time.Minute))

	ttl, err := c.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	mr.FastForward(2 * time.Minute)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisCounters(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	n, err := c.Incr(ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.IncrBy(ctx, "count", 41)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	f, err := c.IncrByFloat(ctx, "cost", 0.25)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, f, 1e-9)
}

func TestRedisSortedSetWindow(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	now := float64(time.Now().Unix())
	require.NoError(t, c.ZAdd(ctx, "window",
		ZMember{Score: now - 120, Member: "old-1"},
		ZMember{Score: now - 90, Member: "old-2"},
		ZMember{Score: now - 10, Member: "recent"},
	))

	removed, err := c.ZRemRangeByScore(ctx, "window", 0, now-60)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	n, err := c.ZCard(ctx, "window")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisKeysPattern(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, JobStatusKey("1"), "pending"))
	require.NoError(t, c.Set(ctx, JobStatusKey("2"), "completed"))
	require.NoError(t, c.Set(ctx, JobDataKey("1"), "{}"))

	keys, err := c.Keys(ctx, "job:*:status")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"job:1:status", "job:2:status"}, keys)
}
