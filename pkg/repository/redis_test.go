package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatchworks/conveyor/pkg/types"
)

func newTestRedisRepo(t *testing.T) (*RedisRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisRepository(client), mr
}

func testJob(id string) *types.Job {
	return &types.Job{
		ID:     id,
		Type:   types.JobTypeEmailAnalysis,
		Source: types.SourceEmail,
		Owner:  "alice@example.com",
		Data:   json.RawMessage(`{"subject":"hello"}`),
	}
}

func TestRedisJobLifecycle(t *testing.T) {
	repo, _ := newTestRedisRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testJob("j1")))

	job, err := repo.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, job.Status)
	assert.Equal(t, types.JobTypeEmailAnalysis, job.Type)
	assert.Equal(t, "alice@example.com", job.Owner)
	assert.JSONEq(t, `{"subject":"hello"}`, string(job.Data))

	claimed, err := repo.Claim(ctx, "j1", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, repo.StoreResults(ctx, "j1", json.RawMessage(`{"summary":"ok"}`)))
	require.NoError(t, repo.UpdateStatus(ctx, "j1", types.StatusCompleted))

	job, err = repo.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, job.Status)
	assert.JSONEq(t, `{"summary":"ok"}`, string(job.Results))
}

func TestRedisGetMissing(t *testing.T) {
	repo, _ := newTestRedisRepo(t)
	_, err := repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRedisClaimIsExclusive(t *testing.T) {
	repo, _ := newTestRedisRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testJob("j1")))

	first, err := repo.Claim(ctx, "j1", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	// Second claimer loses: the job is already processing
	second, err := repo.Claim(ctx, "j1", time.Minute)
	require.NoError(t, err)
	assert.False(t, second)
}

func TestRedisRetryReleasesLock(t *testing.T) {
	repo, _ := newTestRedisRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testJob("j1")))

	claimed, err := repo.Claim(ctx, "j1", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	// A worker resetting the job for retry must also release the lock
	require.NoError(t, repo.UpdateStatus(ctx, "j1", types.StatusPending))

	claimed, err = repo.Claim(ctx, "j1", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed, "retried delivery must be able to reclaim the job")
}

func TestRedisClaimRejectsTerminal(t *testing.T) {
	repo, _ := newTestRedisRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testJob("j1")))
	claimed, err := repo.Claim(ctx, "j1", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, repo.StoreError(ctx, "j1", "boom"))

	claimed, err = repo.Claim(ctx, "j1", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)

	job, err := repo.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, "boom", job.Error)
}

func TestRedisListPendingSchedules(t *testing.T) {
	repo, _ := newTestRedisRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testJob("j1")))
	require.NoError(t, repo.Create(ctx, testJob("j2")))
	require.NoError(t, repo.Create(ctx, testJob("j3")))

	jobs, err := repo.ListPending(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	// Picked jobs moved to scheduled, so a second sweep skips them
	remaining, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)

	for _, job := range jobs {
		got, err := repo.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusScheduled, got.Status)
	}
}

func TestRedisResetExpired(t *testing.T) {
	repo, mr := newTestRedisRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testJob("j1")))
	claimed, err := repo.Claim(ctx, "j1", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	// Lock still held: nothing to recover
	n, err := repo.ResetExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Lock TTL lapses with the job stuck in processing
	mr.FastForward(2 * time.Minute)
	n, err = repo.ResetExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := repo.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, job.Status)

	// Recovered job is claimable again
	claimed, err = repo.Claim(ctx, "j1", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestRedisIllegalTransitionRejected(t *testing.T) {
	repo, _ := newTestRedisRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testJob("j1")))
	err := repo.UpdateStatus(ctx, "j1", types.StatusCompleted)
	assert.Error(t, err)
}
