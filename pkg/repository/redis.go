package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hatchworks/conveyor/pkg/cache"
	"github.com/hatchworks/conveyor/pkg/log"
	"github.com/hatchworks/conveyor/pkg/types"
)

// jobTTL bounds how long finished job state lingers in Redis
const jobTTL = 7 * 24 * time.Hour

// listPendingScript atomically collects up to ARGV[1] pending job IDs
// and flips them to scheduled, so two concurrent sweeps cannot hand
// out the same job.
var listPendingScript = redis.NewScript(`
local ids = {}
local keys = redis.call('KEYS', 'job:*:status')
for _, key in ipairs(keys) do
    if #ids >= tonumber(ARGV[1]) then break end
    if redis.call('GET', key) == 'pending' then
        redis.call('SET', key, 'scheduled', 'KEEPTTL')
        local id = string.sub(key, 5, -8)
        table.insert(ids, id)
    end
end
return ids
`)

// RedisRepository keeps job state in the job:{id}:* key family. Jobs
// created here expire after a week; the claim lock is a SETNX key
// whose TTL doubles as the janitor signal.
type RedisRepository struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisRepository wraps an existing Redis connection
func NewRedisRepository(client *redis.Client) *RedisRepository {
	return &RedisRepository{client: client, now: time.Now}
}

type jobMeta struct {
	Source    types.Source `json:"source"`
	Owner     string       `json:"owner"`
	Priority  int          `json:"priority"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
}

func lockKey(jobID string) string { return "job:" + jobID + ":lock" }
func metaKey(jobID string) string { return "job:" + jobID + ":meta" }

func (r *RedisRepository) Create(ctx context.Context, job *types.Job) error {
	now := r.now()
	meta, err := json.Marshal(jobMeta{
		Source:    job.Source,
		Owner:     job.Owner,
		Priority:  types.ClampPriority(job.Priority),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: job.ExpiresAt,
	})
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, cache.JobDataKey(job.ID), string(job.Data), jobTTL)
	pipe.Set(ctx, cache.JobStatusKey(job.ID), string(types.StatusPending), jobTTL)
	pipe.Set(ctx, cache.JobTypeKey(job.ID), string(job.Type), jobTTL)
	pipe.Set(ctx, cache.JobClientKey(job.ID), job.Owner, jobTTL)
	pipe.Set(ctx, metaKey(job.ID), string(meta), jobTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}
	return nil
}

func (r *RedisRepository) Get(ctx context.Context, jobID string) (*types.Job, error) {
	vals, err := r.client.MGet(ctx,
		cache.JobDataKey(jobID),
		cache.JobStatusKey(jobID),
		cache.JobTypeKey(jobID),
		cache.JobResultsKey(jobID),
		cache.JobErrorKey(jobID),
		metaKey(jobID),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	if vals[1] == nil {
		return nil, ErrJobNotFound
	}

	job := &types.Job{
		ID:     jobID,
		Status: types.JobStatus(asString(vals[1])),
		Type:   types.JobType(asString(vals[2])),
	}
	if raw := asString(vals[0]); raw != "" {
		job.Data = json.RawMessage(raw)
	}
	if raw := asString(vals[3]); raw != "" {
		job.Results = json.RawMessage(raw)
	}
	job.Error = asString(vals[4])

	if raw := asString(vals[5]); raw != "" {
		var meta jobMeta
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return nil, fmt.Errorf("failed to decode job meta for %s: %w", jobID, err)
		}
		job.Source = meta.Source
		job.Owner = meta.Owner
		job.Priority = meta.Priority
		job.CreatedAt = meta.CreatedAt
		job.UpdatedAt = meta.UpdatedAt
		job.ExpiresAt = meta.ExpiresAt
	}
	return job, nil
}

func (r *RedisRepository) UpdateStatus(ctx context.Context, jobID string, status types.JobStatus) error {
	current, err := r.client.Get(ctx, cache.JobStatusKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}
	if !types.JobStatus(current).CanTransition(status) {
		return fmt.Errorf("illegal transition %s -> %s for job %s", current, status, jobID)
	}
	if err := r.client.Set(ctx, cache.JobStatusKey(jobID), string(status), redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to update status for %s: %w", jobID, err)
	}
	r.touch(ctx, jobID)

	// Terminal jobs drop their lock so the janitor skips them. A reset
	// to pending drops it too, or the retried delivery could never
	// reclaim the job.
	switch status {
	case types.StatusCompleted, types.StatusFailed, types.StatusPending:
		r.client.Del(ctx, lockKey(jobID))
	}
	return nil
}

func (r *RedisRepository) StoreResults(ctx context.Context, jobID string, results json.RawMessage) error {
	if err := r.client.Set(ctx, cache.JobResultsKey(jobID), string(results), jobTTL).Err(); err != nil {
		return fmt.Errorf("failed to store results for %s: %w", jobID, err)
	}
	r.touch(ctx, jobID)
	return nil
}

func (r *RedisRepository) StoreError(ctx context.Context, jobID string, msg string) error {
	if err := r.client.Set(ctx, cache.JobErrorKey(jobID), msg, jobTTL).Err(); err != nil {
		return fmt.Errorf("failed to store error for %s: %w", jobID, err)
	}
	if err := r.UpdateStatus(ctx, jobID, types.StatusFailed); err != nil {
		log.WithJobID(jobID).Warn().Err(err).Msg("could not mark job failed")
	}
	return nil
}

func (r *RedisRepository) Claim(ctx context.Context, jobID string, lockTTL time.Duration) (bool, error) {
	status, err := r.client.Get(ctx, cache.JobStatusKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, ErrJobNotFound
	}
	if err != nil {
		return false, err
	}
	if !types.JobStatus(status).CanTransition(types.StatusProcessing) {
		return false, nil
	}

	ok, err := r.client.SetNX(ctx, lockKey(jobID), "1", lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock for %s: %w", jobID, err)
	}
	if !ok {
		return false, nil
	}

	if err := r.client.Set(ctx, cache.JobStatusKey(jobID), string(types.StatusProcessing), redis.KeepTTL).Err(); err != nil {
		r.client.Del(ctx, lockKey(jobID))
		return false, fmt.Errorf("failed to mark job %s processing: %w", jobID, err)
	}
	r.touch(ctx, jobID)
	return true, nil
}

func (r *RedisRepository) ListPending(ctx context.Context, limit int) ([]*types.Job, error) {
	ids, err := listPendingScript.Run(ctx, r.client, nil, limit).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending jobs: %w", err)
	}
	jobs := make([]*types.Job, 0, len(ids))
	for _, id := range ids {
		job, err := r.Get(ctx, id)
		if err != nil {
			log.WithJobID(id).Warn().Err(err).Msg("pending job vanished during sweep")
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *RedisRepository) ResetExpired(ctx context.Context) (int, error) {
	keys, err := r.client.Keys(ctx, "job:*:status").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan job statuses: %w", err)
	}

	reset := 0
	for _, key := range keys {
		status, err := r.client.Get(ctx, key).Result()
		if err != nil || status != string(types.StatusProcessing) {
			continue
		}
		jobID := key[4 : len(key)-7]

		// Lock gone means the TTL lapsed with the job still processing
		held, err := r.client.Exists(ctx, lockKey(jobID)).Result()
		if err != nil || held > 0 {
			continue
		}
		if err := r.client.Set(ctx, key, string(types.StatusPending), redis.KeepTTL).Err(); err != nil {
			continue
		}
		reset++
		log.WithJobID(jobID).Info().Msg("recovered job with expired lock")
	}
	return reset, nil
}

func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRepository) touch(ctx context.Context, jobID string) {
	raw, err := r.client.Get(ctx, metaKey(jobID)).Result()
	if err != nil {
		return
	}
	var meta jobMeta
	if json.Unmarshal([]byte(raw), &meta) != nil {
		return
	}
	meta.UpdatedAt = r.now()
	if out, err := json.Marshal(meta); err == nil {
		r.client.Set(ctx, metaKey(jobID), string(out), redis.KeepTTL)
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
