package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hatchworks/conveyor/pkg/cache"
	"github.com/hatchworks/conveyor/pkg/log"
	"github.com/hatchworks/conveyor/pkg/types"
	"github.com/hatchworks/conveyor/pkg/vectorstore"
)

// QdrantRepository treats documents sitting in a source collection as
// jobs: their processing state lives in point payloads. It backs the
// sweep path for sharepoint, aws_s3 and azure sources, where the
// documents arrive in Qdrant before the platform ever sees them.
//
// Payload writes are not transactional, so claims are arbitrated
// through a counter key in the shared cache: the first claimer to
// increment it wins, everyone else backs off. The key's TTL matches
// the lock deadline written to the payload.
type QdrantRepository struct {
	client     *vectorstore.Client
	locks      cache.Cache
	collection string
	source     types.Source
	owner      string
	now        func() time.Time
}

// NewQdrantRepository scopes a repository to one owner's source collection
func NewQdrantRepository(client *vectorstore.Client, locks cache.Cache, owner string, source types.Source) *QdrantRepository {
	return &QdrantRepository{
		client:     client,
		locks:      locks,
		collection: vectorstore.SourceCollection(owner, source),
		source:     source,
		owner:      owner,
		now:        time.Now,
	}
}

func (r *QdrantRepository) claimKey(jobID string) string {
	return "claim:" + r.collection + ":" + jobID
}

func (r *QdrantRepository) releaseLock(ctx context.Context, jobID string) {
	if err := r.locks.Delete(ctx, r.claimKey(jobID)); err != nil {
		log.WithJobID(jobID).Warn().Err(err).Msg("failed to release claim lock")
	}
}

func (r *QdrantRepository) Create(ctx context.Context, job *types.Job) error {
	point := types.Point{
		ID:    job.ID,
		Dense: make([]float32, vectorstore.DenseSize),
		Payload: map[string]any{
			"status":     string(types.StatusPending),
			"job_id":     job.ID,
			"owner":      job.Owner,
			"source":     string(job.Source),
			"data":       string(job.Data),
			"created_at": r.now().Format(time.RFC3339),
		},
	}
	if err := r.client.EnsureCollection(ctx, r.collection); err != nil {
		return err
	}
	return r.client.UpsertPoints(ctx, r.collection, []types.Point{point})
}

func (r *QdrantRepository) Get(ctx context.Context, jobID string) (*types.Job, error) {
	points, err := r.client.Retrieve(ctx, r.collection, []string{jobID})
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, ErrJobNotFound
	}
	return r.pointToJob(points[0]), nil
}

func (r *QdrantRepository) UpdateStatus(ctx context.Context, jobID string, status types.JobStatus) error {
	current, err := r.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !current.Status.CanTransition(status) {
		return fmt.Errorf("illegal transition %s -> %s for job %s", current.Status, status, jobID)
	}
	err = r.client.SetPayload(ctx, r.collection, []string{jobID}, map[string]any{
		"status":     string(status),
		"updated_at": r.now().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	switch status {
	case types.StatusCompleted, types.StatusFailed, types.StatusPending:
		r.releaseLock(ctx, jobID)
	}
	return nil
}

func (r *QdrantRepository) StoreResults(ctx context.Context, jobID string, results json.RawMessage) error {
	return r.client.SetPayload(ctx, r.collection, []string{jobID}, map[string]any{
		"results":    string(results),
		"updated_at": r.now().Format(time.RFC3339),
	})
}

func (r *QdrantRepository) StoreError(ctx context.Context, jobID string, msg string) error {
	err := r.client.SetPayload(ctx, r.collection, []string{jobID}, map[string]any{
		"status":     string(types.StatusFailed),
		"error":      msg,
		"updated_at": r.now().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	r.releaseLock(ctx, jobID)
	return nil
}

// Claim wins or loses on the cache counter first: only the claimer
// that takes the counter from zero proceeds to the payload write, so
// two racing claimers cannot both pass the status read.
func (r *QdrantRepository) Claim(ctx context.Context, jobID string, lockTTL time.Duration) (bool, error) {
	key := r.claimKey(jobID)
	n, err := r.locks.Incr(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock for %s: %w", jobID, err)
	}
	if n > 1 {
		return false, nil
	}
	if err := r.locks.Expire(ctx, key, lockTTL); err != nil {
		log.WithJobID(jobID).Warn().Err(err).Msg("failed to set claim lock ttl")
	}

	current, err := r.Get(ctx, jobID)
	if err != nil {
		r.releaseLock(ctx, jobID)
		return false, err
	}
	if !current.Status.CanTransition(types.StatusProcessing) {
		r.releaseLock(ctx, jobID)
		return false, nil
	}
	err = r.client.SetPayload(ctx, r.collection, []string{jobID}, map[string]any{
		"status":          string(types.StatusProcessing),
		"lock_expires_at": r.now().Add(lockTTL).Format(time.RFC3339),
		"updated_at":      r.now().Format(time.RFC3339),
	})
	if err != nil {
		r.releaseLock(ctx, jobID)
		return false, err
	}
	return true, nil
}

func (r *QdrantRepository) ListPending(ctx context.Context, limit int) ([]*types.Job, error) {
	filter := map[string]any{
		"must": []map[string]any{
			{"key": "status", "match": map[string]any{"value": string(types.StatusPending)}},
		},
	}
	page, err := r.client.Scroll(ctx, r.collection, filter, limit, nil)
	if err != nil {
		return nil, err
	}

	jobs := make([]*types.Job, 0, len(page.Points))
	ids := make([]string, 0, len(page.Points))
	for _, point := range page.Points {
		job := r.pointToJob(point)
		job.Status = types.StatusScheduled
		jobs = append(jobs, job)
		ids = append(ids, point.IDString())
	}
	if len(ids) > 0 {
		err = r.client.SetPayload(ctx, r.collection, ids, map[string]any{
			"status":     string(types.StatusScheduled),
			"updated_at": r.now().Format(time.RFC3339),
		})
		if err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func (r *QdrantRepository) ResetExpired(ctx context.Context) (int, error) {
	filter := map[string]any{
		"must": []map[string]any{
			{"key": "status", "match": map[string]any{"value": string(types.StatusProcessing)}},
		},
	}
	reset := 0
	var offset json.RawMessage
	for {
		page, err := r.client.Scroll(ctx, r.collection, filter, 100, offset)
		if err != nil {
			return reset, err
		}
		var expired []string
		for _, point := range page.Points {
			deadline, ok := point.Payload["lock_expires_at"].(string)
			if !ok {
				continue
			}
			t, err := time.Parse(time.RFC3339, deadline)
			if err != nil || t.After(r.now()) {
				continue
			}
			expired = append(expired, point.IDString())
		}
		if len(expired) > 0 {
			err = r.client.SetPayload(ctx, r.collection, expired, map[string]any{
				"status":     string(types.StatusPending),
				"updated_at": r.now().Format(time.RFC3339),
			})
			if err != nil {
				return reset, err
			}
			for _, id := range expired {
				r.releaseLock(ctx, id)
			}
			reset += len(expired)
			log.WithComponent("repository").Info().
				Int("count", len(expired)).
				Str("collection", r.collection).
				Msg("recovered jobs with expired locks")
		}
		if len(page.NextOffset) == 0 {
			break
		}
		offset = page.NextOffset
	}
	return reset, nil
}

func (r *QdrantRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx)
}

func (r *QdrantRepository) pointToJob(point vectorstore.ScrolledPoint) *types.Job {
	job := &types.Job{
		ID:     point.IDString(),
		Type:   types.JobTypeEmbedding,
		Source: r.source,
		Owner:  r.owner,
		Status: types.StatusPending,
	}
	if s, ok := point.Payload["status"].(string); ok {
		job.Status = types.JobStatus(s)
	}
	if s, ok := point.Payload["owner"].(string); ok && s != "" {
		job.Owner = s
	}
	if s, ok := point.Payload["data"].(string); ok && s != "" {
		job.Data = json.RawMessage(s)
	}
	if s, ok := point.Payload["error"].(string); ok {
		job.Error = s
	}
	if s, ok := point.Payload["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			job.CreatedAt = t
		}
	}
	return job
}
