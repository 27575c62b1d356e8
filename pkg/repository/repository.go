package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hatchworks/conveyor/pkg/types"
)

// ErrJobNotFound is returned when a job ID does not resolve
var ErrJobNotFound = errors.New("repository: job not found")

// JobRepository is the durable job record store. Three backends exist:
// Redis for cache-resident jobs, Postgres for durable records, and
// Qdrant for jobs whose state rides on document payloads.
type JobRepository interface {
	// Create persists a new job record in pending state
	Create(ctx context.Context, job *types.Job) error

	// Get returns a job by ID or ErrJobNotFound
	Get(ctx context.Context, jobID string) (*types.Job, error)

	// UpdateStatus transitions a job, enforcing the status state machine
	UpdateStatus(ctx context.Context, jobID string, status types.JobStatus) error

	// StoreResults writes the output payload without touching status
	StoreResults(ctx context.Context, jobID string, results json.RawMessage) error

	// StoreError records a failure message and moves the job to failed
	StoreError(ctx context.Context, jobID string, msg string) error

	// Claim atomically moves a claimable job to processing under a lock
	// that expires after lockTTL. Exactly one concurrent claimer wins.
	Claim(ctx context.Context, jobID string, lockTTL time.Duration) (bool, error)

	// ListPending returns up to limit pending jobs ordered by creation
	// time and transitions them to scheduled so concurrent sweeps do
	// not hand out the same job twice.
	ListPending(ctx context.Context, limit int) ([]*types.Job, error)

	// ResetExpired returns processing jobs whose lock has lapsed back
	// to pending, reporting how many were recovered.
	ResetExpired(ctx context.Context) (int, error)

	// Ping verifies backend connectivity
	Ping(ctx context.Context) error
}
