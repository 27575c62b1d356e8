package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hatchworks/conveyor/pkg/broker"
	"github.com/hatchworks/conveyor/pkg/log"
	"github.com/hatchworks/conveyor/pkg/metrics"
	"github.com/hatchworks/conveyor/pkg/notifier"
	"github.com/hatchworks/conveyor/pkg/processor"
	"github.com/hatchworks/conveyor/pkg/repository"
	"github.com/hatchworks/conveyor/pkg/types"
)

const dequeueWait = 2 * time.Second

// Config tunes the worker pool
type Config struct {
	Count            int
	LockTTL          time.Duration
	DefaultTimeout   time.Duration
	EmbeddingTimeout time.Duration

	// PollFallback enables a direct repository sweep for deployments
	// where the scheduler is not running. Off by default.
	PollFallback bool
	PollInterval time.Duration
}

// Pool consumes broker tasks and runs them through the processor
// registry. Each task is claimed in the repository before processing,
// so a task delivered twice still runs exactly once.
type Pool struct {
	cfg      Config
	broker   *broker.Broker
	repos    map[types.Source]repository.JobRepository
	registry *processor.Registry
	notify   notifier.Notifier

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a worker pool
func New(cfg Config, b *broker.Broker, repos map[types.Source]repository.JobRepository, reg *processor.Registry, n notifier.Notifier) *Pool {
	if cfg.Count <= 0 {
		cfg.Count = 4
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 15 * time.Minute
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	if cfg.EmbeddingTimeout <= 0 {
		cfg.EmbeddingTimeout = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &Pool{
		cfg:      cfg,
		broker:   b,
		repos:    repos,
		registry: reg,
		notify:   n,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the pool. It returns immediately; Stop drains.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Count; i++ {
		p.wg.Add(1)
		go p.consume(i)
	}
	if p.cfg.PollFallback {
		p.wg.Add(1)
		go p.pollLoop()
	}
	log.WithComponent("worker").Info().Int("count", p.cfg.Count).Msg("worker pool started")
}

// Stop signals all workers and waits for in-flight tasks to finish
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	log.WithComponent("worker").Info().Msg("worker pool stopped")
}

func (p *Pool) consume(id int) {
	defer p.wg.Done()
	logger := log.WithComponent("worker").With().Int("worker", id).Logger()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		task, err := p.broker.Dequeue(context.Background(), dequeueWait)
		if errors.Is(err, broker.ErrEmpty) {
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("dequeue failed")
			select {
			case <-p.stopCh:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.handleTask(task)
	}
}

// handleTask resolves a task to its job, claims it and processes it.
// Failures decide between a delayed retry and a terminal error.
func (p *Pool) handleTask(task *broker.Task) {
	logger := log.WithJob(task.JobID, task.TraceID)

	if len(task.Args) == 0 {
		logger.Error().Str("task", task.Name).Msg("task carries no job key, dropping")
		return
	}
	source, jobID, _, err := types.ParseJobKey(task.Args[0])
	if err != nil {
		logger.Error().Err(err).Msg("malformed task argument, dropping")
		return
	}
	repo, ok := p.repos[source]
	if !ok {
		logger.Error().Str("source", string(source)).Msg("no repository for source, dropping")
		return
	}

	ctx := context.Background()
	claimed, err := repo.Claim(ctx, jobID, p.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			logger.Warn().Msg("job vanished before claim, dropping task")
			return
		}
		logger.Error().Err(err).Msg("claim failed")
		p.retryOrFail(ctx, repo, task, err)
		return
	}
	if !claimed {
		// Another worker holds it, or the job already finished
		logger.Debug().Msg("job not claimable, skipping")
		return
	}

	job, err := repo.Get(ctx, jobID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load claimed job")
		p.retryOrFail(ctx, repo, task, err)
		return
	}

	p.process(repo, task, job)
}

func (p *Pool) process(repo repository.JobRepository, task *broker.Task, job *types.Job) {
	logger := log.WithJob(job.ID, task.TraceID)

	proc, err := p.registry.Get(job.Type)
	if err != nil {
		// No processor will ever exist for this job, retrying is pointless
		logger.Error().Err(err).Msg("unroutable job")
		p.fail(context.Background(), repo, job.ID, err)
		return
	}

	timeout := p.cfg.DefaultTimeout
	if job.Type == types.JobTypeEmbedding {
		timeout = p.cfg.EmbeddingTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	started := time.Now()
	results, err := proc.Process(ctx, job)
	elapsed := time.Since(started)
	metrics.JobDuration.WithLabelValues(string(job.Type)).Observe(elapsed.Seconds())

	if err != nil {
		logger.Error().Err(err).Dur("elapsed", elapsed).Msg("job processing failed")
		p.retryOrFail(context.Background(), repo, task, err)
		return
	}

	if err := repo.StoreResults(context.Background(), job.ID, results); err != nil {
		logger.Error().Err(err).Msg("failed to store results")
		p.retryOrFail(context.Background(), repo, task, err)
		return
	}
	if err := repo.UpdateStatus(context.Background(), job.ID, types.StatusCompleted); err != nil {
		logger.Error().Err(err).Msg("failed to mark job completed")
		return
	}
	metrics.JobsTotal.WithLabelValues(string(job.Type), string(types.StatusCompleted)).Inc()
	logger.Info().Dur("elapsed", elapsed).Msg("job completed")

	p.sendNotification(job, types.StatusCompleted, results)
}

// retryOrFail hands a failed task back to the broker. While the broker
// still grants retries the job drops back to pending so the next
// attempt can claim it; once retries are exhausted the job fails
// terminally.
func (p *Pool) retryOrFail(ctx context.Context, repo repository.JobRepository, task *broker.Task, cause error) {
	logger := log.WithJob(task.JobID, task.TraceID)

	again, err := p.broker.Retry(ctx, task)
	if err != nil {
		logger.Error().Err(err).Msg("failed to re-enqueue task")
		p.fail(ctx, repo, task.JobID, fmt.Errorf("%v (retry enqueue also failed: %v)", cause, err))
		return
	}
	if again {
		if err := repo.UpdateStatus(ctx, task.JobID, types.StatusPending); err != nil {
			logger.Error().Err(err).Msg("failed to release job for retry")
		}
		logger.Warn().Int("retries", task.Retries).Msg("task scheduled for retry")
		return
	}

	metrics.TasksDeadLettered.Inc()
	p.fail(ctx, repo, task.JobID, cause)
}

// fail records a terminal error. Failed jobs surface through /status,
// not the webhook.
func (p *Pool) fail(ctx context.Context, repo repository.JobRepository, jobID string, cause error) {
	if err := repo.StoreError(ctx, jobID, cause.Error()); err != nil {
		log.WithComponent("worker").Error().Err(err).Str("job_id", jobID).Msg("failed to record job error")
		return
	}
	if job, err := repo.Get(ctx, jobID); err == nil {
		metrics.JobsTotal.WithLabelValues(string(job.Type), string(types.StatusFailed)).Inc()
	}
}

// sendNotification is best effort, a delivery failure never affects
// the job outcome.
func (p *Pool) sendNotification(job *types.Job, status types.JobStatus, results []byte) {
	if p.notify == nil {
		return
	}
	n := &notifier.Notification{
		JobID:       job.ID,
		Type:        job.Type,
		Status:      status,
		Owner:       job.Owner,
		Results:     results,
		CompletedAt: time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := p.notify.Notify(ctx, n); err != nil {
		log.WithComponent("worker").Warn().Err(err).Str("job_id", job.ID).Msg("notification delivery failed")
		metrics.NotificationsTotal.WithLabelValues("webhook", "error").Inc()
		return
	}
	metrics.NotificationsTotal.WithLabelValues("webhook", "delivered").Inc()
}

// pollLoop sweeps repositories directly when no scheduler runs. Jobs
// found this way skip the broker and process inline.
func (p *Pool) pollLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.pollOnce()
		}
	}
}

func (p *Pool) pollOnce() {
	ctx := context.Background()
	for source, repo := range p.repos {
		jobs, err := repo.ListPending(ctx, 10)
		if err != nil {
			log.WithComponent("worker").Error().Err(err).Str("source", string(source)).Msg("poll sweep failed")
			continue
		}
		for _, job := range jobs {
			claimed, err := repo.Claim(ctx, job.ID, p.cfg.LockTTL)
			if err != nil || !claimed {
				continue
			}
			task := &broker.Task{
				Name:  types.ProcessingTaskName(source),
				Args:  []string{types.JobKey(source, job.ID, job.Owner)},
				JobID: job.ID,
			}
			p.process(repo, task, job)
		}
	}
}
