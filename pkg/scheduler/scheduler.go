package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hatchworks/conveyor/pkg/broker"
	"github.com/hatchworks/conveyor/pkg/log"
	"github.com/hatchworks/conveyor/pkg/metrics"
	"github.com/hatchworks/conveyor/pkg/repository"
	"github.com/hatchworks/conveyor/pkg/types"
)

// Config tunes the sweep cadence and batch sizing
type Config struct {
	BeatInterval time.Duration
	Timezone     string
	BatchSize    int

	// Queue depth above which the sweep batch halves. Zero derives a
	// default from BatchSize.
	BackpressureAt int64
}

// Scheduler runs the periodic machinery: per-source pending sweeps,
// delayed-task promotion and the janitor that recovers stuck jobs.
// Every sweep turns pending jobs into broker tasks whose task ID is
// the job ID.
type Scheduler struct {
	cfg    Config
	broker *broker.Broker
	repos  map[types.Source]repository.JobRepository
	cron   *cron.Cron

	mu    sync.Mutex
	batch int
}

// New builds a scheduler over the given per-source repositories
func New(cfg Config, b *broker.Broker, repos map[types.Source]repository.JobRepository) (*Scheduler, error) {
	if cfg.BeatInterval <= 0 {
		cfg.BeatInterval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BackpressureAt <= 0 {
		cfg.BackpressureAt = int64(cfg.BatchSize) * 4
	}

	loc := time.Local
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
		}
	}

	return &Scheduler{
		cfg:    cfg,
		broker: b,
		repos:  repos,
		cron:   cron.New(cron.WithLocation(loc)),
		batch:  cfg.BatchSize,
	}, nil
}

// Start registers the cron entries and begins ticking
func (s *Scheduler) Start() error {
	every := fmt.Sprintf("@every %s", s.cfg.BeatInterval)

	for source := range s.repos {
		source := source
		if _, err := s.cron.AddFunc(every, func() { s.Sweep(context.Background(), source) }); err != nil {
			return fmt.Errorf("failed to schedule sweep for %s: %w", source, err)
		}
	}
	if _, err := s.cron.AddFunc(every, func() { s.Drain(context.Background()) }); err != nil {
		return fmt.Errorf("failed to schedule delayed drain: %w", err)
	}
	// The janitor runs slower than the sweep: locks need time to expire
	janitorEvery := fmt.Sprintf("@every %s", 6*s.cfg.BeatInterval)
	if _, err := s.cron.AddFunc(janitorEvery, func() { s.Janitor(context.Background()) }); err != nil {
		return fmt.Errorf("failed to schedule janitor: %w", err)
	}

	s.cron.Start()
	log.WithComponent("scheduler").Info().
		Str("beat", s.cfg.BeatInterval.String()).
		Int("sources", len(s.repos)).
		Msg("scheduler started")
	return nil
}

// Stop halts the cron loop and waits for running entries
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.WithComponent("scheduler").Info().Msg("scheduler stopped")
}

// Sweep moves one source's pending jobs onto the broker. A job whose
// enqueue fails is marked failed so it surfaces instead of silently
// re-sweeping forever.
func (s *Scheduler) Sweep(ctx context.Context, source types.Source) {
	repo, ok := s.repos[source]
	if !ok {
		return
	}
	logger := log.WithComponent("scheduler")

	s.adjustBatch(ctx)

	jobs, err := repo.ListPending(ctx, s.currentBatch())
	if err != nil {
		logger.Error().Err(err).Str("source", string(source)).Msg("pending sweep failed")
		return
	}
	if len(jobs) == 0 {
		return
	}

	taskName := types.ProcessingTaskName(source)
	enqueued := 0
	for _, job := range jobs {
		// Sweep tasks ride the background queue so direct API enqueues
		// keep their latency edge
		task := &broker.Task{
			Name:     taskName,
			Args:     []string{types.JobKey(source, job.ID, job.Owner)},
			JobID:    job.ID,
			Priority: job.Priority,
			Queue:    types.QueueBackground,
		}
		if err := s.broker.Enqueue(ctx, task); err != nil {
			logger.Error().Err(err).Str("job_id", job.ID).Msg("enqueue failed, marking job failed")
			if serr := repo.StoreError(ctx, job.ID, fmt.Sprintf("enqueue failed: %v", err)); serr != nil {
				logger.Error().Err(serr).Str("job_id", job.ID).Msg("could not record enqueue failure")
			}
			continue
		}
		metrics.TasksEnqueued.WithLabelValues(taskName).Inc()
		enqueued++
	}

	logger.Info().
		Str("source", string(source)).
		Int("enqueued", enqueued).
		Int("batch", s.currentBatch()).
		Msg("sweep completed")
}

// Drain promotes due delayed tasks
func (s *Scheduler) Drain(ctx context.Context) {
	moved, err := s.broker.DrainDelayed(ctx)
	if err != nil {
		log.WithComponent("scheduler").Error().Err(err).Msg("delayed drain failed")
		return
	}
	if moved > 0 {
		log.WithComponent("scheduler").Debug().Int("moved", moved).Msg("delayed tasks promoted")
	}
}

// Janitor recovers jobs whose processing lock expired
func (s *Scheduler) Janitor(ctx context.Context) {
	total := 0
	for source, repo := range s.repos {
		n, err := repo.ResetExpired(ctx)
		if err != nil {
			log.WithComponent("scheduler").Error().Err(err).Str("source", string(source)).Msg("janitor pass failed")
			continue
		}
		total += n
	}
	if total > 0 {
		metrics.JobsRecovered.Add(float64(total))
		log.WithComponent("scheduler").Warn().Int("recovered", total).Msg("janitor recovered stuck jobs")
	}
}

// adjustBatch halves the sweep batch while the queue is backed up and
// restores it once workers catch up.
func (s *Scheduler) adjustBatch(ctx context.Context) {
	depths, err := s.broker.Depth(ctx)
	if err != nil {
		return
	}
	var total int64
	for queue, depth := range depths {
		metrics.QueueDepth.WithLabelValues(queue).Set(float64(depth))
		total += depth
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case total > s.cfg.BackpressureAt && s.batch > 1:
		s.batch = s.batch / 2
		if s.batch < 1 {
			s.batch = 1
		}
		log.WithComponent("scheduler").Warn().
			Int64("queue_depth", total).
			Int("batch", s.batch).
			Msg("queue backed up, halving sweep batch")
	case total <= s.cfg.BackpressureAt/2 && s.batch < s.cfg.BatchSize:
		s.batch = s.cfg.BatchSize
	}
}

func (s *Scheduler) currentBatch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batch
}
