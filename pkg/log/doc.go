/*
Package log provides structured logging for Conveyor using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

Job-processing paths must never lose the trace: use WithJob (or WithJobID /
WithTraceID) so that every line carries job_id and trace_id and can be
correlated across the API, scheduler, worker and notifier.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	workerLog := log.WithComponent("worker")
	workerLog.Info().Msg("starting worker pool")

Job-scoped loggers:

	jobLog := log.WithJob(jobID, traceID)
	jobLog.Info().Str("type", jobType).Msg("processing job")
	jobLog.Error().Err(err).Msg("job failed")

# Integration Points

This package integrates with:

  - pkg/api: request logging with trace IDs
  - pkg/scheduler: sweep and janitor logging
  - pkg/worker: job execution logging
  - pkg/notifier: webhook outcome logging
  - pkg/repository, pkg/cache, pkg/vectorstore: backend error logging
*/
package log
