package plugboard

import (
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/robfig/cron/v3"
	"log/slog"
	"time"
)

// Scheduler runs periodic maintenance jobs
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

func newScheduler(loc *time.Location, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
	}
}

// AddJob schedules fn with the given cron spec. Each run gets a context
// that's canceled after timeout.
func (s *Scheduler) AddJob(
	ctx context.Context,
	name string,
	spec string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	logger := s.logger.With("job", name)
	_, err := s.cron.AddFunc(
		spec, func() {
			jobCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			start := time.Now()
			if e := fn(jobCtx); e != nil {
				logger.ErrorContext(jobCtx, "job failed", tint.Err(e))
				return
			}
			logger.DebugContext(jobCtx, "job finished", "duration", time.Since(start))
		},
	)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}
	logger.Info("scheduled job", "schedule", spec)
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs to finish, or for
// ctx to be done
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.WarnContext(ctx, "timed out waiting for jobs to finish")
	}
}

// Len returns the number of scheduled jobs
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// purgeSessionsJob returns a job that deletes expired sessions
func purgeSessionsJob(store SessionStore, logger *slog.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		n, err := store.PurgeExpired(ctx)
		if err != nil {
			return fmt.Errorf("error purging sessions: %w", err)
		}
		if n > 0 {
			logger.InfoContext(ctx, "purged expired sessions", "count", n)
		}
		return nil
	}
}
