// Package scheduler runs periodic background jobs, such as the organizer digest, on
// cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultJobTimeout bounds a single job run.
const DefaultJobTimeout = 5 * time.Minute

// Job is a unit of scheduled work. The context is cancelled when the run exceeds the
// job timeout or the scheduler stops.
type Job func(ctx context.Context) error

// Opts holds configuration for the Scheduler.
type Opts struct {
	Location   *time.Location
	JobTimeout time.Duration
}

// Option configures the Scheduler.
type Option func(*Opts)

// WithLocation evaluates cron expressions in loc instead of UTC.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) {
		o.Location = loc
	}
}

// WithJobTimeout bounds each job run.
func WithJobTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.JobTimeout = d
	}
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates and starts a cron scheduler using the standard 5-field parser.
// A panicking job is recovered and overlapping runs of the same job are skipped.
func NewScheduler(opts ...Option) *Scheduler {
	cfg := Opts{Location: time.UTC, JobTimeout: DefaultJobTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(cfg.Location),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start()
	return &Scheduler{cron: c, timeout: cfg.JobTimeout, ctx: ctx, cancel: cancel}
}

// AddJob schedules job under name using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, job Job) (cron.EntryID, error) {
	id, err := s.cron.AddFunc(expr, func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
		start := time.Now()
		if err := job(ctx); err != nil {
			slog.Error("Scheduler.run: job failed", "job", name, "error", err, "duration", time.Since(start))
			return
		}
		slog.Info("Scheduler.run: job finished", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return 0, fmt.Errorf("invalid cron expression %q for job %s: %w", expr, name, err)
	}
	slog.Info("Scheduler.AddJob: job scheduled", "job", name, "expr", expr, "next", s.cron.Entry(id).Next)
	return id, nil
}

// Next returns the next run time of a scheduled job, or the zero time if unknown.
func (s *Scheduler) Next(id cron.EntryID) time.Time {
	return s.cron.Entry(id).Next
}

// Stop stops the scheduler, cancels running jobs and waits for them to return or ctx
// to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
	case <-ctx.Done():
		slog.Warn("Scheduler.Stop: jobs still running at shutdown")
	}
}
