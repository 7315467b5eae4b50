// Package scheduler runs GarageDesk's periodic jobs on robfig/cron.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the session expiry sweep every five minutes.
const DefaultSweepSchedule = "@every 5m"

// DefaultPruneSchedule runs the inbound dedup pruning every hour.
const DefaultPruneSchedule = "@hourly"

// DefaultDedupRetention is how long inbound message ids are remembered.
const DefaultDedupRetention = 72 * time.Hour

// DefaultJobTimeout bounds a single job run.
const DefaultJobTimeout = time.Minute

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithJobTimeout sets how long a job may run before its context is cancelled.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewScheduler creates a scheduler accepting 5-field cron expressions and descriptors such as
// "@every 5m" or "@hourly". Overlapping runs of the same job are skipped and panics recovered.
func NewScheduler(opts ...Option) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := slogLogger{}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{cron: c, ctx: ctx, cancel: cancel, timeout: DefaultJobTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddJob schedules task under name. It returns an error if expr is invalid.
func (s *Scheduler) AddJob(name, expr string, task func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(expr, func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
		start := time.Now()
		if err := task(ctx); err != nil {
			slog.Error("Scheduler job failed", "job", name, "error", err)
			return
		}
		slog.Debug("Scheduler job finished", "job", name, "elapsed", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, expr, err)
	}
	slog.Info("Scheduler job added", "job", name, "schedule", expr)
	return nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling, cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.cancel()
	<-done.Done()
}

// Sweeper removes expired sessions. session.Manager implements it.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// SweepJob adapts a Sweeper to AddJob.
func SweepJob(sw Sweeper) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		n, err := sw.SweepExpired(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			slog.Info("Scheduler: expired sessions swept", "count", n)
		}
		return nil
	}
}

// Pruner forgets old inbound message ids. store.DedupStore implements it.
type Pruner interface {
	DeleteInboundBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PruneJob adapts a Pruner to AddJob, keeping ids newer than retention.
func PruneJob(p Pruner, retention time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		n, err := p.DeleteInboundBefore(ctx, time.Now().Add(-retention))
		if err != nil {
			return err
		}
		slog.Debug("Scheduler: inbound dedup pruned", "count", n)
		return nil
	}
}

// slogLogger routes cron's own logging to slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
