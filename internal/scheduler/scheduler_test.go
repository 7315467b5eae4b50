package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (c *countingSweeper) SweepExpired(ctx context.Context) (int64, error) {
	c.calls.Add(1)
	return 2, c.err
}

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	noop := func(context.Context) error { return nil }
	if err := s.AddJob("cron", "* * * * *", noop); err != nil {
		t.Errorf("Expected no error adding cron job, got %v", err)
	}
	if err := s.AddJob("every", DefaultSweepSchedule, noop); err != nil {
		t.Errorf("Expected no error adding descriptor job, got %v", err)
	}
	if err := s.AddJob("bad", "every five minutes", noop); err == nil {
		t.Error("Expected error for invalid expression")
	}
}

func TestSchedulerRunsJob(t *testing.T) {
	s := NewScheduler(WithJobTimeout(time.Second))
	sw := &countingSweeper{}
	if err := s.AddJob("sweep", "@every 1s", SweepJob(sw)); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for sw.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if sw.calls.Load() == 0 {
		t.Fatal("sweep job never ran")
	}
}

func TestSweepJob(t *testing.T) {
	if err := SweepJob(&countingSweeper{})(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	boom := errors.New("db down")
	if err := SweepJob(&countingSweeper{err: boom})(context.Background()); !errors.Is(err, boom) {
		t.Errorf("expected sweeper error, got %v", err)
	}
}

type recordingPruner struct {
	cutoff time.Time
}

func (r *recordingPruner) DeleteInboundBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.cutoff = cutoff
	return 1, nil
}

func TestPruneJob(t *testing.T) {
	p := &recordingPruner{}
	before := time.Now()
	if err := PruneJob(p, time.Hour)(context.Background()); err != nil {
		t.Fatalf("PruneJob: %v", err)
	}
	want := before.Add(-time.Hour)
	if p.cutoff.Before(want) || p.cutoff.After(time.Now().Add(-time.Hour)) {
		t.Errorf("cutoff %v not one hour before now", p.cutoff)
	}
}
