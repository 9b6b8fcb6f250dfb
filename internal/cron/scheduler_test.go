package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestAdd_InvalidExpression(t *testing.T) {
	s := NewScheduler(Config{})
	if err := s.Add("bad", "not a cron expr", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestTick_FiresDueJobsOnly(t *testing.T) {
	s := NewScheduler(Config{})
	base := time.Date(2026, 8, 28, 12, 0, 30, 0, time.UTC)
	s.SetClock(func() time.Time { return base })

	var fired int32
	if err := s.Add("sweep", "* * * * *", func(context.Context) error {
		atomic.AddInt32(&fired, 1)
		return nil
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Not due yet: next run is the top of the next minute.
	s.Tick(context.Background())
	if n := atomic.LoadInt32(&fired); n != 0 {
		t.Fatalf("fired = %d before schedule came due", n)
	}

	base = base.Add(time.Minute)
	s.Tick(context.Background())
	if n := atomic.LoadInt32(&fired); n != 1 {
		t.Fatalf("fired = %d, want 1", n)
	}

	// Same minute again: already rescheduled, must not refire.
	s.Tick(context.Background())
	if n := atomic.LoadInt32(&fired); n != 1 {
		t.Fatalf("fired = %d after duplicate tick, want 1", n)
	}
}

func TestTick_JobErrorDoesNotStopOthers(t *testing.T) {
	s := NewScheduler(Config{})
	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })

	var ran int32
	_ = s.Add("failing", "* * * * *", func(context.Context) error {
		return errors.New("boom")
	})
	_ = s.Add("healthy", "* * * * *", func(context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	base = base.Add(time.Minute)
	s.Tick(context.Background())
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatal("healthy job did not run after failing job errored")
	}
}

func TestTick_PanicContained(t *testing.T) {
	s := NewScheduler(Config{})
	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })

	_ = s.Add("panicky", "* * * * *", func(context.Context) error {
		panic("boom")
	})
	base = base.Add(time.Minute)
	s.Tick(context.Background()) // must not crash the test binary
}
