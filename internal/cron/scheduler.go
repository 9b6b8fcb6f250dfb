// Package cron provides a periodic scheduler that fires registered
// maintenance jobs (liveness scans, reputation decay sweeps, approval
// expiry) on cron schedules.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// JobFunc is one maintenance job. Errors are logged, never fatal.
type JobFunc func(ctx context.Context) error

type job struct {
	name    string
	sched   cronlib.Schedule
	run     JobFunc
	nextRun time.Time
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler ticks at a fixed interval and fires every registered job whose
// schedule has come due since the last tick.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration

	mu   sync.Mutex
	jobs []*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewScheduler creates a Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:   logger.With("component", "cron"),
		interval: interval,
		now:      time.Now,
	}
}

// SetClock overrides the scheduler clock for tests.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Add registers a job under a cron expression. Returns a parse error for an
// invalid expression.
func (s *Scheduler) Add(name, cronExpr string, fn JobFunc) error {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{
		name:    name,
		sched:   sched,
		run:     fn,
		nextRun: sched.Next(s.now()),
	})
	return nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", len(s.jobs))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every job whose next run time has passed. Exported so tests and
// startup can drive the scheduler synchronously.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.nextRun.After(now) {
			due = append(due, j)
			j.nextRun = j.sched.Next(now)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.fire(ctx, j)
	}
}

func (s *Scheduler) fire(ctx context.Context, j *job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cron job panicked", "job", j.name, "panic", r)
		}
	}()
	start := s.now()
	if err := j.run(ctx); err != nil {
		s.logger.Error("cron job failed", "job", j.name, "error", err)
		return
	}
	s.logger.Debug("cron job fired", "job", j.name, "duration", s.now().Sub(start))
}
