package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// maxCheckInterval bounds how long the scheduler sleeps between wall-clock checks. Timers
// do not advance while the machine is suspended, so short checks notice a resume quickly.
const maxCheckInterval = 30 * time.Second

// CycleRunner runs one sync cycle. *Orchestrator is the production runner.
type CycleRunner interface {
	Run(ctx context.Context, opts RunOptions) (*CycleReport, error)
}

type SchedulerOption func(*Scheduler)

// WithClock replaces the wall clock used for missed-tick detection.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithLastRun seeds the time of the previous cycle, usually the state's last sync.
func WithLastRun(t time.Time) SchedulerOption {
	return func(s *Scheduler) { s.lastRun = t }
}

// WithRunOptions sets the options of every scheduled cycle.
func WithRunOptions(opts RunOptions) SchedulerOption {
	return func(s *Scheduler) { s.opts = opts }
}

// Scheduler runs a cycle every interval, and on demand through Trigger.
type Scheduler struct {
	runner   CycleRunner
	interval time.Duration
	grace    time.Duration
	opts     RunOptions
	now      func() time.Time
	trigger  chan struct{}

	mu      sync.Mutex
	lastRun time.Time
	cycles  int
}

func NewScheduler(runner CycleRunner, interval, grace time.Duration, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		runner:   runner,
		interval: interval,
		grace:    grace,
		opts:     RunOptions{Mode: ModeFull},
		now:      time.Now,
		trigger:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Trigger requests a cycle as soon as the current one, if any, ends. Requests coalesce.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// Cycles is the number of cycles started since Start.
func (s *Scheduler) Cycles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles
}

// Start runs an initial cycle and then blocks until ctx is done. Cancelling ctx lets an
// in-progress cycle finish its current entity; after the grace period the cycle is
// cancelled outright.
func (s *Scheduler) Start(ctx context.Context) error {
	slog.Info("scheduler start", "interval", s.interval, "grace", s.grace)

	done := make(chan struct{})
	defer close(done)

	stop := make(chan struct{})
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()

	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		close(stop)
		timer := time.NewTimer(s.grace)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			slog.Warn("grace period elapsed, cancelling sync cycle")
			cancelRun()
		}
	}()
	cycleCtx := WithStop(runCtx, stop)

	s.runCycle(cycleCtx, "startup")

	// a timer and not a ticker, so a slow cycle does not queue ticks
	timer := time.NewTimer(s.checkInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stop")
			return nil
		case <-s.trigger:
			s.runCycle(cycleCtx, "change")
		case <-timer.C:
			if elapsed := s.now().Sub(s.LastRun()); elapsed >= s.interval {
				reason := "interval"
				if missed := int(elapsed/s.interval) - 1; missed > 0 {
					slog.Info("missed sync ticks, running catch-up cycle", "missed", missed, "elapsed", elapsed.Round(time.Second))
					reason = "catch-up"
				}
				s.runCycle(cycleCtx, reason)
			}
		}
		timer.Reset(s.checkInterval())
	}
}

func (s *Scheduler) checkInterval() time.Duration {
	return min(s.interval, maxCheckInterval)
}

func (s *Scheduler) runCycle(ctx context.Context, reason string) {
	if stopRequested(ctx) {
		return
	}
	s.mu.Lock()
	s.cycles++
	s.mu.Unlock()

	slog.Debug("scheduled sync", "reason", reason)
	_, err := s.runner.Run(ctx, s.opts)

	// failed cycles count as runs so a broken remote is not retried in a hot loop
	s.mu.Lock()
	s.lastRun = s.now()
	s.mu.Unlock()

	switch {
	case err == nil:
	case errors.Is(err, ErrInterrupted), errors.Is(err, context.Canceled):
		slog.Info("sync cycle interrupted", "reason", reason)
	default:
		slog.Error("scheduled sync failed", "reason", reason, "category", Classify(err), "error", err)
	}
}
