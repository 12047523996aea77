// Package daemon runs the scheduler, the change watcher and a heartbeat until stopped.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tether-sync/tether/internal/config"
	"github.com/tether-sync/tether/internal/engine"
	"github.com/tether-sync/tether/internal/workspace"
	"golang.org/x/sync/errgroup"
)

const DefaultHeartbeat = 60 * time.Second

type Options struct {
	Runner    engine.CycleRunner
	Workspace *workspace.Workspace
	Config    *config.Config
	// LastRun is when the previous cycle finished, usually the state's last sync.
	LastRun   time.Time
	Heartbeat time.Duration
}

type Daemon struct {
	scheduler *engine.Scheduler
	watcher   *engine.Watcher
	heartbeat time.Duration
	started   time.Time
}

func New(opts Options) *Daemon {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	cfg := opts.Config
	scheduler := engine.NewScheduler(opts.Runner, cfg.Sync.Interval, cfg.Sync.GracePeriod, engine.WithLastRun(opts.LastRun))
	d := &Daemon{
		scheduler: scheduler,
		heartbeat: opts.Heartbeat,
	}
	if cfg.Sync.Watch {
		d.watcher = engine.NewWatcher(opts.Workspace, cfg, scheduler.Trigger)
	}
	return d
}

func (d *Daemon) Scheduler() *engine.Scheduler {
	return d.scheduler
}

// Start blocks until ctx is done or a component fails.
func (d *Daemon) Start(ctx context.Context) error {
	slog.Info("daemon start", "watch", d.watcher != nil)
	d.started = time.Now()

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return d.scheduler.Start(egCtx)
	})

	if d.watcher != nil {
		eg.Go(func() error {
			if err := d.watcher.Start(egCtx); err != nil {
				// scheduled cycles still run without change notifications
				slog.Error("file watcher failed", "error", err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		d.beat(egCtx)
		return nil
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("daemon failure", "error", err)
		return err
	}
	slog.Info("daemon stopped", "uptime", time.Since(d.started).Round(time.Second))
	return nil
}

func (d *Daemon) beat(ctx context.Context) {
	ticker := time.NewTicker(d.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := "never"
			if t := d.scheduler.LastRun(); !t.IsZero() {
				last = humanize.Time(t)
			}
			slog.Info("daemon alive",
				"uptime", time.Since(d.started).Round(time.Second),
				"cycles", d.scheduler.Cycles(),
				"lastSync", last,
			)
		}
	}
}
