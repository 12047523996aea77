// Package engine drives sync cycles: pull, classify, merge, apply and push.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/tether-sync/tether/internal/backup"
	"github.com/tether-sync/tether/internal/config"
	"github.com/tether-sync/tether/internal/conflict"
	"github.com/tether-sync/tether/internal/history"
	"github.com/tether-sync/tether/internal/lock"
	"github.com/tether-sync/tether/internal/machine"
	"github.com/tether-sync/tether/internal/packages"
	"github.com/tether-sync/tether/internal/secrets"
	"github.com/tether-sync/tether/internal/secure"
	"github.com/tether-sync/tether/internal/state"
	"github.com/tether-sync/tether/internal/transport"
	"github.com/tether-sync/tether/internal/workspace"
)

const (
	// machine records are refreshed at least this often even when nothing else changed
	machineRefreshInterval = 24 * time.Hour
	packageOpTimeout       = 10 * time.Minute
)

// KeySource yields the unlocked data key. *secure.KeyCache is the production source.
type KeySource interface {
	Load() (*secure.Key, error)
}

type Options struct {
	Workspace *workspace.Workspace
	Config    *config.Config
	Transport transport.Transport
	// Team is the read-only team repository, nil unless team layers are enabled.
	Team      transport.Transport
	Guard     *lock.Guard
	Managers  map[string]packages.Manager
	Keys      KeySource
	History   *history.Store
	MachineID string
	Now       func() time.Time
	// Backoff returns the wait before retry attempt n. Defaults to n seconds.
	Backoff func(attempt int) time.Duration
}

type Orchestrator struct {
	ws        *workspace.Workspace
	cfg       *config.Config
	transport transport.Transport
	team      transport.Transport
	guard     *lock.Guard
	managers  map[string]packages.Manager
	keys      KeySource
	history   *history.Store
	machineID string
	policy    conflict.Policy
	scanner   *secrets.Scanner
	backups   *backup.Manager
	now       func() time.Time
	backoff   func(int) time.Duration
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Workspace == nil || opts.Config == nil || opts.Transport == nil || opts.Guard == nil {
		return nil, errors.New("engine: workspace, config, transport and guard are required")
	}
	if opts.MachineID == "" {
		opts.MachineID = machine.LocalID()
	}
	policy, err := opts.Config.Policy(opts.MachineID)
	if err != nil {
		return nil, configurationError(err, "")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Backoff == nil {
		opts.Backoff = func(n int) time.Duration { return time.Duration(n) * time.Second }
	}
	if opts.Keys == nil {
		opts.Keys = secure.NewKeyCache(opts.Workspace.KeyCachePath)
	}
	return &Orchestrator{
		ws:        opts.Workspace,
		cfg:       opts.Config,
		transport: opts.Transport,
		team:      opts.Team,
		guard:     opts.Guard,
		managers:  opts.Managers,
		keys:      opts.Keys,
		history:   opts.History,
		machineID: opts.MachineID,
		policy:    policy,
		scanner:   secrets.NewScanner(),
		backups:   backup.New(opts.Workspace.BackupsDir, backup.DefaultKeep),
		now:       opts.Now,
		backoff:   opts.Backoff,
	}, nil
}

func (o *Orchestrator) MachineID() string {
	return o.machineID
}

type RunOptions struct {
	Mode   Mode
	DryRun bool
	// AllowSecrets pushes plaintext files even when the secret scanner flags them.
	AllowSecrets bool
}

// RunCycle runs one sync cycle under the concurrency guard.
func (o *Orchestrator) RunCycle(ctx context.Context, mode Mode, dryRun bool) (*CycleReport, error) {
	return o.Run(ctx, RunOptions{Mode: mode, DryRun: dryRun})
}

func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*CycleReport, error) {
	if opts.Mode == "" {
		opts.Mode = ModeFull
	}
	report := &CycleReport{Mode: opts.Mode, DryRun: opts.DryRun, StartedAt: o.now()}

	err := o.guard.Do(ctx, "sync "+string(opts.Mode), func(ctx context.Context) error {
		return o.run(ctx, opts, report)
	})

	report.FinishedAt = o.now()
	if err != nil {
		report.Error = err.Error()
	}
	o.recordHistory(report)

	slog.Info("sync cycle",
		"mode", opts.Mode,
		"dryRun", opts.DryRun,
		"applied", len(report.Applied),
		"conflicts", len(report.Conflicts),
		"failures", len(report.Failures),
		"attempts", report.Attempts,
		"pushed", report.Pushed,
		"took", report.FinishedAt.Sub(report.StartedAt),
	)
	return report, err
}

func (o *Orchestrator) run(ctx context.Context, opts RunOptions, report *CycleReport) error {
	st, err := state.Open(o.ws.StatePath, o.machineID)
	if err != nil {
		return err
	}
	conflicts, err := conflict.OpenStore(o.ws.ConflictsPath, o.ws.ConflictsDir)
	if err != nil {
		return err
	}

	if err := o.network(ctx, o.transport.Open); err != nil {
		return transientError(errors.Wrap(err, "open sync repository"))
	}
	o.refreshTeam(ctx, report)

	var key *secure.Key
	if opts.Mode.dotfiles() && o.needsKey() {
		if key, err = o.keys.Load(); err != nil {
			return configurationError(errors.Wrap(err, "encrypted dotfiles configured"), "run `tether keys unlock`")
		}
		defer key.Destroy()
	}

	maxAttempts := o.cfg.Sync.MaxPushRetries + 1
	for attempt := 1; ; attempt++ {
		report.Attempts = attempt
		report.reset()

		retry, err := o.attempt(ctx, opts, report, st, conflicts, key, attempt < maxAttempts)
		if !retry {
			return err
		}
		slog.Warn("sync attempt failed, retrying", "attempt", attempt, "error", err)
		if err := o.wait(ctx, attempt); err != nil {
			return err
		}
	}
}

// attempt runs fetch, reconcile and push once. It reports whether a retry may fix the error.
func (o *Orchestrator) attempt(ctx context.Context, opts RunOptions, report *CycleReport, st *state.Store, conflicts *conflict.Store, key *secure.Key, canRetry bool) (bool, error) {
	c, err := o.prepare(ctx, opts, report, st, conflicts, key)
	if err != nil {
		if transport.IsRetryable(err) {
			return canRetry, transientError(err)
		}
		return false, err
	}
	defer c.release()

	if err := c.sync(ctx); err != nil {
		return false, err
	}
	if opts.DryRun {
		return false, nil
	}

	err = c.publish(ctx)
	switch {
	case err == nil:
		return false, c.finalize()
	case canRetry && transport.IsRetryable(err):
		return true, err
	case errors.Is(err, transport.ErrPushRejected):
		c.storeConflicts()
		return false, errors.WithHint(
			errors.Mark(errors.Wrapf(err, "gave up after %d attempts", report.Attempts), ErrManualIntervention),
			"the remote keeps moving; run `tether sync` again later or inspect "+o.ws.RepoDir,
		)
	case transport.IsRetryable(err):
		c.storeConflicts()
		return false, transientError(err)
	}
	return false, err
}

// prepare fetches the remote, resets the checkout onto it and sets up a cycle.
func (o *Orchestrator) prepare(ctx context.Context, opts RunOptions, report *CycleReport, st *state.Store, conflicts *conflict.Store, key *secure.Key) (*cycle, error) {
	if err := o.network(ctx, o.transport.Fetch); err != nil {
		return nil, err
	}
	if err := o.transport.Rebase(ctx); err != nil {
		return nil, errors.Wrap(err, "reset checkout to remote")
	}

	dir := o.transport.Dir()
	machines, err := machine.List(dir)
	if err == nil {
		err = machine.CheckCompatible(machines)
	}
	if errors.Is(err, machine.ErrIncompatibleProtocol) {
		return nil, configurationError(err, "")
	} else if err != nil {
		return nil, err
	}
	self, err := machine.LoadOrNew(dir, o.machineID, o.cfg.Machine.Name)
	if err != nil {
		return nil, configurationError(err, "repair or delete "+machine.Path(dir, o.machineID))
	}
	r, err := loadRepo(dir)
	if err != nil {
		return nil, err
	}

	return &cycle{
		o:         o,
		cfg:       o.cfg,
		ws:        o.ws,
		opts:      opts,
		report:    report,
		state:     st,
		conflicts: conflicts,
		repo:      r,
		machines:  machines,
		self:      self,
		key:       key,
		snapshot:  o.backups.Begin(),
		now:       o.now(),
	}, nil
}

func (o *Orchestrator) needsKey() bool {
	if o.cfg.Security.EncryptDotfiles {
		return len(o.cfg.Dotfiles.Files) > 0 || len(o.cfg.Dotfiles.Dirs) > 0
	}
	for _, f := range o.cfg.Dotfiles.Files {
		if f.Encrypt {
			return true
		}
	}
	return false
}

// refreshTeam updates the team checkout. A failure leaves the last fetched layers in place.
func (o *Orchestrator) refreshTeam(ctx context.Context, report *CycleReport) {
	if o.team == nil || !o.cfg.Team.Enabled {
		return
	}
	err := o.network(ctx, func(ctx context.Context) error {
		if err := o.team.Open(ctx); err != nil {
			return err
		}
		if err := o.team.Fetch(ctx); err != nil {
			return err
		}
		return o.team.Rebase(ctx)
	})
	if err != nil {
		slog.Warn("team repository refresh failed", "error", err)
		report.fail("team", transientError(errors.Wrap(err, "refresh team layers")))
	}
}

// network bounds a transport call by the configured timeout.
func (o *Orchestrator) network(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Sync.NetworkTimeout)
	defer cancel()
	err := fn(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Mark(err, transport.ErrUnreachable)
	}
	return err
}

func (o *Orchestrator) wait(ctx context.Context, attempt int) error {
	d := o.backoff(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (o *Orchestrator) recordHistory(r *CycleReport) {
	if o.history == nil {
		return
	}
	_, err := o.history.Record(&history.Entry{
		Mode:       string(r.Mode),
		DryRun:     r.DryRun,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Applied:    len(r.Applied),
		Conflicts:  len(r.Conflicts),
		Failures:   len(r.Failures),
		Error:      r.Error,
	}, r)
	if err != nil {
		slog.Warn("record sync history", "error", err)
	}
}

func commitMessage(name string, r *CycleReport) string {
	return fmt.Sprintf("sync: %s (%d changes)", name, len(r.Applied))
}
