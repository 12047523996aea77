package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/tether-sync/tether/internal/conflict"
	"github.com/tether-sync/tether/internal/packages"
	"github.com/tether-sync/tether/internal/state"
	"golang.org/x/sync/errgroup"
)

const maxParallelManagers = 3

// managerPlan is computed per manager in parallel and applied to the cycle serially.
type managerPlan struct {
	name      string
	err       error
	skipped   bool
	remote    []byte
	installed []string
	removed   []string
	merged    []string
	install   []string
	uninstall []string
	result    *packages.ImportResult
	removedOK []string
	failed    map[string]error
}

func manifestID(manager string) string {
	return manifestPrefix + manager
}

func manifestPath(manager string) string {
	return path.Join(ManifestsDir, manager+".txt")
}

// syncPackages unions each manager's manifest across machines and brings this machine in
// line with it. Individual package failures are reported, never fatal.
func (c *cycle) syncPackages(ctx context.Context) error {
	names := make([]string, 0, len(c.o.managers))
	for name := range c.o.managers {
		names = append(names, name)
	}
	sort.Strings(names)

	plans := make([]*managerPlan, len(names))
	for i, name := range names {
		remote, _, err := c.repo.read(manifestPath(name), false)
		plans[i] = &managerPlan{name: name, remote: remote, err: err}
	}

	g := new(errgroup.Group)
	g.SetLimit(maxParallelManagers)
	for i, name := range names {
		plan := plans[i]
		if plan.err != nil {
			continue
		}
		mgr := c.o.managers[name]
		g.Go(func() error {
			c.planManager(ctx, mgr, plan)
			return nil
		})
	}
	_ = g.Wait()

	for _, plan := range plans {
		if stopRequested(ctx) {
			return errors.Wrapf(ErrInterrupted, "stopped before %s", plan.name)
		}
		c.applyPlan(plan)
	}
	return nil
}

// planManager runs the manager subprocesses. It must not touch shared cycle state.
func (c *cycle) planManager(ctx context.Context, mgr packages.Manager, plan *managerPlan) {
	if !mgr.Available(ctx) {
		plan.skipped = true
		return
	}

	listCtx, cancel := context.WithTimeout(ctx, packageOpTimeout)
	exported, err := mgr.ExportManifest(listCtx)
	cancel()
	if err != nil {
		plan.err = transientError(errors.Wrapf(err, "list %s packages", plan.name))
		return
	}
	plan.installed = packages.ParseManifest(exported)
	installed := mapset.NewThreadUnsafeSet(plan.installed...)

	// packages this machine published before and no longer has were removed on purpose
	removed := mapset.NewThreadUnsafeSet(c.self.RemovedPackages[plan.name]...)
	for _, p := range c.self.Packages[plan.name] {
		if !installed.Contains(p) {
			removed.Add(p)
		}
	}
	plan.removed = removed.Difference(installed).ToSlice()
	sort.Strings(plan.removed)

	var fleetRemoved []string
	if c.cfg.Packages.RemoveUnlisted {
		for _, m := range c.machines {
			if m.ID != c.o.machineID {
				fleetRemoved = append(fleetRemoved, m.RemovedPackages[plan.name]...)
			}
		}
	}

	plan.merged = conflict.UnionManifest(packages.ParseManifest(plan.remote), plan.installed)
	plan.install, plan.uninstall = conflict.ManifestDelta(plan.merged, plan.installed, plan.removed, fleetRemoved)
	if c.opts.DryRun {
		return
	}

	plan.failed = make(map[string]error)
	if len(plan.install) > 0 {
		opCtx, cancel := context.WithTimeout(ctx, packageOpTimeout)
		plan.result, err = mgr.ImportManifest(opCtx, packages.FormatManifest(plan.install))
		cancel()
		if err != nil && plan.result == nil {
			plan.err = transientError(errors.Wrapf(err, "install %s packages", plan.name))
			return
		}
		for name, ferr := range plan.result.Failed {
			plan.failed[name] = ferr
		}
		if err != nil {
			// interrupted part way, whatever was not attempted counts as failed
			done := mapset.NewThreadUnsafeSet(plan.result.Installed...)
			for _, name := range plan.install {
				if _, failed := plan.failed[name]; !failed && !done.Contains(name) {
					plan.failed[name] = err
				}
			}
		}
	}
	for _, name := range plan.uninstall {
		opCtx, cancel := context.WithTimeout(ctx, packageOpTimeout)
		err := mgr.Uninstall(opCtx, name)
		cancel()
		if err != nil {
			plan.failed[name] = err
			continue
		}
		plan.removedOK = append(plan.removedOK, name)
	}
}

func (c *cycle) applyPlan(plan *managerPlan) {
	id := manifestID(plan.name)
	switch {
	case plan.skipped:
		slog.Debug("package manager not available", "manager", plan.name)
		return
	case plan.err != nil:
		c.report.fail(id, plan.err)
		return
	}

	mergedManifest := packages.FormatManifest(plan.merged)
	base, _ := c.state.GetBaseline(id)
	outcome := conflict.Classify(conflict.Observation{
		Base:   base,
		Local:  conflict.Version{Content: packages.FormatManifest(plan.installed)}.Fingerprint(),
		Remote: conflict.Version{Content: plan.remote}.Fingerprint(),
	})

	if !bytes.Equal(mergedManifest, plan.remote) {
		added := len(plan.merged) - len(packages.ParseManifest(plan.remote))
		if !c.opts.DryRun {
			meta := indexEntry{ModifiedAt: c.now.UTC(), Machine: c.o.machineID}
			if err := c.repo.write(id, manifestPath(plan.name), mergedManifest, false, meta); err != nil {
				c.report.fail(id, err)
				return
			}
		}
		detail := fmt.Sprintf("+%d packages", added)
		if outcome == conflict.Divergent {
			detail += ", union of divergent manifests"
		}
		c.report.applied(id, state.KindManifest, ActionManifest, detail)
	}

	final := mapset.NewThreadUnsafeSet(plan.installed...)
	if c.opts.DryRun {
		for _, p := range plan.install {
			c.report.applied(id, state.KindManifest, ActionInstall, p)
		}
		for _, p := range plan.uninstall {
			c.report.applied(id, state.KindManifest, ActionUninstall, p)
		}
	} else {
		if plan.result != nil {
			for _, p := range plan.result.Installed {
				final.Add(p)
				c.report.applied(id, state.KindManifest, ActionInstall, p)
			}
		}
		for _, p := range plan.removedOK {
			final.Remove(p)
			c.report.applied(id, state.KindManifest, ActionUninstall, p)
		}
		failed := make([]string, 0, len(plan.failed))
		for p := range plan.failed {
			failed = append(failed, p)
		}
		sort.Strings(failed)
		for _, p := range failed {
			slog.Warn("package operation failed", "manager", plan.name, "package", p, "error", plan.failed[p])
			c.report.Failures = append(c.report.Failures, Failure{
				Entity:   id + "/" + p,
				Category: CategoryPackage,
				Error:    plan.failed[p].Error(),
			})
		}
		if len(failed) > 0 {
			slog.Warn("package sync incomplete", "manager", plan.name, "failed", strings.Join(failed, ","))
		}
	}

	installedNow := final.ToSlice()
	sort.Strings(installedNow)
	c.self.SetPackages(plan.name, installedNow)
	if len(plan.removed) > 0 {
		c.self.RemovedPackages[plan.name] = plan.removed
	} else {
		delete(c.self.RemovedPackages, plan.name)
	}

	c.markSynced(entity{id: id, kind: state.KindManifest}, conflict.Version{Content: mergedManifest}.Fingerprint(), c.now, c.o.machineID, nil)
}
