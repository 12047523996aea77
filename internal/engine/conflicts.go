package engine

import (
	"context"
	"log/slog"
	"os"
	"path"

	"github.com/cockroachdb/errors"
	"github.com/tether-sync/tether/internal/conflict"
	"github.com/tether-sync/tether/internal/state"
	"github.com/tether-sync/tether/internal/utils"
)

func (o *Orchestrator) openConflicts() (*conflict.Store, error) {
	return conflict.OpenStore(o.ws.ConflictsPath, o.ws.ConflictsDir)
}

// ListConflicts returns pending and resolved-but-unpublished conflicts, oldest first.
func (o *Orchestrator) ListConflicts() ([]conflict.Record, error) {
	store, err := o.openConflicts()
	if err != nil {
		return nil, err
	}
	return store.List(), nil
}

// ConflictContents returns the stored candidate bodies of a conflict.
func (o *Orchestrator) ConflictContents(id string) (conflict.Record, conflict.Contents, error) {
	store, err := o.openConflicts()
	if err != nil {
		return conflict.Record{}, conflict.Contents{}, err
	}
	rec, err := store.Get(id)
	if err != nil {
		return rec, conflict.Contents{}, err
	}
	contents, err := store.Contents(id)
	return rec, contents, err
}

// ResolveConflict records the operator's choice. The next cycle writes it to both sides
// and then clears the record. merged is only used with conflict.ResolvedMerged.
func (o *Orchestrator) ResolveConflict(ctx context.Context, id string, choice conflict.Resolution, merged []byte) error {
	return o.guard.Do(ctx, "resolve "+id, func(ctx context.Context) error {
		store, err := o.openConflicts()
		if err != nil {
			return err
		}
		rec, err := store.Get(id)
		if err != nil {
			return err
		}
		if rec.Kind != state.KindManifest {
			snap := o.backups.Begin()
			if err := snap.SaveFile(string(rec.Kind), rec.Entity, o.ws.HomePath(rec.Entity)); err != nil {
				return errors.Wrapf(err, "back up %s", rec.Entity)
			}
			if len(snap.Files()) > 0 {
				slog.Info("backed up before resolve", "entity", rec.Entity, "backup", snap.ID)
			}
		}
		if err := store.Resolve(id, choice, merged); err != nil {
			return err
		}
		slog.Info("conflict resolved", "id", id, "entity", rec.Entity, "choice", choice)
		return nil
	})
}

// Forget stops syncing a file everywhere. The file is removed from the repository and a
// tombstone keeps other machines from pushing it back; local copies stay in place.
func (o *Orchestrator) Forget(ctx context.Context, id string, kind state.Kind) error {
	id, err := utils.CleanRelPath(id)
	if err != nil {
		return configurationError(errors.Wrapf(err, "forget %q", id), "pass a home-relative path")
	}
	dir := DotfilesDir
	if kind == state.KindDirFile {
		dir = ConfigsDir
	}
	return o.guard.Do(ctx, "forget "+id, func(ctx context.Context) error {
		st, err := state.Open(o.ws.StatePath, o.machineID)
		if err != nil {
			return err
		}
		at := o.now().UTC()
		err = o.mutateRemote(ctx, "forget: "+id, func(r *repo) error {
			return r.remove(id, path.Join(dir, id), repoTombstone{RemovedAt: at, Machine: o.machineID})
		})
		if err != nil {
			return err
		}
		st.Tombstone(id, o.machineID, at)
		if err := st.Save(); err != nil {
			return err
		}
		store, err := o.openConflicts()
		if err != nil {
			return err
		}
		if rec, ok := store.Pending(id); ok {
			return store.Clear(rec.ID)
		}
		return nil
	})
}

// Track undoes a local Forget so the next cycle syncs id again.
func (o *Orchestrator) Track(ctx context.Context, id string) error {
	return o.guard.Do(ctx, "track "+id, func(ctx context.Context) error {
		st, err := state.Open(o.ws.StatePath, o.machineID)
		if err != nil {
			return err
		}
		if !st.IsTombstoned(id) {
			return nil
		}
		st.Untombstone(id)
		return st.Save()
	})
}

// LocalExists is used by the CLI to warn before forgetting an unknown path.
func (o *Orchestrator) LocalExists(id string) bool {
	_, err := os.Stat(o.ws.HomePath(id))
	return err == nil
}
