package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/tether-sync/tether/internal/backup"
	"github.com/tether-sync/tether/internal/machine"
	"github.com/tether-sync/tether/internal/state"
)

// Backups lists local snapshots, newest first.
func (o *Orchestrator) Backups() ([]backup.Info, error) {
	return o.backups.List()
}

// RestoreBackup copies the files of snapshot id back into the home directory. prefix
// limits the restore to keys such as "dotfile/.zshrc". The current files are backed up first.
func (o *Orchestrator) RestoreBackup(ctx context.Context, id, prefix string) ([]string, error) {
	var restored []string
	err := o.guard.Do(ctx, "restore "+id, func(ctx context.Context) error {
		infos, err := o.backups.List()
		if err != nil {
			return err
		}
		var files []string
		for _, info := range infos {
			if info.ID == id {
				files = info.Files
			}
		}

		before := o.backups.Begin()
		for _, key := range files {
			category, rel, ok := strings.Cut(key, "/")
			if !ok || !strings.HasPrefix(key, prefix) {
				continue
			}
			if err := before.SaveFile(category, rel, o.ws.HomePath(rel)); err != nil {
				return errors.Wrapf(err, "back up %s", rel)
			}
		}

		restored, err = o.backups.Restore(id, prefix, func(category string) (string, error) {
			switch state.Kind(category) {
			case state.KindDotfile, state.KindDirFile:
				return o.ws.Home, nil
			}
			return "", errors.Newf("backup category %q cannot be restored", category)
		})
		if err != nil {
			return err
		}
		slog.Info("backup restored", "id", id, "files", len(restored), "previous", before.ID)
		return nil
	})
	return restored, err
}

// Machines refreshes the checkout and returns every machine record in the repository.
func (o *Orchestrator) Machines(ctx context.Context) ([]machine.Identity, error) {
	var machines []machine.Identity
	err := o.guard.Do(ctx, "machines", func(ctx context.Context) error {
		if err := o.refresh(ctx); err != nil {
			return err
		}
		var err error
		machines, err = machine.List(o.transport.Dir())
		return err
	})
	return machines, err
}
