package engine

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/tether-sync/tether/internal/transport"
)

// mutateRemote applies fn to a fresh checkout and pushes the result, retrying when the
// remote moves underneath. The caller must hold the guard.
func (o *Orchestrator) mutateRemote(ctx context.Context, message string, fn func(r *repo) error) error {
	if err := o.network(ctx, o.transport.Open); err != nil {
		return transientError(errors.Wrap(err, "open sync repository"))
	}
	maxAttempts := o.cfg.Sync.MaxPushRetries + 1
	for attempt := 1; ; attempt++ {
		err := o.mutateOnce(ctx, message, fn)
		switch {
		case err == nil:
			return nil
		case transport.IsRetryable(err) && attempt < maxAttempts:
			slog.Warn("remote update failed, retrying", "attempt", attempt, "error", err)
			if werr := o.wait(ctx, attempt); werr != nil {
				return werr
			}
		case errors.Is(err, transport.ErrPushRejected):
			return errors.Mark(err, ErrManualIntervention)
		case transport.IsRetryable(err):
			return transientError(err)
		default:
			return err
		}
	}
}

func (o *Orchestrator) mutateOnce(ctx context.Context, message string, fn func(r *repo) error) error {
	if err := o.network(ctx, o.transport.Fetch); err != nil {
		return err
	}
	if err := o.transport.Rebase(ctx); err != nil {
		return err
	}
	r, err := loadRepo(o.transport.Dir())
	if err != nil {
		return err
	}
	if err := fn(r); err != nil {
		return err
	}
	if err := r.save(); err != nil {
		return err
	}
	committed, err := o.transport.Commit(ctx, message, transport.Author{
		Name:  o.cfg.Machine.Name,
		Email: o.machineID + "@tether.local",
		When:  o.now(),
	})
	if err != nil || !committed {
		return err
	}
	return o.network(ctx, o.transport.Push)
}

// refresh brings the checkout up to date with the remote without publishing anything.
func (o *Orchestrator) refresh(ctx context.Context) error {
	err := o.network(ctx, func(ctx context.Context) error {
		if err := o.transport.Open(ctx); err != nil {
			return err
		}
		return o.transport.Fetch(ctx)
	})
	if err != nil {
		return transientError(errors.Wrap(err, "refresh sync repository"))
	}
	return o.transport.Rebase(ctx)
}
