// Package transport moves the sync repository between this machine and the remote.
package transport

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrPushRejected means the remote advanced since our last fetch.
	ErrPushRejected = errors.New("push rejected by remote")
	ErrUnreachable  = errors.New("remote unreachable")
)

type Author struct {
	Name  string
	Email string
	When  time.Time
}

// Transport is the version-control surface the sync engine consumes.
type Transport interface {
	// Dir is the local checkout.
	Dir() string
	// Open clones the remote into Dir, or opens an existing checkout.
	Open(ctx context.Context) error
	Fetch(ctx context.Context) error
	// Rebase moves the checkout onto the fetched remote branch, discarding local
	// commits and uncommitted changes that were not pushed.
	Rebase(ctx context.Context) error
	// Commit stages every change in the checkout. It reports false when there was nothing to commit.
	Commit(ctx context.Context, message string, author Author) (bool, error)
	Push(ctx context.Context) error
	// Head returns the current commit hash, or "" for an empty repository.
	Head() (string, error)
}

// IsRetryable reports errors that a fresh fetch-and-retry can fix.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPushRejected) || errors.Is(err, ErrUnreachable)
}
