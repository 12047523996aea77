package engine

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/tether-sync/tether/internal/config"
	"github.com/tether-sync/tether/internal/conflict"
	"github.com/tether-sync/tether/internal/lock"
	"github.com/tether-sync/tether/internal/machine"
	"github.com/tether-sync/tether/internal/secure"
	"github.com/tether-sync/tether/internal/state"
	"github.com/tether-sync/tether/internal/transport"
)

var (
	// ErrTransient failures are retried on the next cycle.
	ErrTransient = errors.New("transient failure")
	// ErrConflict marks divergent content waiting for resolution.
	ErrConflict = errors.New("unresolved conflict")
	// ErrIntegrity failures affect a single entity: tampered ciphertext, wrong key, corrupt data.
	ErrIntegrity = errors.New("integrity failure")
	// ErrConfiguration failures abort the whole cycle before anything is applied.
	ErrConfiguration      = errors.New("configuration error")
	ErrManualIntervention = errors.New("manual intervention required")
	// ErrInterrupted is returned when a stop request ended the cycle at an entity boundary.
	ErrInterrupted = errors.New("sync interrupted")
)

type Category string

const (
	CategoryTransient     Category = "transient"
	CategoryConflict      Category = "conflict"
	CategoryIntegrity     Category = "integrity"
	CategoryConfiguration Category = "configuration"
	CategoryManual        Category = "manual"
	CategorySecret        Category = "secret"
	CategoryPackage       Category = "package"
	CategoryUnknown       Category = "unknown"
)

// Classify maps an error from any layer onto the sync error taxonomy.
func Classify(err error) Category {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrManualIntervention):
		return CategoryManual
	case errors.Is(err, ErrConfiguration),
		errors.Is(err, config.ErrInvalidConfig),
		errors.Is(err, machine.ErrIncompatibleProtocol),
		errors.Is(err, state.ErrUnsupportedVersion),
		errors.Is(err, secure.ErrLocked),
		errors.Is(err, conflict.ErrUnknownStrategy):
		return CategoryConfiguration
	case errors.Is(err, ErrIntegrity),
		errors.Is(err, secure.ErrAuthentication),
		errors.Is(err, secure.ErrMalformed),
		errors.Is(err, secure.ErrNotRecipient),
		errors.Is(err, state.ErrCorruptState),
		errors.Is(err, conflict.ErrCorruptConflicts):
		return CategoryIntegrity
	case errors.Is(err, ErrConflict):
		return CategoryConflict
	case errors.Is(err, ErrTransient),
		errors.Is(err, ErrInterrupted),
		errors.Is(err, transport.ErrPushRejected),
		errors.Is(err, transport.ErrUnreachable),
		errors.Is(err, lock.ErrAlreadyLocked),
		errors.Is(err, context.DeadlineExceeded):
		return CategoryTransient
	}
	return CategoryUnknown
}

func configurationError(err error, hint string) error {
	err = errors.Mark(err, ErrConfiguration)
	if hint != "" {
		err = errors.WithHint(err, hint)
	}
	return err
}

func integrityError(err error) error {
	return errors.Mark(err, ErrIntegrity)
}

func transientError(err error) error {
	return errors.Mark(err, ErrTransient)
}
