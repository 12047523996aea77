// Package lock guarantees that at most one sync cycle runs against a state directory.
//
// The lock is a JSON record naming the owning process. Any process may inspect it, and a
// record whose owner no longer exists is reclaimed. A short-lived flock on a sidecar file
// serializes the read-check-write of the record itself.
package lock

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/tether-sync/tether/internal/utils"
)

const criticalSectionTimeout = 5 * time.Second

var (
	ErrAlreadyLocked = errors.New("another sync is in progress")
	ErrNotOwner      = errors.New("lock is held by another owner")
)

// Record is the persisted lock.
type Record struct {
	Token        string    `json:"token"`
	PID          int32     `json:"pid"`
	ProcessStart int64     `json:"process_start,omitempty"`
	Hostname     string    `json:"hostname"`
	Purpose      string    `json:"purpose,omitempty"`
	AcquiredAt   time.Time `json:"acquired_at"`
}

// Token is proof of ownership returned by Acquire.
type Token struct {
	ID         string
	AcquiredAt time.Time
	// Reclaimed is set when the lock was taken over from a dead owner.
	Reclaimed *Record
}

// LivenessFunc reports whether the owner of rec is still running.
type LivenessFunc func(rec Record) bool

type Guard struct {
	path  string
	flock *flock.Flock
	alive LivenessFunc
}

type Option func(*Guard)

func WithLiveness(fn LivenessFunc) Option {
	return func(g *Guard) {
		g.alive = fn
	}
}

func New(path string, opts ...Option) *Guard {
	g := &Guard{
		path:  path,
		flock: flock.New(path + ".flock"),
		alive: ProcessAlive,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Acquire takes the lock for purpose or fails immediately with ErrAlreadyLocked
// when a live process holds it.
func (g *Guard) Acquire(ctx context.Context, purpose string) (*Token, error) {
	var tok *Token
	err := g.critical(ctx, func() error {
		held, err := g.read()
		if err != nil {
			return err
		}

		var reclaimed *Record
		if held != nil {
			if g.alive(*held) {
				return errors.WithHintf(
					errors.Wrapf(ErrAlreadyLocked, "held by pid %d (%s) since %s", held.PID, held.Purpose, held.AcquiredAt.Format(time.RFC3339)),
					"wait for it to finish, or run `tether lock clear` if pid %d is not a tether process", held.PID,
				)
			}
			slog.Warn("reclaiming abandoned sync lock", "pid", held.PID, "since", held.AcquiredAt)
			reclaimed = held
		}

		rec := newRecord(purpose)
		if err := g.write(rec); err != nil {
			return err
		}
		tok = &Token{ID: rec.Token, AcquiredAt: rec.AcquiredAt, Reclaimed: reclaimed}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// Release removes the lock if tok still owns it.
func (g *Guard) Release(tok *Token) error {
	if tok == nil {
		return nil
	}
	return g.critical(context.Background(), func() error {
		held, err := g.read()
		if err != nil {
			return err
		}
		if held == nil {
			return nil
		}
		if held.Token != tok.ID {
			return errors.Wrapf(ErrNotOwner, "pid %d", held.PID)
		}
		return g.remove()
	})
}

// Do runs fn while holding the lock and releases it on every return path.
func (g *Guard) Do(ctx context.Context, purpose string, fn func(ctx context.Context) error) (err error) {
	tok, err := g.Acquire(ctx, purpose)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := g.Release(tok); rerr != nil {
			slog.Error("release sync lock", "error", rerr)
			if err == nil {
				err = rerr
			}
		}
	}()
	return fn(ctx)
}

// Status returns the current holder and whether it is alive. A nil record means unlocked.
func (g *Guard) Status() (*Record, bool, error) {
	held, err := g.read()
	if err != nil || held == nil {
		return nil, false, err
	}
	return held, g.alive(*held), nil
}

// Clear removes an abandoned lock. A live holder is only removed with force.
func (g *Guard) Clear(ctx context.Context, force bool) error {
	return g.critical(ctx, func() error {
		held, err := g.read()
		if err != nil || held == nil {
			return err
		}
		if !force && g.alive(*held) {
			return errors.Wrapf(ErrAlreadyLocked, "pid %d is alive", held.PID)
		}
		return g.remove()
	})
}

func (g *Guard) critical(ctx context.Context, fn func() error) error {
	if err := utils.EnsureParent(g.path); err != nil {
		return errors.Wrap(err, "create lock directory")
	}

	ctx, cancel := context.WithTimeout(ctx, criticalSectionTimeout)
	defer cancel()
	ok, err := g.flock.TryLockContext(ctx, 25*time.Millisecond)
	if err != nil {
		return errors.Wrap(err, "lock critical section")
	}
	if !ok {
		return errors.Wrap(ErrAlreadyLocked, "lock file busy")
	}
	defer g.flock.Unlock()
	return fn()
}

func (g *Guard) read() (*Record, error) {
	data, err := os.ReadFile(g.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "read lock")
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// a torn or foreign lock file has no owner to protect
		slog.Warn("ignoring unreadable lock file", "path", g.path, "error", err)
		return nil, nil
	}
	return &rec, nil
}

func (g *Guard) write(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode lock")
	}
	return errors.Wrap(utils.WriteFileAtomic(g.path, data, 0o644), "write lock")
}

func (g *Guard) remove() error {
	if err := os.Remove(g.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "remove lock")
	}
	return nil
}

func newRecord(purpose string) Record {
	pid := int32(os.Getpid())
	host, _ := os.Hostname()
	rec := Record{
		Token:      uuid.NewString(),
		PID:        pid,
		Hostname:   host,
		Purpose:    purpose,
		AcquiredAt: time.Now(),
	}
	if p, err := process.NewProcess(pid); err == nil {
		if ct, err := p.CreateTime(); err == nil {
			rec.ProcessStart = ct
		}
	}
	return rec
}

// ProcessAlive checks that the recorded pid exists and, when known, that it is the same
// process and not a later one that reused the pid.
func ProcessAlive(rec Record) bool {
	if host, _ := os.Hostname(); rec.Hostname != "" && host != "" && rec.Hostname != host {
		// a lock synced from another host cannot be checked; treat as held
		return true
	}
	exists, err := process.PidExists(rec.PID)
	if err != nil || !exists {
		return false
	}
	if rec.ProcessStart == 0 {
		return true
	}
	p, err := process.NewProcess(rec.PID)
	if err != nil {
		return false
	}
	ct, err := p.CreateTime()
	if err != nil {
		return true
	}
	return ct == rec.ProcessStart
}
