// Package history keeps a local log of completed sync cycles.
package history

import (
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/tether-sync/tether/internal/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS cycles (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    mode TEXT NOT NULL,
    dry_run INTEGER NOT NULL,
    started_at TEXT NOT NULL,  -- RFC3339Nano
    finished_at TEXT NOT NULL,
    applied INTEGER NOT NULL,
    conflicts INTEGER NOT NULL,
    failures INTEGER NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    report TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cycles_started_at ON cycles(started_at);
`

// Entry is one recorded cycle. Report holds the full cycle report as JSON.
type Entry struct {
	ID         int64
	Mode       string
	DryRun     bool
	StartedAt  time.Time
	FinishedAt time.Time
	Applied    int
	Conflicts  int
	Failures   int
	Error      string
	Report     json.RawMessage
}

func (e *Entry) Duration() time.Duration {
	return e.FinishedAt.Sub(e.StartedAt)
}

type dbEntry struct {
	ID         int64  `db:"id"`
	Mode       string `db:"mode"`
	DryRun     bool   `db:"dry_run"`
	StartedAt  string `db:"started_at"`
	FinishedAt string `db:"finished_at"`
	Applied    int    `db:"applied"`
	Conflicts  int    `db:"conflicts"`
	Failures   int    `db:"failures"`
	Error      string `db:"error"`
	Report     string `db:"report"`
}

type Store struct {
	db *sqlx.DB
}

func Open(path string) (*Store, error) {
	conn, err := db.Open(db.WithPath(path), db.WithMaxOpenConns(1), db.WithMigrations(schema))
	if err != nil {
		return nil, errors.Wrap(err, "open history")
	}
	return &Store{db: conn}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		slog.Error("close history", "error", err)
		return err
	}
	return nil
}

// Record stores e and returns its assigned id. report is marshalled as-is.
func (s *Store) Record(e *Entry, report any) (int64, error) {
	raw, err := json.Marshal(report)
	if err != nil {
		return 0, errors.Wrap(err, "marshal report")
	}
	row := dbEntry{
		Mode:       e.Mode,
		DryRun:     e.DryRun,
		StartedAt:  e.StartedAt.UTC().Format(time.RFC3339Nano),
		FinishedAt: e.FinishedAt.UTC().Format(time.RFC3339Nano),
		Applied:    e.Applied,
		Conflicts:  e.Conflicts,
		Failures:   e.Failures,
		Error:      e.Error,
		Report:     string(raw),
	}
	res, err := s.db.NamedExec(`
		INSERT INTO cycles (mode, dry_run, started_at, finished_at, applied, conflicts, failures, error, report)
		VALUES (:mode, :dry_run, :started_at, :finished_at, :applied, :conflicts, :failures, :error, :report)`, row)
	if err != nil {
		return 0, errors.Wrap(err, "insert cycle")
	}
	return res.LastInsertId()
}

// Latest returns up to n entries, newest first.
func (s *Store) Latest(n int) ([]*Entry, error) {
	if n <= 0 {
		n = 20
	}
	var rows []dbEntry
	if err := s.db.Select(&rows, "SELECT * FROM cycles ORDER BY started_at DESC, id DESC LIMIT ?", n); err != nil {
		return nil, errors.Wrap(err, "query cycles")
	}
	out := make([]*Entry, 0, len(rows))
	for _, r := range rows {
		e, err := r.entry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Prune deletes entries started before cutoff.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM cycles WHERE started_at < ?", cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, errors.Wrap(err, "prune cycles")
	}
	return res.RowsAffected()
}

func (r dbEntry) entry() (*Entry, error) {
	started, err := time.Parse(time.RFC3339Nano, r.StartedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "parse started_at of cycle %d", r.ID)
	}
	finished, err := time.Parse(time.RFC3339Nano, r.FinishedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "parse finished_at of cycle %d", r.ID)
	}
	return &Entry{
		ID:         r.ID,
		Mode:       r.Mode,
		DryRun:     r.DryRun,
		StartedAt:  started,
		FinishedAt: finished,
		Applied:    r.Applied,
		Conflicts:  r.Conflicts,
		Failures:   r.Failures,
		Error:      r.Error,
		Report:     json.RawMessage(r.Report),
	}, nil
}
