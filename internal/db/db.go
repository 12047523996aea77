// Package db opens the local SQLite database used for sync history.
package db

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	"github.com/tether-sync/tether/internal/utils"
)

const memoryPath = ":memory:"

// history is written by short cycles from at most two processes, WAL keeps readers unblocked
const defaultPragma = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=%d;
PRAGMA foreign_keys=ON;
PRAGMA synchronous=NORMAL;
`

type config struct {
	path         string
	busyTimeout  time.Duration
	maxOpenConns int
	migrations   []string
}

type Option func(*config)

// WithPath sets the database file. The default is an in-memory database.
func WithPath(path string) Option {
	return func(c *config) {
		c.path = path
	}
}

func WithBusyTimeout(d time.Duration) Option {
	return func(c *config) {
		c.busyTimeout = d
	}
}

func WithMaxOpenConns(n int) Option {
	return func(c *config) {
		c.maxOpenConns = n
	}
}

// WithMigrations runs schema statements in order after connecting. Statements must be idempotent.
func WithMigrations(stmts ...string) Option {
	return func(c *config) {
		c.migrations = append(c.migrations, stmts...)
	}
}

func Open(opts ...Option) (*sqlx.DB, error) {
	cfg := &config{
		path:        memoryPath,
		busyTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	dsn := memoryPath
	if cfg.path != memoryPath {
		if err := utils.EnsureParent(cfg.path); err != nil {
			return nil, errors.Wrap(err, "ensure parent directory")
		}
		dsn = fileDSN(cfg.path, cfg.busyTimeout)
	} else {
		// every connection to :memory: is a separate database
		cfg.maxOpenConns = 1
	}

	slog.Debug("db", "driver", driverID, "path", cfg.path)
	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect to database")
	}
	if cfg.maxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.maxOpenConns)
	}

	if _, err := db.Exec(fmt.Sprintf(defaultPragma, cfg.busyTimeout.Milliseconds())); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "set pragmas")
	}
	for i, stmt := range cfg.migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "migration %d", i)
		}
	}
	return db, nil
}
