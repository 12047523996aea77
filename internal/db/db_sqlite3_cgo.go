//go:build sqlite3_cgo

package db

import (
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	driverID   = "mattn/go-sqlite3"
	driverName = "sqlite3"
)

// fileDSN sets the busy timeout on every pooled connection, not just the first.
func fileDSN(path string, busy time.Duration) string {
	return fmt.Sprintf("file:%s?mode=rwc&_txlock=immediate&_busy_timeout=%d", path, busy.Milliseconds())
}
