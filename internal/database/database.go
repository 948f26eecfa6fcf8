// Package database opens the SQLite file shared by the ledger, the
// pending-action store, the reference cache and the operational stores.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// TimeFormat is the layout used for every timestamp column. It is fixed
// width so stored values compare correctly as strings in SQL.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Open opens path with the named driver ("sqlite3" for the cgo driver,
// "sqlite" for the pure-Go one), enabling WAL and a busy timeout so
// concurrent conversations can write without SQLITE_BUSY failures.
func Open(driver, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, ":memory:") {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	var dsn string
	switch driver {
	case "sqlite3":
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	case "sqlite":
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database %s: %w", path, err)
	}
	return db, nil
}

// FormatTime renders t in UTC for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a stored timestamp. An empty string yields the zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(TimeFormat, s)
}
