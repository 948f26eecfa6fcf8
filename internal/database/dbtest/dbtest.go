// Package dbtest opens throwaway databases for package tests.
package dbtest

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/nugget/ledger-agent/internal/database"
)

// Open opens a fresh pure-Go SQLite database in t.TempDir and closes it
// when the test ends.
func Open(t testing.TB) *sql.DB {
	t.Helper()
	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
