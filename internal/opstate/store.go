// Package opstate is a namespaced key-value store for small pieces of
// operational state that must survive restarts, such as the rotated
// accounting refresh token and the time of the last processing cycle.
// Domain records (turns, pending actions, reference data) have their
// own schemas.
package opstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/ledger-agent/internal/database"
)

// Store is safe for concurrent use; SQLite serializes writes.
type Store struct {
	db *sql.DB
}

// NewStore creates the operational_state table on db if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("opstate migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS operational_state (
			namespace  TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (namespace, key)
		)`)
	return err
}

// Get returns the value for namespace/key, or "" if it was never set.
func (s *Store) Get(ctx context.Context, namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set upserts namespace/key.
func (s *Store) Set(ctx context.Context, namespace, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operational_state (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE
		SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, database.FormatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// GetTime reads a timestamp previously written with SetTime. Unset keys
// return the zero time.
func (s *Store) GetTime(ctx context.Context, namespace, key string) (time.Time, error) {
	v, err := s.Get(ctx, namespace, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := database.ParseTime(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s/%s: %w", namespace, key, err)
	}
	return t, nil
}

// SetTime stores t under namespace/key.
func (s *Store) SetTime(ctx context.Context, namespace, key string, t time.Time) error {
	return s.Set(ctx, namespace, key, database.FormatTime(t))
}

// Delete removes namespace/key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}
