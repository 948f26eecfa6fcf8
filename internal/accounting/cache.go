package accounting

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/ledger-agent/internal/database"
)

// EntityKind is the class of a reference cache entry.
type EntityKind string

const (
	EntityCustomer EntityKind = "customer"
	EntityVendor   EntityKind = "vendor"
	EntityAccount  EntityKind = "account"
)

// Entry is a locally cached copy of backend reference data. Attributes
// holds the entity as returned by the backend.
type Entry struct {
	Kind         EntityKind
	ExternalID   string
	DisplayName  string
	Attributes   json.RawMessage
	LastSyncedAt time.Time
}

// Fresh reports whether the entry was synced less than ttl before now.
func (e *Entry) Fresh(now time.Time, ttl time.Duration) bool {
	return e != nil && now.Sub(e.LastSyncedAt) < ttl
}

// RefStore is the durable reference cache. Entries are upserted by
// (kind, external_id) and never deleted; a refresh supersedes them.
type RefStore struct {
	db *sql.DB
}

// NewRefStore creates the reference_cache table on db if needed.
func NewRefStore(db *sql.DB) (*RefStore, error) {
	s := &RefStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("reference cache migrate: %w", err)
	}
	return s, nil
}

func (s *RefStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS reference_cache (
			kind           TEXT NOT NULL,
			external_id    TEXT NOT NULL,
			display_name   TEXT NOT NULL,
			attributes     TEXT NOT NULL,
			last_synced_at TEXT NOT NULL,
			PRIMARY KEY (kind, external_id)
		);
		CREATE INDEX IF NOT EXISTS idx_reference_cache_name
			ON reference_cache(kind, display_name COLLATE NOCASE);
	`)
	return err
}

// Upsert inserts or replaces the entry for (kind, external_id).
func (s *RefStore) Upsert(ctx context.Context, e Entry) error {
	if e.ExternalID == "" {
		return errors.New("upsert reference entry: empty external id")
	}
	attrs := e.Attributes
	if len(attrs) == 0 {
		attrs = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reference_cache (kind, external_id, display_name, attributes, last_synced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (kind, external_id) DO UPDATE SET
			display_name   = excluded.display_name,
			attributes     = excluded.attributes,
			last_synced_at = excluded.last_synced_at`,
		string(e.Kind), e.ExternalID, e.DisplayName, string(attrs), database.FormatTime(e.LastSyncedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert %s %s: %w", e.Kind, e.ExternalID, err)
	}
	return nil
}

// Get returns the entry for (kind, externalID), or nil if absent.
func (s *RefStore) Get(ctx context.Context, kind EntityKind, externalID string) (*Entry, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		SELECT kind, external_id, display_name, attributes, last_synced_at
		FROM reference_cache WHERE kind = ? AND external_id = ?`,
		string(kind), externalID))
}

// FindByName returns the most recently synced entry of kind whose display
// name matches name case-insensitively, or nil.
func (s *RefStore) FindByName(ctx context.Context, kind EntityKind, name string) (*Entry, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		SELECT kind, external_id, display_name, attributes, last_synced_at
		FROM reference_cache
		WHERE kind = ? AND display_name = ? COLLATE NOCASE
		ORDER BY last_synced_at DESC LIMIT 1`,
		string(kind), name))
}

func (s *RefStore) scanOne(row *sql.Row) (*Entry, error) {
	var e Entry
	var kind, attrs, synced string
	err := row.Scan(&kind, &e.ExternalID, &e.DisplayName, &attrs, &synced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read reference entry: %w", err)
	}
	e.Kind = EntityKind(kind)
	e.Attributes = json.RawMessage(attrs)
	if e.LastSyncedAt, err = database.ParseTime(synced); err != nil {
		return nil, fmt.Errorf("parse reference entry time: %w", err)
	}
	return &e, nil
}
