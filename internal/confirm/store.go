package confirm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/ledger-agent/internal/database"
)

// ErrNotFound is returned when no pending action has the given id.
var ErrNotFound = errors.New("pending action not found")

// Status is the lifecycle state of a pending action.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusCancelled || s == StatusExpired
}

// Details is everything needed to run the action later. It never
// changes after creation.
type Details struct {
	Action         string         `json:"action"`
	Params         map[string]any `json:"params"`
	ConversationID string         `json:"conversation_id,omitempty"`
	RequestRef     string         `json:"request_ref,omitempty"`
	Requester      string         `json:"requester,omitempty"`
	Summary        string         `json:"summary,omitempty"`
}

// Action is a state-changing action awaiting human approval.
type Action struct {
	ID         string     `json:"id"`
	Details    Details    `json:"details"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Expired reports whether a still-pending action is past its expiry.
func (a *Action) Expired(now time.Time) bool {
	return a.Status == StatusPending && !now.Before(a.ExpiresAt)
}

// Store persists pending actions. Triggers keep the table an audit
// trail: rows are never deleted, details never change, and status only
// moves once, out of PENDING.
type Store struct {
	db *sql.DB
}

// NewStore creates a store on db, creating its schema if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("pending actions migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS pending_actions (
			id          TEXT PRIMARY KEY,
			action      TEXT NOT NULL,
			details     TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'PENDING',
			created_at  TEXT NOT NULL,
			expires_at  TEXT NOT NULL,
			resolved_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_pending_actions_status_expiry
			ON pending_actions(status, expires_at);

		CREATE TRIGGER IF NOT EXISTS pending_actions_no_delete
		BEFORE DELETE ON pending_actions
		BEGIN
			SELECT RAISE(ABORT, 'pending actions are never deleted');
		END;

		CREATE TRIGGER IF NOT EXISTS pending_actions_resolved_immutable
		BEFORE UPDATE ON pending_actions
		WHEN OLD.status <> 'PENDING'
		BEGIN
			SELECT RAISE(ABORT, 'resolved pending actions are immutable');
		END;

		CREATE TRIGGER IF NOT EXISTS pending_actions_details_immutable
		BEFORE UPDATE ON pending_actions
		WHEN NEW.id IS NOT OLD.id
			OR NEW.action IS NOT OLD.action
			OR NEW.details IS NOT OLD.details
			OR NEW.created_at IS NOT OLD.created_at
			OR NEW.expires_at IS NOT OLD.expires_at
		BEGIN
			SELECT RAISE(ABORT, 'pending action details are immutable');
		END;

		CREATE TRIGGER IF NOT EXISTS pending_actions_forward_only
		BEFORE UPDATE ON pending_actions
		WHEN NEW.status NOT IN ('CONFIRMED', 'CANCELLED', 'EXPIRED')
		BEGIN
			SELECT RAISE(ABORT, 'pending actions only move out of PENDING');
		END;
	`)
	return err
}

// Create inserts a new PENDING action.
func (s *Store) Create(ctx context.Context, a *Action) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_actions (id, action, details, status, created_at, expires_at)
		VALUES (?, ?, ?, 'PENDING', ?, ?)`,
		a.ID, a.Details.Action, string(details),
		database.FormatTime(a.CreatedAt), database.FormatTime(a.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("insert pending action %s: %w", a.ID, err)
	}
	a.Status = StatusPending
	return nil
}

// Get returns one action, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Action, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, details, status, created_at, expires_at, resolved_at
		FROM pending_actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pending action %s: %w", id, err)
	}
	return a, nil
}

// List returns actions in the given status (all when empty), newest
// first, at most limit rows (unbounded when limit <= 0).
func (s *Store) List(ctx context.Context, status Status, limit int) ([]*Action, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, details, status, created_at, expires_at, resolved_at
		FROM pending_actions
		WHERE ? = '' OR status = ?
		ORDER BY created_at DESC
		LIMIT ?`, string(status), string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending actions: %w", err)
	}
	defer rows.Close()

	out := []*Action{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Transition moves a PENDING, unexpired action to status in a single
// guarded UPDATE. It reports false when the row was not PENDING, had
// expired, or does not exist; exactly one concurrent caller can win.
func (s *Store) Transition(ctx context.Context, id string, status Status, now time.Time) (bool, error) {
	if status != StatusConfirmed && status != StatusCancelled {
		return false, fmt.Errorf("transition %s: invalid target status %s", id, status)
	}
	ts := database.FormatTime(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_actions SET status = ?, resolved_at = ?
		WHERE id = ? AND status = 'PENDING' AND expires_at > ?`,
		string(status), ts, id, ts)
	if err != nil {
		return false, fmt.Errorf("transition %s to %s: %w", id, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition %s: %w", id, err)
	}
	return n == 1, nil
}

// ExpireDue marks every PENDING action whose expiry is at or before now
// as EXPIRED and returns how many changed. Safe to run concurrently.
func (s *Store) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	ts := database.FormatTime(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_actions SET status = 'EXPIRED', resolved_at = ?
		WHERE status = 'PENDING' AND expires_at <= ?`, ts, ts)
	if err != nil {
		return 0, fmt.Errorf("expire pending actions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire pending actions: %w", err)
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAction(sc scanner) (*Action, error) {
	var (
		a                    Action
		details, status      string
		createdAt, expiresAt string
		resolvedAt           sql.NullString
	)
	if err := sc.Scan(&a.ID, &details, &status, &createdAt, &expiresAt, &resolvedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(details), &a.Details); err != nil {
		return nil, fmt.Errorf("decode details of %s: %w", a.ID, err)
	}
	a.Status = Status(status)

	var err error
	if a.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at of %s: %w", a.ID, err)
	}
	if a.ExpiresAt, err = database.ParseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at of %s: %w", a.ID, err)
	}
	if resolvedAt.Valid {
		t, err := database.ParseTime(resolvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse resolved_at of %s: %w", a.ID, err)
		}
		a.ResolvedAt = &t
	}
	return &a, nil
}
