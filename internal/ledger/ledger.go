// Package ledger stores the conversation ledger: the ordered, append-only
// sequence of turns that is the only context the reasoning oracle sees.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/ledger-agent/internal/database"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleRequester   Role = "requester"
	RoleReasoner    Role = "reasoner"
	RoleObservation Role = "observation"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleRequester, RoleReasoner, RoleObservation:
		return true
	}
	return false
}

// Turn is one persisted ledger entry. Sequence starts at 0 and is
// contiguous within a conversation.
type Turn struct {
	ConversationID string    `json:"conversation_id"`
	Sequence       int       `json:"sequence"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Conversation summarizes one conversation for listings.
type Conversation struct {
	ID        string    `json:"id"`
	Turns     int       `json:"turns"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists turns in SQLite. Rows can only be inserted; triggers
// abort any UPDATE or DELETE on the table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a ledger store on db, creating its table if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("ledger migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversation_turns (
			conversation_id TEXT    NOT NULL,
			sequence        INTEGER NOT NULL,
			role            TEXT    NOT NULL,
			content         TEXT    NOT NULL,
			created_at      TEXT    NOT NULL,
			PRIMARY KEY (conversation_id, sequence)
		);

		CREATE INDEX IF NOT EXISTS idx_turns_created
			ON conversation_turns(created_at);

		CREATE TRIGGER IF NOT EXISTS conversation_turns_no_update
		BEFORE UPDATE ON conversation_turns
		BEGIN
			SELECT RAISE(ABORT, 'conversation turns are append-only');
		END;

		CREATE TRIGGER IF NOT EXISTS conversation_turns_no_delete
		BEFORE DELETE ON conversation_turns
		BEGIN
			SELECT RAISE(ABORT, 'conversation turns are append-only');
		END;
	`)
	return err
}

// Append adds a turn at the next sequence number for conversationID and
// returns it. The sequence is assigned inside the INSERT so concurrent
// appends to one conversation cannot collide or leave gaps.
func (s *Store) Append(ctx context.Context, conversationID string, role Role, content string) (Turn, error) {
	if conversationID == "" {
		return Turn{}, errors.New("append turn: empty conversation id")
	}
	if !role.Valid() {
		return Turn{}, fmt.Errorf("append turn: invalid role %q", role)
	}

	t := Turn{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      s.now().UTC(),
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO conversation_turns (conversation_id, sequence, role, content, created_at)
		SELECT ?, COALESCE(MAX(sequence) + 1, 0), ?, ?, ?
		FROM conversation_turns WHERE conversation_id = ?
		RETURNING sequence`,
		conversationID, string(role), content, database.FormatTime(t.CreatedAt), conversationID,
	).Scan(&t.Sequence)
	if err != nil {
		return Turn{}, fmt.Errorf("append turn to %s: %w", conversationID, err)
	}
	return t, nil
}

// Turns returns every turn of a conversation ordered by sequence. An
// unknown conversation yields an empty slice.
func (s *Store) Turns(ctx context.Context, conversationID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, sequence, role, content, created_at
		FROM conversation_turns
		WHERE conversation_id = ?
		ORDER BY sequence`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query turns for %s: %w", conversationID, err)
	}
	defer rows.Close()

	turns := []Turn{}
	for rows.Next() {
		var t Turn
		var role, createdAt string
		if err := rows.Scan(&t.ConversationID, &t.Sequence, &role, &t.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = Role(role)
		if t.CreatedAt, err = database.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse turn time: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Conversations lists the most recently updated conversations.
func (s *Store) Conversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, COUNT(*), MIN(created_at), MAX(created_at)
		FROM conversation_turns
		GROUP BY conversation_id
		ORDER BY MAX(created_at) DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var started, updated string
		if err := rows.Scan(&c.ID, &c.Turns, &started, &updated); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.StartedAt, _ = database.ParseTime(started)
		c.UpdatedAt, _ = database.ParseTime(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}
