// Package usage records token consumption of oracle calls so operators
// can see what each conversation cost. Records are append-only.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/ledger-agent/internal/database"
)

// Record is the token usage of a single oracle call.
type Record struct {
	ID             string
	Timestamp      time.Time
	ConversationID string
	Provider       string // anthropic, ollama
	Model          string
	Role           string // primary or advisor
	InputTokens    int
	OutputTokens   int
}

// Summary holds aggregated totals.
type Summary struct {
	Calls        int   `json:"calls"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Store persists usage records in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates the usage_records table on db if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("usage migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS usage_records (
			id              TEXT PRIMARY KEY,
			timestamp       TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			provider        TEXT NOT NULL,
			model           TEXT NOT NULL,
			role            TEXT NOT NULL,
			input_tokens    INTEGER NOT NULL,
			output_tokens   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_usage_conversation ON usage_records(conversation_id);
		CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	`)
	return err
}

// Record persists rec, assigning a UUIDv7 and timestamp when unset.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records
			(id, timestamp, conversation_id, provider, model, role, input_tokens, output_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, database.FormatTime(rec.Timestamp), rec.ConversationID,
		rec.Provider, rec.Model, rec.Role, rec.InputTokens, rec.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// ForConversation totals the usage of one conversation.
func (s *Store) ForConversation(ctx context.Context, conversationID string) (Summary, error) {
	return s.scanSummary(s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM usage_records WHERE conversation_id = ?`, conversationID))
}

// Between totals usage with timestamps in [start, end).
func (s *Store) Between(ctx context.Context, start, end time.Time) (Summary, error) {
	return s.scanSummary(s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM usage_records WHERE timestamp >= ? AND timestamp < ?`,
		database.FormatTime(start), database.FormatTime(end)))
}

func (s *Store) scanSummary(row *sql.Row) (Summary, error) {
	var sum Summary
	if err := row.Scan(&sum.Calls, &sum.InputTokens, &sum.OutputTokens); err != nil {
		return Summary{}, fmt.Errorf("query usage summary: %w", err)
	}
	return sum, nil
}
