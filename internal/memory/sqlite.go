// Package memory keeps long conversations inside a bounded context
// budget. A background compressor summarizes older segments into an
// append-only summary log, and Merge splices that log back into the raw
// history to form the view sent to personas.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/roundtable/internal/conversation"
)

// SQLiteStore is a SQLite-backed SummaryStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the summary log at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store, err := NewSQLiteStoreDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStoreDB wraps an already-open database. The caller keeps
// ownership of db only if it does not call Close on the store.
func NewSQLiteStoreDB(db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS summaries (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		message_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_summaries_conversation ON summaries(conversation_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append implements SummaryStore. The monotonic check and the insert run
// in one transaction.
func (s *SQLiteStore) Append(ctx context.Context, conversationID string, summary conversation.Message) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var latest sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(timestamp) FROM summaries WHERE conversation_id = ?`, conversationID,
	).Scan(&latest); err != nil {
		return fmt.Errorf("query latest summary: %w", err)
	}
	if latest.Valid && summary.Timestamp <= latest.Int64 {
		return ErrNotMonotonic
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO summaries (id, conversation_id, timestamp, message_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, summary.ID, conversationID, summary.Timestamp, string(data), time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}

	return tx.Commit()
}

// List implements SummaryStore.
func (s *SQLiteStore) List(ctx context.Context, conversationID string) ([]conversation.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_json FROM summaries
		WHERE conversation_id = ?
		ORDER BY timestamp ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	var out []conversation.Message
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		var m conversation.Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("unmarshal summary: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
