package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Run is the persisted record of one task reaching a terminal outcome.
type Run struct {
	ID             string     `json:"id"` // UUIDv7
	TaskID         string     `json:"task_id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Persona        string     `json:"persona"`
	TriggerID      string     `json:"trigger_id"`
	Depth          int        `json:"depth"`
	QueuedAt       time.Time  `json:"queued_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"` // nil when cancelled while queued
	CompletedAt    time.Time  `json:"completed_at"`
	Outcome        string     `json:"outcome"`
	Error          string     `json:"error,omitempty"`
	Messages       int        `json:"messages"`
}

// Store handles task run persistence. It is an audit log only; queued
// tasks are never restored from it.
type Store struct {
	db *sql.DB
}

// NewStore creates a run store with SQLite backend.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_runs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		conversation_id TEXT,
		persona TEXT NOT NULL,
		trigger_id TEXT,
		depth INTEGER NOT NULL DEFAULT 0,
		queued_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT NOT NULL,
		outcome TEXT NOT NULL,
		error TEXT,
		messages INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_task_runs_conversation ON task_runs(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_task_runs_completed_at ON task_runs(completed_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		return uuid.New().String()
	}
	return id.String()
}

// RecordRun persists a terminal task run.
func (s *Store) RecordRun(ctx context.Context, r *Run) error {
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.CompletedAt.IsZero() {
		r.CompletedAt = time.Now()
	}

	var startedAt *string
	if r.StartedAt != nil {
		s := r.StartedAt.Format(time.RFC3339Nano)
		startedAt = &s
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (id, task_id, conversation_id, persona, trigger_id, depth,
			queued_at, started_at, completed_at, outcome, error, messages)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.TaskID, r.ConversationID, r.Persona, r.TriggerID, r.Depth,
		r.QueuedAt.Format(time.RFC3339Nano), startedAt, r.CompletedAt.Format(time.RFC3339Nano),
		r.Outcome, r.Error, r.Messages)

	return err
}

// GetRun retrieves a run by task ID. Returns nil, nil when none exists.
func (s *Store) GetRun(taskID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT id, task_id, conversation_id, persona, trigger_id, depth,
			queued_at, started_at, completed_at, outcome, error, messages
		FROM task_runs WHERE task_id = ?
	`, taskID)

	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ListRuns returns the most recent runs for a conversation, newest first.
func (s *Store) ListRuns(conversationID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT id, task_id, conversation_id, persona, trigger_id, depth,
			queued_at, started_at, completed_at, outcome, error, messages
		FROM task_runs WHERE conversation_id = ?
		ORDER BY completed_at DESC LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var queuedAt, completedAt string
	var conversationID, triggerID, startedAt, errText sql.NullString

	err := row.Scan(&r.ID, &r.TaskID, &conversationID, &r.Persona, &triggerID, &r.Depth,
		&queuedAt, &startedAt, &completedAt, &r.Outcome, &errText, &r.Messages)
	if err != nil {
		return nil, err
	}

	r.ConversationID = conversationID.String
	r.TriggerID = triggerID.String
	r.Error = errText.String
	r.QueuedAt, _ = time.Parse(time.RFC3339Nano, queuedAt)
	r.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		r.StartedAt = &t
	}

	return &r, nil
}
