package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrConversationNotQueued = errors.New("conversation is not queued")
	ErrCapacityConflict      = errors.New("attendant reached capacity")
	ErrAttendantUnavailable  = errors.New("attendant is no longer available")
	ErrAlreadyExists         = errors.New("already exists")
)

// Store persists attendants, conversations and assignments in SQLite.
// A single connection is used so write transactions are serialized.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the database at path. ":memory:" is accepted for
// tests.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	for idx, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", idx, err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS attendants (
		organization_id           TEXT    NOT NULL,
		id                        TEXT    NOT NULL,
		name                      TEXT    NOT NULL DEFAULT '',
		status                    TEXT    NOT NULL,
		auto_accept_enabled       INTEGER NOT NULL DEFAULT 0,
		max_concurrent_chats      INTEGER NOT NULL CHECK (max_concurrent_chats > 0),
		avg_response_time_seconds REAL    NOT NULL DEFAULT 0,
		satisfaction_score        REAL    NOT NULL DEFAULT 0,
		skills                    TEXT    NOT NULL DEFAULT '[]',
		created_at                INTEGER NOT NULL,
		updated_at                INTEGER NOT NULL,
		PRIMARY KEY (organization_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attendants_available
		ON attendants (organization_id, status, auto_accept_enabled)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		organization_id       TEXT    NOT NULL,
		id                    TEXT    NOT NULL,
		channel               TEXT    NOT NULL DEFAULT '',
		contact_id            TEXT    NOT NULL DEFAULT '',
		status                TEXT    NOT NULL,
		required_skills       TEXT    NOT NULL DEFAULT '[]',
		assigned_attendant_id TEXT,
		created_at            INTEGER NOT NULL,
		updated_at            INTEGER NOT NULL,
		PRIMARY KEY (organization_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_queue
		ON conversations (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS assignments (
		id              TEXT    PRIMARY KEY,
		organization_id TEXT    NOT NULL,
		conversation_id TEXT    NOT NULL,
		attendant_id    TEXT    NOT NULL,
		status          TEXT    NOT NULL,
		reason          TEXT    NOT NULL DEFAULT '',
		assigned_at     INTEGER NOT NULL,
		closed_at       INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_assignments_attendant_active
		ON assignments (organization_id, attendant_id, status)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_conversation_active
		ON assignments (organization_id, conversation_id) WHERE status = 'active'`,
}

func toUnix(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnix(v int64) time.Time {
	return time.Unix(0, v).UTC()
}
