// Package store materializes normalized deltas into SQLite. Upserts
// honor the merge rules of the domain model: partial session updates
// merge, spawned_by is first-writer-wins, terminal run state is sticky,
// and exec status never regresses.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "cd-v1-sessions-runs-events-execs"
)

// Store wraps the SQLite database holding the reconstructed model.
type Store struct {
	db *sql.DB
}

// Session is a materialized session row.
type Session struct {
	Key            string     `json:"session_key"`
	AgentID        string     `json:"agent_id"`
	Channel        string     `json:"channel"`
	Status         string     `json:"status"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	SpawnedBy      string     `json:"spawned_by,omitempty"`
}

// Run is a materialized run row.
type Run struct {
	RunID        string     `json:"run_id"`
	SessionKey   string     `json:"session_key"`
	State        string     `json:"state"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Error        string     `json:"error,omitempty"`
	LastSeq      *int64     `json:"last_seq,omitempty"`
	InputTokens  int64      `json:"input_tokens"`
	OutputTokens int64      `json:"output_tokens"`
}

// EventRecord is a materialized event row.
type EventRecord struct {
	EventID    string    `json:"event_id"`
	RunID      string    `json:"run_id"`
	SessionKey string    `json:"session_key"`
	Kind       string    `json:"kind"`
	Stream     string    `json:"stream,omitempty"`
	Phase      string    `json:"phase,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	State      string    `json:"state,omitempty"`
	Seq        *int64    `json:"seq,omitempty"`
	TS         time.Time `json:"ts"`
	Payload    string    `json:"payload,omitempty"`
}

// ExecRecord is a materialized exec row.
type ExecRecord struct {
	ExecID        string    `json:"exec_id"`
	RunID         string    `json:"run_id,omitempty"`
	SessionKey    string    `json:"session_key,omitempty"`
	Command       string    `json:"command,omitempty"`
	Status        string    `json:"status"`
	ExitCode      *int64    `json:"exit_code,omitempty"`
	OutputPreview string    `json:"output_preview,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Open creates or opens the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS schema_info (
	version  INTEGER NOT NULL,
	checksum TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	session_key      TEXT PRIMARY KEY,
	agent_id         TEXT NOT NULL DEFAULT '',
	channel          TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'idle',
	last_activity_at TIMESTAMP,
	spawned_by       TEXT
);

CREATE TABLE IF NOT EXISTS runs (
	run_id        TEXT PRIMARY KEY,
	session_key   TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL DEFAULT 'running',
	started_at    TIMESTAMP,
	ended_at      TIMESTAMP,
	error         TEXT,
	last_seq      INTEGER,
	input_tokens  INTEGER,
	output_tokens INTEGER
);
CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_key);

CREATE TABLE IF NOT EXISTS events (
	event_id    TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL DEFAULT '',
	session_key TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL,
	stream      TEXT,
	phase       TEXT,
	tool_name   TEXT,
	state       TEXT,
	seq         INTEGER,
	ts          TIMESTAMP,
	payload     TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_key, ts);

CREATE TABLE IF NOT EXISTS execs (
	exec_id        TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL DEFAULT '',
	session_key    TEXT NOT NULL DEFAULT '',
	command        TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'running',
	exit_code      INTEGER,
	output_preview TEXT NOT NULL DEFAULT '',
	updated_at     TIMESTAMP
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_info`).Scan(&count); err != nil {
		return fmt.Errorf("read schema ledger: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_info (version, checksum) VALUES (?, ?)`,
			schemaVersion, schemaChecksum); err != nil {
			return fmt.Errorf("write schema ledger: %w", err)
		}
		return nil
	}

	var version int
	var checksum string
	if err := s.db.QueryRowContext(ctx,
		`SELECT version, checksum FROM schema_info ORDER BY version DESC LIMIT 1`).
		Scan(&version, &checksum); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema v%d is newer than this build supports (v%d)", version, schemaVersion)
	}
	return nil
}
