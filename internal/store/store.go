// Package store provides SQLite-backed persistence for fleet.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides access to the fleet SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option customizes store construction.
type Option func(*Store)

// WithClock overrides the wall clock used for timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// New creates a new Store and runs migrations.
func New(dbPath string, opts ...Option) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Immediate transactions take the write lock at BEGIN, so a claim never
	// upgrades from a read snapshot another writer has already invalidated.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
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

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
// Timestamps are unix nanoseconds so staleness checks compare numerically.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project TEXT NOT NULL,
		description TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		budget REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'queued',
		assigned_machine TEXT,
		result TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		assigned_at INTEGER,
		claimed_at INTEGER,
		started_at INTEGER,
		ended_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS machines (
		id TEXT PRIMARY KEY,
		affinities TEXT NOT NULL DEFAULT '[]',
		max_concurrent INTEGER NOT NULL,
		active_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'online',
		last_heartbeat INTEGER NOT NULL,
		last_sent_at INTEGER NOT NULL DEFAULT 0,
		registered_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS subagent_runs (
		id TEXT PRIMARY KEY,
		parent_run_id TEXT,
		profile_id TEXT NOT NULL,
		task TEXT NOT NULL,
		mode TEXT NOT NULL,
		model TEXT,
		timeout_seconds INTEGER NOT NULL,
		cleanup TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		result TEXT,
		error TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		ended_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		task_id TEXT,
		details TEXT,
		timestamp INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, priority DESC, created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_machine ON tasks(assigned_machine);
	CREATE INDEX IF NOT EXISTS idx_runs_profile_status ON subagent_runs(profile_id, status);
	CREATE INDEX IF NOT EXISTS idx_runs_parent ON subagent_runs(parent_run_id);
	CREATE INDEX IF NOT EXISTS idx_pdr_task_id ON pdr(task_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
