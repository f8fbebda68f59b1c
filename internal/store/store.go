// Package store is the shared SQLite state layer. Every flotilla process
// (daemon, run workers, CLI) opens the same database file; single-writer
// invariants (merge locks, global shifts) are enforced here with
// conditional writes, never with in-memory locking.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
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

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		work_order_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		triggered_by TEXT NOT NULL,
		thread_id TEXT,
		input TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS merge_locks (
		project_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		acquired_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS autopilot_policies (
		project_id TEXT PRIMARY KEY,
		enabled INTEGER NOT NULL DEFAULT 0,
		max_concurrent_runs INTEGER NOT NULL DEFAULT 1,
		allowed_tags TEXT,
		min_priority INTEGER,
		stop_on_failure_count INTEGER NOT NULL DEFAULT 3,
		schedule_cron TEXT
	);

	CREATE TABLE IF NOT EXISTS work_order_status (
		project_id TEXT NOT NULL,
		work_order_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 3,
		tags TEXT,
		depends_on TEXT,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (project_id, work_order_id)
	);

	CREATE TABLE IF NOT EXISTS global_shifts (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'active',
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		agent_type TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL DEFAULT '',
		handoff_id TEXT,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS shift_handoffs (
		id TEXT PRIMARY KEY,
		shift_id TEXT NOT NULL REFERENCES global_shifts(id),
		summary TEXT NOT NULL,
		actions_taken TEXT,
		pending_items TEXT,
		context_snapshot TEXT,
		decisions_made TEXT,
		duration_minutes INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS escalations (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		run_id TEXT,
		question TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		resolution TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		last_ack_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL REFERENCES threads(id),
		actions TEXT,
		requires_reply INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_sends (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL REFERENCES threads(id),
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS action_ledger (
		message_id TEXT NOT NULL,
		action_index INTEGER NOT NULL,
		thread_id TEXT NOT NULL,
		undo_status TEXT,
		undo_error TEXT,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (message_id, action_index)
	);

	CREATE TABLE IF NOT EXISTS global_reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message TEXT NOT NULL,
		posted_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_shifts_status ON global_shifts(status);
	CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
