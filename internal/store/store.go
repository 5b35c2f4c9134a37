// Package store is the durable record store for executions, tasks, and
// workers. It exclusively owns all mutations of those rows; the dispatcher,
// aggregator, and stop controller go through its transactional primitives.
//
// The store keeps a single connection, so a transaction plus a re-read of
// the state a caller branched on gives the same guarantee an ORM-level
// select_for_update would: no two overlapping dispatch calls can both see a
// task as pending.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store wraps the sqlite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and migrates) the database at path. ":memory:" is supported
// for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer at a time; the connection is shared by every component.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

// SetClock overrides the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			display_id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT '',
			parent_id TEXT,
			plan_id TEXT NOT NULL DEFAULT '',
			script_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			result TEXT,
			variables TEXT,
			breakpoints TEXT,
			current_step INTEGER NOT NULL DEFAULT 0,
			owner TEXT NOT NULL DEFAULT '',
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_parent ON executions(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_state ON executions(state)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			worker_id TEXT,
			state TEXT NOT NULL,
			priority TEXT NOT NULL DEFAULT 'normal',
			payload TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			assigned_at TEXT,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_execution ON tasks(execution_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_worker ON tasks(worker_id, state)`,
		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			uuid TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			state TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT 'global',
			bound_projects TEXT,
			max_concurrent INTEGER NOT NULL DEFAULT 3,
			current_tasks INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1,
			browser_types TEXT,
			platform TEXT NOT NULL DEFAULT '',
			owner TEXT NOT NULL DEFAULT '',
			last_heartbeat TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS worker_status_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			worker_uuid TEXT NOT NULL,
			state TEXT NOT NULL,
			current_tasks INTEGER NOT NULL,
			cpu_usage REAL NOT NULL DEFAULT 0,
			memory_usage REAL NOT NULL DEFAULT 0,
			disk_usage REAL NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS variables (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			scope TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			script_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS scripts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT '',
			framework TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			browser_type TEXT NOT NULL DEFAULT '',
			timeout INTEGER NOT NULL DEFAULT 0,
			steps TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL DEFAULT 'sequential',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS plan_scripts (
			plan_id TEXT NOT NULL,
			script_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY (plan_id, script_id)
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cron_spec TEXT NOT NULL,
			plan_id TEXT NOT NULL DEFAULT '',
			script_id TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run_at TEXT,
			created_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// withTx runs fn inside an immediate transaction, committing on nil error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ── time and JSON column codecs ───────────────────────────────────────────

func encodeTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, fmt.Errorf("parse time %q: %w", v.String, err)
	}
	return &t, nil
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal column: %w", err)
	}
	return string(b), nil
}

func decodeJSON(data sql.NullString, v any) error {
	if !data.Valid || data.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data.String), v); err != nil {
		return fmt.Errorf("unmarshal column: %w", err)
	}
	return nil
}
