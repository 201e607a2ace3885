// Package sqlite provides an embedded message journal and task projection
// for single-node deployments.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	run_id TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	created_at TEXT NOT NULL,
	body TEXT NOT NULL,
	payload BLOB
);
CREATE INDEX IF NOT EXISTS idx_messages_run ON messages (run_id);
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	thread_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	assignee_id TEXT NOT NULL DEFAULT '',
	workflow_id TEXT NOT NULL DEFAULT '',
	workflow_step_id TEXT NOT NULL DEFAULT '',
	workflow_version INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks (state);
`

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// One writer keeps INSERT OR IGNORE and seq ordering consistent.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	migrate(db)
	return db, nil
}

// migrate adds columns missing from databases created by older builds.
// Errors mean the column already exists.
func migrate(db *sql.DB) {
	_, _ = db.Exec("ALTER TABLE messages ADD COLUMN payload BLOB")
	_, _ = db.Exec("ALTER TABLE tasks ADD COLUMN workflow_version INTEGER NOT NULL DEFAULT 0")
}
