// Package storage opens the SQLite database that holds the run ledger.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the ledger database at path and
// ensures its tables exist. The path must be on a local filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if err := CheckLocalFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Pragmas are per connection; a single connection keeps them in force and
	// serialises writers from concurrent tasks.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates the run and file tables and their indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS run_log (
  id          TEXT PRIMARY KEY,
  status      TEXT NOT NULL,
  command     TEXT NOT NULL,
  tasks       INTEGER NOT NULL,
  config_path TEXT,
  started_at  TEXT NOT NULL,
  finished_at TEXT,
  files       INTEGER NOT NULL DEFAULT 0,
  bytes       INTEGER NOT NULL DEFAULT 0,
  last_error  TEXT
);`,
		`CREATE TABLE IF NOT EXISTS file_log (
  run_id      TEXT NOT NULL REFERENCES run_log(id) ON DELETE CASCADE,
  task_index  INTEGER NOT NULL,
  seq_id      INTEGER NOT NULL,
  pid         INTEGER NOT NULL,
  status      TEXT NOT NULL,
  bytes       INTEGER NOT NULL DEFAULT 0,
  exit_code   INTEGER,
  started_at  TEXT NOT NULL,
  finished_at TEXT,
  error       TEXT,
  PRIMARY KEY (run_id, task_index, seq_id)
);`,
		`CREATE INDEX IF NOT EXISTS run_log_started_at_idx ON run_log(started_at);`,
		`CREATE INDEX IF NOT EXISTS file_log_run_status_idx ON file_log(run_id, status);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
