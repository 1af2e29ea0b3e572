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

// OpenSQLite opens (and creates if needed) the agent database at path and
// ensures the task and policy tables exist. The database must live on a local
// filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if _, err := CheckLocalState("database.path", path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	// Every plugin worker reads through this handle concurrently.
	if _, err := db.ExecContext(pctx, "PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task (
  id            TEXT PRIMARY KEY,
  plugin        TEXT NOT NULL,
  command_id    TEXT NOT NULL,
  parameter_map JSON NOT NULL DEFAULT '{}',
  cron_expr     TEXT,
  file_server   JSON,
  created_at    TEXT NOT NULL,
  modified_at   TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS policy (
  id            TEXT PRIMARY KEY,
  plugin        TEXT NOT NULL,
  username      TEXT,
  execution_id  TEXT,
  version       TEXT,
  created_at    TEXT NOT NULL,
  modified_at   TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS task_plugin_idx ON task(plugin);`,
		`CREATE INDEX IF NOT EXISTS policy_plugin_username_idx ON policy(plugin, username);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
