package storage

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

// OpenSQLite opens (and creates if needed) the arcyd cache database at path
// and ensures required tables exist. The database must live on a local
// filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := checkStatePath(path, statFSType); err != nil && !errors.Is(err, errFSTypeUnknown) {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Writes come from a single scheduler goroutine; readers are the API.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
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
		`CREATE TABLE IF NOT EXISTS cache_entries (
  namespace  TEXT NOT NULL,
  key        TEXT NOT NULL,
  value      JSON NOT NULL DEFAULT '{}',
  updated_at TEXT,
  PRIMARY KEY (namespace, key)
);`,
		`CREATE TABLE IF NOT EXISTS diff_log (
  id                  TEXT PRIMARY KEY,
  pass_id             TEXT,
  repo                TEXT NOT NULL,
  branch              TEXT NOT NULL,
  base                TEXT NOT NULL,
  head                TEXT NOT NULL,
  outcome             TEXT NOT NULL,
  size                INTEGER NOT NULL DEFAULT 0,
  full_size           INTEGER NOT NULL DEFAULT 0,
  max_size            INTEGER NOT NULL DEFAULT 0,
  reductions          JSON NOT NULL DEFAULT '[]',
  did_replace_invalid INTEGER NOT NULL DEFAULT 0,
  diff_id             TEXT,
  last_error          TEXT,
  created_at          TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS pass_log (
  id          TEXT PRIMARY KEY,
  status      TEXT NOT NULL,
  started_at  TEXT NOT NULL,
  finished_at TEXT NOT NULL,
  failed      JSON NOT NULL DEFAULT '[]',
  last_error  TEXT
);`,
		`CREATE INDEX IF NOT EXISTS diff_log_repo_created_at_idx ON diff_log(repo, created_at);`,
		`CREATE INDEX IF NOT EXISTS pass_log_started_at_idx ON pass_log(started_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
