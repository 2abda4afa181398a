package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// sqlite driver
	_ "github.com/mattn/go-sqlite3"
)

// Store is the sqlite-backed shared state.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
	}

	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL"
	if path == ":memory:" {
		dsn = ":memory:?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	// sqlite serializes writers; a single connection avoids lock churn on
	// the in-memory store used by tests.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scripts (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		source     TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id               TEXT PRIMARY KEY,
		script_id        TEXT NOT NULL REFERENCES scripts(id),
		src_table        TEXT NOT NULL,
		dest_table       TEXT NOT NULL,
		state            TEXT NOT NULL,  -- pending|running|succeeded|failed|timed_out|rejected|cancelled
		error_kind       TEXT,
		error_msg        TEXT,
		peak_rss_bytes   INTEGER NOT NULL DEFAULT 0,
		cpu_seconds      REAL NOT NULL DEFAULT 0,
		wall_ms          INTEGER NOT NULL DEFAULT 0,
		rows_processed   INTEGER NOT NULL DEFAULT 0,
		attempts         INTEGER NOT NULL DEFAULT 0,
		worker_id        TEXT,
		claimed_until    TIMESTAMP,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		log              TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMP NOT NULL,
		started_at       TIMESTAMP,
		finished_at      TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_state_created ON jobs(state, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
