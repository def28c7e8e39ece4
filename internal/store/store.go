// Package store provides the embedded SQLite store that holds the mirrored
// segments and answers lookups against them.
//
// The database runs in WAL mode so that the single long-running import
// transaction never blocks concurrent lookups. Readers only ever observe
// committed imports.
//
// Architecture:
//   - Database file: <data>/sponsorTimes.db
//   - WAL mode: Concurrent readers during the import transaction
//   - Schema: segments, imports tables
//   - Indexes: video_id, hash_prefix, start_time, plus the composite
//     segments_by_hash index built after each import
//
// Workflow:
//  1. The downloader appends new upstream bytes to the local CSV blob
//  2. The sync engine opens an Import, upserts every parsed record and commits
//  3. Post-commit maintenance refreshes indexes and compacts the file
//  4. The HTTP API queries FindByHashPrefix for served lookups
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection pool.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a new connection pool for the database at path.
//
// Every pooled connection gets WAL journaling, a busy timeout and relaxed
// synchronous mode through DSN pragmas, so the settings hold regardless of
// which connection the pool hands out.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open("/data/sponsorTimes.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Pool sized for many concurrent lookups plus the one import writer
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{
		conn: conn,
		path: path,
	}

	// journal_mode is persistent; confirm the file actually switched to WAL
	var mode string
	if err := st.conn.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to read journal mode: %w", err)
	}
	if mode != "wal" {
		_ = st.Close()
		return nil, fmt.Errorf("database is not in WAL mode (got %q)", mode)
	}

	return st, nil
}

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(wal)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "synchronous(normal)")
	q.Add("_pragma", "cache_size(-64000)")
	return "file:" + path + "?" + q.Encode()
}

// Path returns the database file path.
func (st *Store) Path() string {
	return st.path
}

// RawDB returns the underlying sql.DB connection pool.
func (st *Store) RawDB() *sql.DB {
	return st.conn
}

// Close closes the connection pool.
// Performs a WAL checkpoint so the main database file is self-contained.
func (st *Store) Close() error {
	if st.conn == nil {
		return nil
	}

	if _, err := st.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := st.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	st.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call on every start.
func (st *Store) InitSchema() error {
	return st.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (st *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS segments (
		id TEXT NOT NULL UNIQUE,
		video_id TEXT NOT NULL,
		hash_full TEXT NOT NULL,
		-- Derived from hash_full; never written directly
		hash_prefix TEXT GENERATED ALWAYS AS (substr(hash_full, 1, 4)) STORED,
		start_time REAL NOT NULL,
		end_time REAL NOT NULL,
		category TEXT NOT NULL,
		user_id TEXT NOT NULL,
		votes INTEGER NOT NULL,
		service TEXT NOT NULL,
		action_type TEXT NOT NULL,
		locked INTEGER NOT NULL,
		video_duration REAL NOT NULL
	);

	-- Import ledger, one row per committed sync
	CREATE TABLE IF NOT EXISTS imports (
		total_size INTEGER NOT NULL,
		etag TEXT,
		imported_at INTEGER NOT NULL,
		header TEXT
	);

	CREATE INDEX IF NOT EXISTS segments_video_id ON segments(video_id);
	CREATE INDEX IF NOT EXISTS segments_hash_prefix ON segments(hash_prefix);
	CREATE INDEX IF NOT EXISTS segments_start_time ON segments(start_time);
	`

	if _, err := st.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// GetSegmentCount returns the total number of segments in the database.
func (st *Store) GetSegmentCount() (int, error) {
	return st.GetSegmentCountContext(context.Background())
}

// GetSegmentCountContext returns the total number of segments with context support.
func (st *Store) GetSegmentCountContext(ctx context.Context) (int, error) {
	var count int
	err := st.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM segments").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get segment count: %w", err)
	}
	return count, nil
}
