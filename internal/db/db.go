// Package db provides the local SQLite cache of reports and tasks.
//
// The cache is the single owner of record persistence. The sync reconciler
// borrows records for the duration of a pass and writes results back
// through the operations here; nothing else touches the records table.
//
// Architecture:
//   - Database file: <data_dir>/fieldsync.db
//   - WAL mode: readers never block the writer
//   - Single connection with immediate transactions: one writer at a time,
//     so read-modify-write sequences never lose updates
//   - Schema: records table plus schema_migrations, managed by a versioned
//     migration list (see migrate.go)
//   - Indexes: owner (listByOwner, trim) and dirty flag (listDirty)
//
// Every I/O failure is reported as a *StorageError. Callers treat those as
// non-fatal; the next sync cycle tries again.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection backing the local cache.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the cache at path and brings its schema up to date.
//
// The caller MUST call Close() when done to ensure the WAL is checkpointed.
//
// Example:
//
//	store, err := db.Open(filepath.Join(cfg.DataDir, "fieldsync.db"))
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	return OpenContext(context.Background(), path)
}

// OpenContext is Open with a context bounding the migration step.
func OpenContext(ctx context.Context, path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// busy_timeout and foreign_keys are per-connection, so they go in the DSN
	// and survive a reconnect. _txlock=immediate takes the write lock at BEGIN.
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// One writer. SQLite serializes writes anyway; a single connection also
	// serializes our read-modify-write transactions in-process.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	db := &DB{
		conn: conn,
		path: path,
	}

	if _, err := db.conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// withTx runs fn in a transaction, committing on nil and rolling back otherwise.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
