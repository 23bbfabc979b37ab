package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Migration moves the schema from Version-1 to Version.
type Migration struct {
	Version     int
	Description string
	Statements  []string

	// Preflight inspects the schema inside the migration transaction and
	// returns an error if it is not in the state Statements expect.
	Preflight func(ctx context.Context, tx *sql.Tx) error
}

// Checksum identifies the migration body. An applied migration whose
// checksum no longer matches means the binary and database disagree about
// history, and Migrate refuses to continue.
func (m Migration) Checksum() string {
	sum := sha256.Sum256([]byte(strings.Join(m.Statements, ";\n")))
	return hex.EncodeToString(sum[:])
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "create records table",
		Statements: []string{
			`CREATE TABLE records (
				id TEXT PRIMARY KEY,
				kind TEXT NOT NULL,
				owner_id TEXT NOT NULL,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				priority TEXT NOT NULL,
				due_at TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				local_modified_at TEXT NOT NULL,
				needs_sync INTEGER NOT NULL DEFAULT 0,
				sync_retry_count INTEGER NOT NULL DEFAULT 0 CHECK (sync_retry_count >= 0),
				last_sync_attempt TEXT
			)`,
			`CREATE INDEX idx_records_owner ON records(owner_id, created_at)`,
			`CREATE INDEX idx_records_dirty ON records(needs_sync, created_at)`,
		},
		Preflight: requireNoTable("records"),
	},
	{
		Version:     2,
		Description: "add location and assignee",
		Statements: []string{
			`ALTER TABLE records ADD COLUMN location TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE records ADD COLUMN assigned_to TEXT NOT NULL DEFAULT ''`,
		},
		Preflight: requireNoColumns("records", "location", "assigned_to"),
	},
	{
		Version:     3,
		Description: "track sync errors and local edit versions",
		Statements: []string{
			`ALTER TABLE records ADD COLUMN last_sync_error TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE records ADD COLUMN local_version INTEGER NOT NULL DEFAULT 0`,
			`UPDATE records SET local_version = 1 WHERE needs_sync = 1`,
		},
		Preflight: requireNoColumns("records", "last_sync_error", "local_version"),
	},
}

// Migrations returns a copy of the registered migration list.
func Migrations() []Migration {
	out := make([]Migration, len(migrations))
	copy(out, migrations)
	return out
}

// SchemaVersion returns the highest applied migration version, or 0 for a
// fresh database.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := db.conn.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, storageErr("schema version", "", err)
	}
	return int(version.Int64), nil
}

// Migrate applies every pending migration in a single transaction.
//
// Before anything runs, the migration list and the applied history are
// checked: versions must be contiguous from 1, applied checksums must
// match, and the database must not be newer than this binary. Each pending
// migration's Preflight then runs inside the transaction ahead of its
// statements.
func (db *DB) Migrate(ctx context.Context) error {
	return db.migrate(ctx, migrations)
}

func (db *DB) migrate(ctx context.Context, list []Migration) error {
	if err := checkMigrationList(list); err != nil {
		return err
	}

	if _, err := db.conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		checksum TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return storageErr("create schema_migrations", "", err)
	}

	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for version, checksum := range applied {
		if version > len(list) {
			return fmt.Errorf("database schema version %d is newer than this binary supports (%d)", version, len(list))
		}
		if want := list[version-1].Checksum(); checksum != want {
			return fmt.Errorf("migration %d (%s) checksum mismatch: database has %s, binary has %s",
				version, list[version-1].Description, short(checksum), short(want))
		}
	}

	var pending []Migration
	for _, m := range list {
		if _, ok := applied[m.Version]; !ok {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	if pending[0].Version != len(applied)+1 {
		return fmt.Errorf("migration history has a gap before version %d", pending[0].Version)
	}

	return db.withTx(ctx, func(tx *sql.Tx) error {
		for _, m := range pending {
			if m.Preflight != nil {
				if err := m.Preflight(ctx, tx); err != nil {
					return fmt.Errorf("migration %d (%s) preflight failed: %w", m.Version, m.Description, err)
				}
			}
			for _, stmt := range m.Statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return storageErr(fmt.Sprintf("migration %d", m.Version), "", err)
				}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, description, checksum, applied_at) VALUES (?, ?, ?, ?)`,
				m.Version, m.Description, m.Checksum(), formatTime(time.Now())); err != nil {
				return storageErr("record migration", "", err)
			}
		}
		return nil
	})
}

func (db *DB) appliedMigrations(ctx context.Context) (map[int]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, storageErr("list migrations", "", err)
	}
	defer rows.Close()

	applied := make(map[int]string)
	for rows.Next() {
		var version int
		var checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, storageErr("scan migration", "", err)
		}
		applied[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list migrations", "", err)
	}
	return applied, nil
}

func checkMigrationList(list []Migration) error {
	for i, m := range list {
		if m.Version != i+1 {
			return fmt.Errorf("migration list out of order: position %d has version %d", i+1, m.Version)
		}
		if len(m.Statements) == 0 {
			return fmt.Errorf("migration %d has no statements", m.Version)
		}
	}
	return nil
}

func requireNoTable(table string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		var count int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&count)
		if err != nil {
			return err
		}
		if count != 0 {
			return fmt.Errorf("table %s already exists", table)
		}
		return nil
	}
}

func requireNoColumns(table string, columns ...string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		existing, err := tableColumns(ctx, tx, table)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			return fmt.Errorf("table %s does not exist", table)
		}
		for _, col := range columns {
			if existing[col] {
				return fmt.Errorf("column %s.%s already exists", table, col)
			}
		}
		return nil
	}
}

func tableColumns(ctx context.Context, tx *sql.Tx, table string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func short(checksum string) string {
	if len(checksum) > 12 {
		return checksum[:12]
	}
	return checksum
}
