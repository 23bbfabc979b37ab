package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fieldline/fieldsync/internal/schema"
	"github.com/fieldline/fieldsync/internal/types"
)

const recordColumns = `id, kind, owner_id, title, description, location, assigned_to,
	status, priority, due_at, created_at, updated_at, local_modified_at,
	needs_sync, sync_retry_count, last_sync_attempt, last_sync_error, local_version`

// Ordering options for ListByOwner.
const (
	OrderByCreated  = "created_at"
	OrderByDue      = "due_at"
	OrderByPriority = "priority"
)

// ListOptions narrows and orders ListByOwner.
type ListOptions struct {
	OrderBy   string // OrderByCreated (default), OrderByDue or OrderByPriority
	DirtyOnly bool
	Limit     int // 0 means no limit
}

// Stats summarizes one owner's slice of the cache.
type Stats struct {
	Total  int `json:"total"`
	Dirty  int `json:"dirty"`
	Failed int `json:"failed"`
}

// Get returns the record with the given ID, or ErrNotFound.
func (db *DB) Get(ctx context.Context, id string) (*schema.Record, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, storageErr("get", id, err)
}

// Upsert inserts rec or replaces the stored row with the same ID, writing
// every field as given, bookkeeping included.
func (db *DB) Upsert(ctx context.Context, rec *schema.Record) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			owner_id = excluded.owner_id,
			title = excluded.title,
			description = excluded.description,
			location = excluded.location,
			assigned_to = excluded.assigned_to,
			status = excluded.status,
			priority = excluded.priority,
			due_at = excluded.due_at,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			local_modified_at = excluded.local_modified_at,
			needs_sync = excluded.needs_sync,
			sync_retry_count = excluded.sync_retry_count,
			last_sync_attempt = excluded.last_sync_attempt,
			last_sync_error = excluded.last_sync_error,
			local_version = excluded.local_version
	`, recordArgs(rec)...)
	return storageErr("upsert", rec.ID, err)
}

// ApplyRemote writes a remote-sourced copy of rec as synced, unless the
// stored row is dirty. The dirty check and the write are one statement, so
// a user edit can never be overwritten between them. It reports whether
// the row was written.
func (db *DB) ApplyRemote(ctx context.Context, rec *schema.Record) (bool, error) {
	synced := rec.Clone()
	synced.ClearSyncState()
	synced.LocalModifiedAt = synced.UpdatedAt

	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			owner_id = excluded.owner_id,
			title = excluded.title,
			description = excluded.description,
			location = excluded.location,
			assigned_to = excluded.assigned_to,
			status = excluded.status,
			priority = excluded.priority,
			due_at = excluded.due_at,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			local_modified_at = excluded.local_modified_at,
			needs_sync = 0,
			sync_retry_count = 0,
			last_sync_error = ''
		WHERE records.needs_sync = 0
	`, recordArgs(synced)...)
	if err != nil {
		return false, storageErr("apply remote", rec.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("apply remote", rec.ID, err)
	}
	return n > 0, nil
}

// CreateLocal inserts a user-authored record as dirty.
func (db *DB) CreateLocal(ctx context.Context, rec *schema.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	local := rec.Clone()
	local.ClearSyncState()
	local.NeedsSync = true
	local.LocalVersion = 1
	local.LocalModifiedAt = time.Now().UTC()

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE id = ?`, local.ID).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return ErrAlreadyExists
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			recordArgs(local)...)
		return err
	})
	if err != nil {
		return storageErr("create", rec.ID, err)
	}

	*rec = *local
	return nil
}

// EditLocal applies a user edit to the record with the given ID.
//
// fn receives a copy of the stored record and may change its domain fields.
// The result is validated, marked dirty, stamped with the edit time and
// given the next local version, all inside one transaction. Identity and
// ownership cannot be changed by fn.
func (db *DB) EditLocal(ctx context.Context, id string, fn func(rec *schema.Record) error) (*schema.Record, error) {
	var edited *schema.Record

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
		current, err := scanRecord(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			return err
		}
		next.ID = current.ID
		next.OwnerID = current.OwnerID
		next.CreatedAt = current.CreatedAt
		if err := next.Validate(); err != nil {
			return err
		}

		next.NeedsSync = true
		next.LocalModifiedAt = time.Now().UTC()
		next.LocalVersion = current.LocalVersion + 1
		next.SyncRetryCount = current.SyncRetryCount
		next.LastSyncAttempt = current.LastSyncAttempt
		next.LastSyncError = current.LastSyncError

		_, err = tx.ExecContext(ctx, `
			UPDATE records SET
				kind = ?, title = ?, description = ?, location = ?, assigned_to = ?,
				status = ?, priority = ?, due_at = ?,
				local_modified_at = ?, needs_sync = 1, local_version = ?
			WHERE id = ?
		`, string(next.Kind), next.Title, next.Description, next.Location, next.AssignedTo,
			string(next.Status), string(next.Priority), timeToNullString(next.DueAt),
			formatTime(next.LocalModifiedAt), next.LocalVersion, id)
		if err != nil {
			return err
		}

		edited = next
		return nil
	})
	if err != nil {
		return nil, storageErr("edit", id, err)
	}
	return edited, nil
}

// SaveLocal stores a record that arrived from outside the app (an inbox file
// or an archive) as a user edit. A new ID is created; a known ID takes the
// incoming domain fields through EditLocal. It reports whether the record
// was created.
func (db *DB) SaveLocal(ctx context.Context, rec *schema.Record) (bool, error) {
	err := db.CreateLocal(ctx, rec.Clone())
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, ErrAlreadyExists) {
		return false, err
	}

	_, err = db.EditLocal(ctx, rec.ID, func(cur *schema.Record) error {
		if cur.OwnerID != rec.OwnerID {
			return &schema.ValidationError{ID: rec.ID, Field: "owner_id", Reason: "cannot move a record to another owner"}
		}
		cur.Kind = rec.Kind
		cur.Title = rec.Title
		cur.Description = rec.Description
		cur.Location = rec.Location
		cur.AssignedTo = rec.AssignedTo
		cur.Status = rec.Status
		cur.Priority = rec.Priority
		cur.DueAt = rec.DueAt
		return nil
	})
	return false, err
}

// Delete removes a record by explicit user action.
func (db *DB) Delete(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	return requireRow("delete", id, res, err)
}

// MarkSynced clears the dirty flag and resets the retry counter. The local
// edit time becomes the last modification known to the remote.
func (db *DB) MarkSynced(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE records SET needs_sync = 0, sync_retry_count = 0, last_sync_error = '', updated_at = local_modified_at WHERE id = ?`, id)
	return requireRow("mark synced", id, res, err)
}

// MarkSyncedVersion is MarkSynced for a push of a specific local version.
// If the record was edited after that version was read, the row is left
// dirty so the newer edit is pushed on a later pass. It reports whether
// the row was marked.
func (db *DB) MarkSyncedVersion(ctx context.Context, id string, version int64) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE records SET needs_sync = 0, sync_retry_count = 0, last_sync_error = '',
			updated_at = local_modified_at
		WHERE id = ? AND local_version = ?
	`, id, version)
	if err != nil {
		return false, storageErr("mark synced", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("mark synced", id, err)
	}
	return n > 0, nil
}

// BumpRetry records a failed push attempt at the given time.
func (db *DB) BumpRetry(ctx context.Context, id string, at time.Time, reason string) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE records SET
			sync_retry_count = sync_retry_count + 1,
			last_sync_attempt = ?,
			last_sync_error = ?
		WHERE id = ?
	`, formatTime(at), reason, id)
	return requireRow("bump retry", id, res, err)
}

// ExhaustRetries raises the retry counter to at least ceiling so automatic
// push leaves the record alone until ResetRetry. The counter never decreases.
func (db *DB) ExhaustRetries(ctx context.Context, id string, ceiling int, at time.Time, reason string) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE records SET
			sync_retry_count = MAX(sync_retry_count, ?),
			last_sync_attempt = ?,
			last_sync_error = ?
		WHERE id = ?
	`, ceiling, formatTime(at), reason, id)
	return requireRow("exhaust retries", id, res, err)
}

// ResetRetry is the manual retry: the counter goes back to zero and the
// record becomes eligible for automatic push again.
func (db *DB) ResetRetry(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE records SET sync_retry_count = 0, last_sync_error = '' WHERE id = ?`, id)
	return requireRow("reset retry", id, res, err)
}

// ResetFailed resets every dirty record of owner whose counter reached
// ceiling. It returns how many were reset.
func (db *DB) ResetFailed(ctx context.Context, ownerID string, ceiling int) (int, error) {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE records SET sync_retry_count = 0, last_sync_error = ''
		WHERE owner_id = ? AND needs_sync = 1 AND sync_retry_count >= ?
	`, ownerID, ceiling)
	if err != nil {
		return 0, storageErr("reset failed", "", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("reset failed", "", err)
	}
	return int(n), nil
}

// Trim deletes the oldest synced records of owner until at most keepCount
// records remain for that owner. Dirty records are never deleted and are
// counted first, so callers pass base cap + dirty count. It returns the
// number of deleted rows.
func (db *DB) Trim(ctx context.Context, ownerID string, keepCount int) (int, error) {
	if keepCount < 0 {
		keepCount = 0
	}

	var deleted int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var dirty int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM records WHERE owner_id = ? AND needs_sync = 1`, ownerID).Scan(&dirty); err != nil {
			return err
		}

		keepSynced := keepCount - dirty
		if keepSynced < 0 {
			keepSynced = 0
		}

		res, err := tx.ExecContext(ctx, `
			DELETE FROM records WHERE id IN (
				SELECT id FROM records
				WHERE owner_id = ? AND needs_sync = 0
				ORDER BY created_at DESC, id DESC
				LIMIT -1 OFFSET ?
			)
		`, ownerID, keepSynced)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, storageErr("trim", "", err)
	}
	return int(deleted), nil
}

// PendingCount returns the number of dirty records for owner.
func (db *DB) PendingCount(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE owner_id = ? AND needs_sync = 1`, ownerID).Scan(&count)
	if err != nil {
		return 0, storageErr("pending count", "", err)
	}
	return count, nil
}

// GetStats returns totals for owner. Failed counts dirty records whose
// retry counter reached ceiling.
func (db *DB) GetStats(ctx context.Context, ownerID string, ceiling int) (*Stats, error) {
	var s Stats
	err := db.conn.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(needs_sync), 0),
			COALESCE(SUM(CASE WHEN needs_sync = 1 AND sync_retry_count >= ? THEN 1 ELSE 0 END), 0)
		FROM records WHERE owner_id = ?
	`, ceiling, ownerID).Scan(&s.Total, &s.Dirty, &s.Failed)
	if err != nil {
		return nil, storageErr("stats", "", err)
	}
	return &s, nil
}

// ListByOwner returns owner's records in the requested order.
func (db *DB) ListByOwner(ctx context.Context, ownerID string, opts ListOptions) ([]*schema.Record, error) {
	var where []string
	var args []interface{}

	where = append(where, "owner_id = ?")
	args = append(args, ownerID)
	if opts.DirtyOnly {
		where = append(where, "needs_sync = 1")
	}

	var orderBy string
	switch opts.OrderBy {
	case "", OrderByCreated:
		orderBy = "created_at ASC, id ASC"
	case OrderByDue:
		orderBy = "due_at IS NULL, due_at ASC, created_at ASC"
	case OrderByPriority:
		orderBy = `CASE priority
			WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 WHEN 'low' THEN 3 ELSE 2
		END, created_at ASC`
	default:
		return nil, fmt.Errorf("unknown order %q", opts.OrderBy)
	}

	query := fmt.Sprintf(`SELECT %s FROM records WHERE %s ORDER BY %s`,
		recordColumns, strings.Join(where, " AND "), orderBy)
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	return db.queryRecords(ctx, "list by owner", query, args...)
}

// ListDirty returns every dirty record, oldest first.
func (db *DB) ListDirty(ctx context.Context) ([]*schema.Record, error) {
	return db.queryRecords(ctx, "list dirty",
		`SELECT `+recordColumns+` FROM records WHERE needs_sync = 1 ORDER BY created_at ASC, id ASC`)
}

// ListDirtyByOwner returns owner's dirty records, oldest first.
func (db *DB) ListDirtyByOwner(ctx context.Context, ownerID string) ([]*schema.Record, error) {
	return db.queryRecords(ctx, "list dirty",
		`SELECT `+recordColumns+` FROM records WHERE owner_id = ? AND needs_sync = 1 ORDER BY created_at ASC, id ASC`,
		ownerID)
}

func (db *DB) queryRecords(ctx context.Context, op, query string, args ...interface{}) ([]*schema.Record, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, "", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, storageErr(op, "", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecords(rows *sql.Rows) ([]*schema.Record, error) {
	var records []*schema.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

func scanRecord(row rowScanner) (*schema.Record, error) {
	var rec schema.Record
	var kind, status, priority string
	var dueAt, lastAttempt sql.NullString
	var createdAt, updatedAt, localModifiedAt string
	var needsSync int

	err := row.Scan(
		&rec.ID, &kind, &rec.OwnerID, &rec.Title, &rec.Description, &rec.Location, &rec.AssignedTo,
		&status, &priority, &dueAt, &createdAt, &updatedAt, &localModifiedAt,
		&needsSync, &rec.SyncRetryCount, &lastAttempt, &rec.LastSyncError, &rec.LocalVersion,
	)
	if err != nil {
		return nil, err
	}

	// Stored enums go through the fallback parsers so a bad row still loads.
	rec.Kind = types.ParseKind(kind)
	rec.Status = types.ParseStatus(rec.Kind, status)
	rec.Priority = types.ParsePriority(priority)

	rec.DueAt = nullStringToTime(dueAt)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	rec.LocalModifiedAt = parseTime(localModifiedAt)
	rec.LastSyncAttempt = nullStringToTime(lastAttempt)
	rec.NeedsSync = needsSync != 0

	return &rec, nil
}

func recordArgs(rec *schema.Record) []interface{} {
	return []interface{}{
		rec.ID, string(rec.Kind), rec.OwnerID, rec.Title, rec.Description, rec.Location, rec.AssignedTo,
		string(rec.Status), string(rec.Priority), timeToNullString(rec.DueAt),
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt), formatTime(rec.LocalModifiedAt),
		boolToInt(rec.NeedsSync), rec.SyncRetryCount, timeToNullString(rec.LastSyncAttempt),
		rec.LastSyncError, rec.LocalVersion,
	}
}

func requireRow(op, id string, res sql.Result, err error) error {
	if err != nil {
		return storageErr(op, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(op, id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// timeLayout is fixed-width UTC so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

// timeToNullString converts a *time.Time to sql.NullString
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// nullStringToTime converts sql.NullString to *time.Time
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
