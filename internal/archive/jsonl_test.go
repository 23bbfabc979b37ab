package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fieldline/fieldsync/internal/db"
	"github.com/fieldline/fieldsync/internal/schema"
	"github.com/fieldline/fieldsync/internal/types"
)

const owner = "inspector-1"

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// writeJSONL writes records to a temp archive and returns its path.
func writeJSONL(t *testing.T, records ...*schema.Record) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "records.jsonl")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create archive: %v", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			t.Fatalf("failed to encode record: %v", err)
		}
	}
	return path
}

func TestExport(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	first := schema.NewRecord(types.KindReport, owner, "Boiler room")
	second := schema.NewRecord(types.KindTask, owner, "Replace filter")
	other := schema.NewRecord(types.KindReport, "inspector-2", "Someone else")
	for _, rec := range []*schema.Record{first, second, other} {
		if err := store.CreateLocal(ctx, rec); err != nil {
			t.Fatalf("CreateLocal() error = %v", err)
		}
	}

	var buf bytes.Buffer
	n, err := Export(ctx, store, owner, &buf)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 records exported, got %d", n)
	}
	if strings.Contains(buf.String(), "needs_sync") || strings.Contains(buf.String(), "local_version") {
		t.Errorf("export should not carry sync state:\n%s", buf.String())
	}

	records, errs, err := ReadJSONL(&buf)
	if err != nil {
		t.Fatalf("ReadJSONL() error = %v", err)
	}
	if len(errs) != 0 {
		t.Errorf("expected no line errors, got %v", errs)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records read back, got %d", len(records))
	}
	for _, rec := range records {
		if rec.OwnerID != owner {
			t.Errorf("expected owner %s, got %s", owner, rec.OwnerID)
		}
		if rec.ID != first.ID && rec.ID != second.ID {
			t.Errorf("unexpected record %s in export", rec.ID)
		}
	}
}

func TestExportFile(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	rec := schema.NewRecord(types.KindReport, owner, "Stairwell lighting")
	if err := store.CreateLocal(ctx, rec); err != nil {
		t.Fatalf("CreateLocal() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "out.jsonl")
	n, err := ExportFile(ctx, store, owner, path)
	if err != nil {
		t.Fatalf("ExportFile() error = %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 record exported, got %d", n)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file should be renamed away, stat err = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read export: %v", err)
	}
	if !strings.Contains(string(data), rec.ID) {
		t.Errorf("export should contain %s:\n%s", rec.ID, data)
	}
}

func TestReadJSONL_LineErrors(t *testing.T) {
	valid := schema.NewRecord(types.KindTask, owner, "Check sprinklers")
	line, err := json.Marshal(valid)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	input := strings.Join([]string{
		string(line),
		"{not json",
		"",
		`{"id":"x","kind":"report","owner_id":"inspector-1"}`,
	}, "\n")

	records, errs, err := ReadJSONL(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadJSONL() error = %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected 1 valid record, got %d", len(records))
	}
	if len(errs) != 2 {
		t.Fatalf("expected 2 line errors, got %d: %v", len(errs), errs)
	}
	if !strings.HasPrefix(errs[0], "line 2:") {
		t.Errorf("expected first error on line 2, got %q", errs[0])
	}
	if !strings.HasPrefix(errs[1], "line 4:") {
		t.Errorf("expected second error on line 4, got %q", errs[1])
	}
}

func TestReadJSONL_StripsSyncState(t *testing.T) {
	rec := schema.NewRecord(types.KindReport, owner, "Loading dock")
	rec.NeedsSync = true
	rec.SyncRetryCount = 3
	rec.LastSyncError = "boom"
	rec.LocalVersion = 9

	line, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	records, _, err := ReadJSONL(bytes.NewReader(line))
	if err != nil {
		t.Fatalf("ReadJSONL() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	got := records[0]
	if got.NeedsSync || got.SyncRetryCount != 0 || got.LastSyncError != "" || got.LocalVersion != 0 {
		t.Errorf("sync state should be cleared, got %+v", got)
	}
}

func TestImport(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	existing := schema.NewRecord(types.KindReport, owner, "Roof")
	if err := store.CreateLocal(ctx, existing); err != nil {
		t.Fatalf("CreateLocal() error = %v", err)
	}
	if err := store.MarkSynced(ctx, existing.ID); err != nil {
		t.Fatalf("MarkSynced() error = %v", err)
	}

	edited := existing.Clone()
	edited.Title = "Roof, north side"
	fresh := schema.NewRecord(types.KindTask, owner, "Clear gutters")
	path := writeJSONL(t, edited, fresh)

	result, err := Import(ctx, store, ImportOptions{Path: path, OwnerID: owner})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if result.Read != 2 {
		t.Errorf("expected 2 read, got %d", result.Read)
	}
	if result.Created != 1 {
		t.Errorf("expected 1 created, got %d", result.Created)
	}
	if result.Updated != 1 {
		t.Errorf("expected 1 updated, got %d", result.Updated)
	}
	if result.Rejected != 0 {
		t.Errorf("expected 0 rejected, got %d: %v", result.Rejected, result.Errors)
	}

	got, err := store.Get(ctx, existing.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Title != edited.Title {
		t.Errorf("expected title %q, got %q", edited.Title, got.Title)
	}
	if !got.NeedsSync || got.LocalVersion != 2 {
		t.Errorf("expected dirty version 2, got dirty=%v version=%d", got.NeedsSync, got.LocalVersion)
	}

	created, err := store.Get(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !created.NeedsSync || created.LocalVersion != 1 {
		t.Errorf("expected dirty version 1, got dirty=%v version=%d", created.NeedsSync, created.LocalVersion)
	}

	pending, err := store.PendingCount(ctx, owner)
	if err != nil {
		t.Fatalf("PendingCount() error = %v", err)
	}
	if pending != 2 {
		t.Errorf("expected 2 pending, got %d", pending)
	}
}

func TestImport_RejectsForeignOwner(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	mine := schema.NewRecord(types.KindReport, owner, "Mine")
	theirs := schema.NewRecord(types.KindReport, "inspector-2", "Theirs")
	path := writeJSONL(t, mine, theirs)

	result, err := Import(ctx, store, ImportOptions{Path: path, OwnerID: owner})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if result.Created != 1 || result.Rejected != 1 {
		t.Errorf("expected 1 created and 1 rejected, got %d and %d", result.Created, result.Rejected)
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], theirs.ID) {
		t.Errorf("expected an error naming %s, got %v", theirs.ID, result.Errors)
	}
	if _, err := store.Get(ctx, theirs.ID); err == nil {
		t.Error("foreign record should not be imported")
	}
}

func TestImport_DryRun(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	existing := schema.NewRecord(types.KindReport, owner, "Basement")
	if err := store.CreateLocal(ctx, existing); err != nil {
		t.Fatalf("CreateLocal() error = %v", err)
	}
	fresh := schema.NewRecord(types.KindTask, owner, "Seal crack")
	path := writeJSONL(t, existing, fresh)

	result, err := Import(ctx, store, ImportOptions{Path: path, OwnerID: owner, DryRun: true, Backup: true})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if result.Created != 1 || result.Updated != 1 {
		t.Errorf("expected 1 created and 1 updated, got %d and %d", result.Created, result.Updated)
	}
	if result.BackupCreated != "" {
		t.Errorf("dry run should not create a backup, got %s", result.BackupCreated)
	}
	if _, err := store.Get(ctx, fresh.ID); err == nil {
		t.Error("dry run should not write records")
	}
}

func TestImport_Backup(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	path := writeJSONL(t, schema.NewRecord(types.KindReport, owner, "Attic"))

	result, err := Import(ctx, store, ImportOptions{Path: path, Backup: true})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if result.BackupCreated == "" {
		t.Fatal("expected backup path")
	}
	if !strings.HasPrefix(result.BackupCreated, path+".backup.") {
		t.Errorf("unexpected backup name %s", result.BackupCreated)
	}

	orig, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read input: %v", err)
	}
	backup, err := os.ReadFile(result.BackupCreated)
	if err != nil {
		t.Fatalf("failed to read backup: %v", err)
	}
	if !bytes.Equal(orig, backup) {
		t.Error("backup should match the input")
	}
}

func TestImport_MissingFile(t *testing.T) {
	store := setupTestDB(t)

	_, err := Import(context.Background(), store, ImportOptions{
		Path: filepath.Join(t.TempDir(), "missing.jsonl"),
	})
	if err == nil {
		t.Error("expected error for missing input")
	}
}
