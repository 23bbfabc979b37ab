// Package archive moves records in and out of the local cache as JSONL,
// one record per line.
//
// Export writes domain fields only; sync bookkeeping never leaves the
// device. Import stores each line as a local edit so the records are
// pushed on the next sync pass.
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fieldline/fieldsync/internal/db"
	"github.com/fieldline/fieldsync/internal/schema"
)

// maxLineSize bounds a single JSONL line.
const maxLineSize = 1 << 20

// ExportStore is the part of the local cache Export reads.
type ExportStore interface {
	ListByOwner(ctx context.Context, ownerID string, opts db.ListOptions) ([]*schema.Record, error)
}

// ImportStore is the part of the local cache Import writes.
type ImportStore interface {
	Get(ctx context.Context, id string) (*schema.Record, error)
	SaveLocal(ctx context.Context, rec *schema.Record) (bool, error)
}

// ImportOptions contains configuration for an import
type ImportOptions struct {
	Path    string // Input JSONL file path
	OwnerID string // Lines for other owners are rejected; empty accepts any
	DryRun  bool   // Validate and count without writing
	Backup  bool   // Copy the input aside before importing
}

// ImportResult contains statistics about an import
type ImportResult struct {
	Read          int
	Created       int
	Updated       int
	Rejected      int
	BackupCreated string
	Errors        []string
}

// Export writes every record of owner to w, oldest first, and returns the
// number written.
func Export(ctx context.Context, store ExportStore, ownerID string, w io.Writer) (int, error) {
	records, err := store.ListByOwner(ctx, ownerID, db.ListOptions{OrderBy: db.OrderByCreated})
	if err != nil {
		return 0, fmt.Errorf("failed to list records: %w", err)
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for i, rec := range records {
		out := rec.Clone()
		out.ClearSyncState()
		if err := enc.Encode(out); err != nil {
			return i, fmt.Errorf("failed to write record %s: %w", rec.ID, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush export: %w", err)
	}
	return len(records), nil
}

// ExportFile writes the export to path atomically via a temp file.
func ExportFile(ctx context.Context, store ExportStore, ownerID, path string) (int, error) {
	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	n, err := Export(ctx, store, ownerID, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return n, nil
}

// ReadJSONL parses every line of r. Lines that fail to parse or validate are
// reported in errs by line number instead of failing the batch.
func ReadJSONL(r io.Reader) (records []*schema.Record, errs []string, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec schema.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			errs = append(errs, fmt.Sprintf("line %d: invalid JSON: %v", lineNum, err))
			continue
		}
		rec.ClearSyncState()
		rec.SetDefaults()
		if err := rec.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("line %d: %v", lineNum, err))
			continue
		}
		records = append(records, &rec)
	}
	if err := scanner.Err(); err != nil {
		return records, errs, fmt.Errorf("failed to read line %d: %w", lineNum+1, err)
	}
	return records, errs, nil
}

// Import reads a JSONL archive into the cache as local edits.
func Import(ctx context.Context, store ImportStore, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}

	if _, err := os.Stat(opts.Path); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	if opts.Backup && !opts.DryRun {
		backupPath := opts.Path + ".backup." + time.Now().Format("20060102-150405")
		input, err := os.ReadFile(opts.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read input for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	// #nosec G304 - controlled path from CLI
	f, err := os.Open(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	records, lineErrs, err := ReadJSONL(f)
	if err != nil {
		return nil, err
	}
	result.Read = len(records) + len(lineErrs)
	result.Rejected = len(lineErrs)
	result.Errors = append(result.Errors, lineErrs...)

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if opts.OwnerID != "" && rec.OwnerID != opts.OwnerID {
			result.Rejected++
			result.Errors = append(result.Errors,
				fmt.Sprintf("record %s belongs to %q, not %q", rec.ID, rec.OwnerID, opts.OwnerID))
			continue
		}

		if opts.DryRun {
			_, err := store.Get(ctx, rec.ID)
			switch {
			case errors.Is(err, db.ErrNotFound):
				result.Created++
			case err != nil:
				result.Errors = append(result.Errors, fmt.Sprintf("failed to look up %s: %v", rec.ID, err))
			default:
				result.Updated++
			}
			continue
		}

		created, err := store.SaveLocal(ctx, rec)
		if err != nil {
			result.Rejected++
			result.Errors = append(result.Errors, fmt.Sprintf("failed to import %s: %v", rec.ID, err))
			continue
		}
		if created {
			result.Created++
		} else {
			result.Updated++
		}
	}

	return result, nil
}
