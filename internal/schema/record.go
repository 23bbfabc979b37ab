package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fieldline/fieldsync/internal/types"
)

// Record is a report or task as held in the local cache. The domain fields
// travel to and from the remote store; the sync bookkeeping fields are
// local only and are ignored when a record arrives from a file or the remote.
type Record struct {
	// ===== Core Identification =====
	ID      string     `json:"id" validate:"required,max=128"`
	Kind    types.Kind `json:"kind" validate:"required,oneof=report task"`
	OwnerID string     `json:"owner_id" validate:"required,max=128"`

	// ===== Content =====
	Title       string `json:"title" validate:"required,max=500"`
	Description string `json:"description,omitempty" validate:"max=20000"`
	Location    string `json:"location,omitempty" validate:"max=500"`
	AssignedTo  string `json:"assigned_to,omitempty" validate:"max=128"`

	// ===== Workflow =====
	Status   types.Status   `json:"status" validate:"required"`
	Priority types.Priority `json:"priority" validate:"required,oneof=low medium high urgent"`

	// ===== Timestamps =====
	DueAt           *time.Time `json:"due_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at" validate:"required"`
	UpdatedAt       time.Time  `json:"updated_at" validate:"required"`
	LocalModifiedAt time.Time  `json:"local_modified_at,omitempty"`

	// ===== Sync Bookkeeping (local only) =====
	NeedsSync       bool       `json:"needs_sync,omitempty"`
	SyncRetryCount  int        `json:"sync_retry_count,omitempty" validate:"gte=0"`
	LastSyncAttempt *time.Time `json:"last_sync_attempt,omitempty"`
	LastSyncError   string     `json:"last_sync_error,omitempty"`
	LocalVersion    int64      `json:"local_version,omitempty"`
}

// ValidationError reports a malformed record. Records that fail validation
// are skipped by sync and are not retried automatically.
type ValidationError struct {
	ID     string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("invalid record: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid record %s: %s %s", e.ID, e.Field, e.Reason)
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var validate = validator.New()

// Validate checks field constraints and the kind/status pairing.
// The returned error is always a *ValidationError.
func (r *Record) Validate() error {
	if err := validate.Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &ValidationError{ID: r.ID, Field: fieldName(fe.Field()), Reason: describeTag(fe)}
		}
		return &ValidationError{ID: r.ID, Field: "record", Reason: err.Error()}
	}
	if !r.Status.ValidFor(r.Kind) {
		return &ValidationError{
			ID:     r.ID,
			Field:  "status",
			Reason: fmt.Sprintf("%q is not a %s status", r.Status, r.Kind),
		}
	}
	return nil
}

// SetDefaults fills omitted fields and folds unknown enum values onto their
// documented defaults.
func (r *Record) SetDefaults() {
	r.Kind = types.ParseKind(string(r.Kind))
	r.Status = types.ParseStatus(r.Kind, string(r.Status))
	r.Priority = types.ParsePriority(string(r.Priority))

	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	if r.LocalModifiedAt.IsZero() {
		r.LocalModifiedAt = r.UpdatedAt
	}
}

// NewRecord returns a record with a fresh ID and defaults applied.
// It is not marked dirty; the store does that when the record is created.
func NewRecord(kind types.Kind, ownerID, title string) *Record {
	r := &Record{
		ID:      NewID(),
		Kind:    kind,
		OwnerID: ownerID,
		Title:   title,
	}
	r.SetDefaults()
	return r
}

// NewID generates a record identifier.
func NewID() string {
	return uuid.New().String()
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	if r.DueAt != nil {
		due := *r.DueAt
		c.DueAt = &due
	}
	if r.LastSyncAttempt != nil {
		at := *r.LastSyncAttempt
		c.LastSyncAttempt = &at
	}
	return &c
}

// ClearSyncState drops the local-only bookkeeping so a record read from an
// untrusted source cannot smuggle in sync state.
func (r *Record) ClearSyncState() {
	r.NeedsSync = false
	r.SyncRetryCount = 0
	r.LastSyncAttempt = nil
	r.LastSyncError = ""
	r.LocalVersion = 0
}

// IsFailed reports whether automatic push has given up on the record.
func (r *Record) IsFailed(maxRetries int) bool {
	return r.NeedsSync && r.SyncRetryCount >= maxRetries
}

// Filename returns the canonical inbox filename for this record: {id}.json
func (r *Record) Filename() string {
	return fmt.Sprintf("%s.json", r.ID)
}

// ReadRecordFile reads and parses a record JSON file. Defaults are applied
// before validation and sync bookkeeping in the file is discarded.
func ReadRecordFile(path string) (*Record, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from the inbox watcher or CLI
	if err != nil {
		return nil, fmt.Errorf("failed to read record file %s: %w", path, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &ValidationError{Field: "file", Reason: fmt.Sprintf("%s is not valid JSON: %v", filepath.Base(path), err)}
	}

	rec.ClearSyncState()
	rec.SetDefaults()
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	return &rec, nil
}

// WriteRecordFile writes r to dir/{id}.json, atomically via a temp file.
func WriteRecordFile(dir string, r *Record) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid record: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create record directory: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", r.ID, err)
	}

	path := filepath.Join(dir, r.Filename())
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// ReadAllRecordFiles reads every *.json record in dir. Invalid files are
// returned in the skipped map keyed by filename rather than failing the batch.
func ReadAllRecordFiles(dir string) (records []*Record, skipped map[string]error, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Record{}, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read record directory: %w", err)
	}

	skipped = make(map[string]error)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		rec, err := ReadRecordFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			skipped[entry.Name()] = err
			continue
		}
		records = append(records, rec)
	}

	return records, skipped, nil
}

func fieldName(goName string) string {
	switch goName {
	case "ID":
		return "id"
	case "OwnerID":
		return "owner_id"
	case "AssignedTo":
		return "assigned_to"
	case "CreatedAt":
		return "created_at"
	case "UpdatedAt":
		return "updated_at"
	case "SyncRetryCount":
		return "sync_retry_count"
	}
	return strings.ToLower(goName)
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	}
	return fmt.Sprintf("failed %q check", fe.Tag())
}
