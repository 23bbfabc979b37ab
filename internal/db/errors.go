package db

import (
	"errors"
	"fmt"

	"github.com/fieldline/fieldsync/internal/schema"
)

// ErrNotFound is returned when no record has the requested ID.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists is returned by CreateLocal when the ID is taken.
var ErrAlreadyExists = errors.New("record already exists")

// StorageError wraps a local I/O failure. It is never fatal: sync passes
// count it against the record and try again next cycle.
type StorageError struct {
	Op  string
	ID  string
	Err error
}

func (e *StorageError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err is or wraps a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func storageErr(op, id string, err error) error {
	if err == nil {
		return nil
	}
	// Sentinels and validation failures pass through unwrapped.
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) ||
		IsStorageError(err) || schema.IsValidationError(err) {
		return err
	}
	return &StorageError{Op: op, ID: id, Err: err}
}
