package sync

import (
	"context"
	"errors"

	"github.com/fieldline/fieldsync/internal/db"
	"github.com/fieldline/fieldsync/internal/remote"
	"github.com/fieldline/fieldsync/internal/schema"
)

// ErrNoOwner is returned when a pass is requested without an owner.
var ErrNoOwner = errors.New("owner id is required")

// ErrorClass buckets errors by how sync reacts to them.
type ErrorClass int

const (
	// ClassUnknown is any error outside the taxonomy. Push treats it like
	// a network failure.
	ClassUnknown ErrorClass = iota

	// ClassStorage is a local I/O failure. Retried next cycle, never fatal.
	ClassStorage

	// ClassNetwork is a failed remote call. Bumps the retry counter.
	ClassNetwork

	// ClassValidation is a malformed record. Logged and skipped, not
	// retried automatically.
	ClassValidation
)

func (c ErrorClass) String() string {
	switch c {
	case ClassStorage:
		return "storage"
	case ClassNetwork:
		return "network"
	case ClassValidation:
		return "validation"
	}
	return "unknown"
}

// Classify maps err onto the sync error taxonomy.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassUnknown
	case schema.IsValidationError(err):
		return ClassValidation
	case remote.IsNetworkError(err),
		errors.Is(err, context.DeadlineExceeded):
		return ClassNetwork
	case db.IsStorageError(err):
		return ClassStorage
	}
	return ClassUnknown
}

// IsRetryable returns true if the error is likely to succeed on a later
// pass: storage and network failures are, validation failures are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err) {
	case ClassStorage, ClassNetwork:
		return true
	}
	return false
}
