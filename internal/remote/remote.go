// Package remote is the client side of the remote report/task store.
//
// Service is the only surface the sync reconciler sees. Upserts are
// idempotent by record ID, so a push that is retried after an ambiguous
// failure converges on the same remote document.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/fieldline/fieldsync/internal/schema"
)

// ErrNotFound is returned by Get when the remote has no record with the ID.
var ErrNotFound = errors.New("remote record not found")

// Service reads and writes records in the remote store.
type Service interface {
	// FetchByOwner returns every remote record belonging to ownerID.
	FetchByOwner(ctx context.Context, ownerID string) ([]*schema.Record, error)

	// Upsert creates or replaces the remote copy of rec and returns its ID.
	Upsert(ctx context.Context, rec *schema.Record) (string, error)

	// Get returns a single remote record, or ErrNotFound.
	Get(ctx context.Context, id string) (*schema.Record, error)
}

// NetworkError wraps a failed remote call. A push that fails this way
// counts against the record's retry budget.
type NetworkError struct {
	Op  string
	ID  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("remote: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("remote: %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsNetworkError reports whether err is or wraps a *NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
