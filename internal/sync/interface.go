package sync

import (
	"context"
	"time"

	"github.com/fieldline/fieldsync/internal/schema"
)

// Reconciler merges remote snapshots into the local cache and pushes
// local edits back, one owner at a time.
//
// The merge policy is "local wins while dirty": a cached record with
// unsynced edits is never overwritten by a remote copy, however recent.
// Clean or missing records take the remote copy verbatim.
//
// The reconciler is resilient: a failure on one record is counted and
// logged, and the pass moves on to the next record.
type Reconciler interface {
	// Merge reconciles a batch of remote records for owner into the cache.
	//
	// Records that belong to a different owner or fail validation are
	// counted as invalid and skipped. Storage failures are counted as
	// failed. Merge returns an error only if ctx is done before it starts.
	//
	// Example:
	//   remoteRecs, _ := svc.FetchByOwner(ctx, "inspector-42")
	//   res, err := r.Merge(ctx, "inspector-42", remoteRecs)
	Merge(ctx context.Context, ownerID string, remote []*schema.Record) (*MergeResult, error)

	// Push uploads owner's dirty records, oldest first.
	//
	// Records whose retry counter reached MaxRetries are left alone until a
	// manual retry resets them. A successful upload clears the dirty flag;
	// a failed one bumps the retry counter. Invalid records are parked at
	// the retry ceiling without a remote call.
	//
	// progress, if non-nil, is called with (0, total) before the first
	// upload and (i, total) after each record.
	//
	// Push returns an error only if the candidate list cannot be read.
	Push(ctx context.Context, ownerID string, progress ProgressFunc) (*PushResult, error)

	// Trim applies the retention policy: all dirty records plus the
	// RetentionCap most recent synced records survive.
	Trim(ctx context.Context, ownerID string) (int, error)

	// Sync runs one full pass: pull and merge, push, then trim.
	//
	// A failed pull is recorded on the result and the push still runs.
	// Trim only runs when both pull and push succeeded. An error is
	// returned only when the pass cannot start (for example the cache is
	// unavailable); per-record outcomes are in the Result.
	//
	// Example:
	//   res, err := r.Sync(ctx, "inspector-42", func(i, n int) {
	//       fmt.Printf("\r%d/%d", i, n)
	//   })
	Sync(ctx context.Context, ownerID string, progress ProgressFunc) (*Result, error)

	// RetryFailed resets every record of owner that reached the retry
	// ceiling, making it eligible for automatic push again.
	RetryFailed(ctx context.Context, ownerID string) (int, error)
}

// Store is the subset of the local cache the reconciler works through.
// *db.DB satisfies it.
type Store interface {
	Get(ctx context.Context, id string) (*schema.Record, error)
	ApplyRemote(ctx context.Context, rec *schema.Record) (bool, error)
	ListDirtyByOwner(ctx context.Context, ownerID string) ([]*schema.Record, error)
	MarkSyncedVersion(ctx context.Context, id string, version int64) (bool, error)
	BumpRetry(ctx context.Context, id string, at time.Time, reason string) error
	ExhaustRetries(ctx context.Context, id string, ceiling int, at time.Time, reason string) error
	ResetFailed(ctx context.Context, ownerID string, ceiling int) (int, error)
	Trim(ctx context.Context, ownerID string, keepCount int) (int, error)
	PendingCount(ctx context.Context, ownerID string) (int, error)
}

// ProgressFunc receives push progress as (records done, records total).
type ProgressFunc func(current, total int)

// MergeResult counts the outcome of a Merge.
type MergeResult struct {
	Fetched      int
	Applied      int
	SkippedDirty int
	Invalid      int
	Failed       int
}

// PushResult counts the outcome of a Push.
type PushResult struct {
	Candidates int // dirty records under the retry ceiling
	Excluded   int // dirty records at or over the retry ceiling
	Pushed     int
	Superseded int // pushed, but edited again meanwhile and left dirty
	Deleted    int // pushed, but deleted locally meanwhile
	Failed     int
	Invalid    int
}

// Result describes one Sync pass.
type Result struct {
	OwnerID    string
	StartedAt  time.Time
	FinishedAt time.Time

	Merge   *MergeResult
	PullErr error

	Push *PushResult

	Trimmed int
	TrimErr error
}

// Success is the number of records uploaded during the pass.
func (r *Result) Success() int {
	if r == nil || r.Push == nil {
		return 0
	}
	return r.Push.Pushed
}

// Failed is the number of records that could not be processed during the
// pass, on either the pull or the push side.
func (r *Result) Failed() int {
	if r == nil {
		return 0
	}
	failed := 0
	if r.Push != nil {
		failed += r.Push.Failed + r.Push.Invalid
	}
	if r.Merge != nil {
		failed += r.Merge.Failed + r.Merge.Invalid
	}
	return failed
}

// Duration is how long the pass took.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
