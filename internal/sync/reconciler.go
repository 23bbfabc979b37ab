package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fieldline/fieldsync/internal/db"
	"github.com/fieldline/fieldsync/internal/remote"
	"github.com/fieldline/fieldsync/internal/schema"
)

const (
	// DefaultMaxRetries is the number of failed pushes after which a record
	// is parked until a manual retry.
	DefaultMaxRetries = 3

	// DefaultRetentionCap is the number of synced records kept per owner.
	DefaultRetentionCap = 30
)

// Options configures a Reconciler. The zero value is usable.
type Options struct {
	MaxRetries   int
	RetentionCap int
	Logger       *log.Logger
	Now          func() time.Time
}

// reconciler implements the Reconciler interface.
type reconciler struct {
	store        Store
	remote       remote.Service
	maxRetries   int
	retentionCap int
	logger       *log.Logger
	now          func() time.Time
}

// New creates a new Reconciler.
//
// If opts is nil or leaves fields unset, DefaultMaxRetries,
// DefaultRetentionCap, a stderr logger and time.Now are used.
//
// Example:
//
//	store, err := db.Open(filepath.Join(dataDir, "fieldsync.db"))
//	if err != nil {
//	    return err
//	}
//	svc, err := remote.NewCouchService(remote.CouchConfig{URL: url, Database: "records"})
//	if err != nil {
//	    return err
//	}
//	r := sync.New(store, svc, nil)
func New(store Store, svc remote.Service, opts *Options) Reconciler {
	if opts == nil {
		opts = &Options{}
	}

	r := &reconciler{
		store:        store,
		remote:       svc,
		maxRetries:   opts.MaxRetries,
		retentionCap: opts.RetentionCap,
		logger:       opts.Logger,
		now:          opts.Now,
	}
	if r.maxRetries <= 0 {
		r.maxRetries = DefaultMaxRetries
	}
	if r.retentionCap <= 0 {
		r.retentionCap = DefaultRetentionCap
	}
	if r.logger == nil {
		r.logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Merge implements Reconciler.Merge.
func (r *reconciler) Merge(ctx context.Context, ownerID string, records []*schema.Record) (*MergeResult, error) {
	if ownerID == "" {
		return nil, ErrNoOwner
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &MergeResult{Fetched: len(records)}
	for _, rec := range records {
		if rec.OwnerID != ownerID {
			res.Invalid++
			r.logger.Printf("WARNING: skipping remote record %s: owner %q does not match %q", rec.ID, rec.OwnerID, ownerID)
			continue
		}
		if err := rec.Validate(); err != nil {
			res.Invalid++
			r.logger.Printf("WARNING: skipping remote record: %v", err)
			continue
		}

		local, err := r.store.Get(ctx, rec.ID)
		switch {
		case errors.Is(err, db.ErrNotFound):
		case err != nil:
			res.Failed++
			r.logger.Printf("Failed to look up %s: %v", rec.ID, err)
			continue
		case local.NeedsSync:
			res.SkippedDirty++
			continue
		}

		// ApplyRemote re-checks the dirty flag in the same statement, so an
		// edit landing after the lookup above still wins.
		applied, err := r.store.ApplyRemote(ctx, rec)
		if err != nil {
			res.Failed++
			r.logger.Printf("Failed to apply remote %s: %v", rec.ID, err)
			continue
		}
		if !applied {
			res.SkippedDirty++
			continue
		}
		res.Applied++
	}

	return res, nil
}

// Push implements Reconciler.Push.
func (r *reconciler) Push(ctx context.Context, ownerID string, progress ProgressFunc) (*PushResult, error) {
	if ownerID == "" {
		return nil, ErrNoOwner
	}

	dirty, err := r.store.ListDirtyByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dirty records: %w", err)
	}

	res := &PushResult{}
	var candidates []*schema.Record
	for _, rec := range dirty {
		if rec.SyncRetryCount >= r.maxRetries {
			res.Excluded++
			continue
		}
		candidates = append(candidates, rec)
	}
	res.Candidates = len(candidates)

	if progress == nil {
		progress = func(int, int) {}
	}
	progress(0, len(candidates))

	for i, rec := range candidates {
		r.pushOne(ctx, rec, res)
		progress(i+1, len(candidates))
	}

	return res, nil
}

func (r *reconciler) pushOne(ctx context.Context, rec *schema.Record, res *PushResult) {
	if err := rec.Validate(); err != nil {
		r.park(ctx, rec, err)
		res.Invalid++
		return
	}

	_, err := r.remote.Upsert(ctx, rec)
	if err != nil {
		if Classify(err) == ClassValidation {
			r.park(ctx, rec, err)
			res.Invalid++
			return
		}
		res.Failed++
		if bumpErr := r.store.BumpRetry(ctx, rec.ID, r.now(), err.Error()); bumpErr != nil {
			r.logger.Printf("Failed to record retry for %s: %v", rec.ID, bumpErr)
		}
		r.logger.Printf("Push failed for %s (attempt %d/%d): %v", rec.ID, rec.SyncRetryCount+1, r.maxRetries, err)
		return
	}

	marked, err := r.store.MarkSyncedVersion(ctx, rec.ID, rec.LocalVersion)
	if err != nil {
		// The remote has the record; the next pass re-pushes it, which is
		// harmless because upserts are idempotent.
		res.Failed++
		r.logger.Printf("Pushed %s but failed to mark it synced: %v", rec.ID, err)
		return
	}
	res.Pushed++
	if marked {
		return
	}

	// The version moved on or the row is gone; only a re-edit stays queued.
	_, err = r.store.Get(ctx, rec.ID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		res.Deleted++
		r.logger.Printf("Pushed %s; deleted locally during push", rec.ID)
	case err != nil:
		res.Superseded++
		r.logger.Printf("Pushed %s; not marked synced, lookup failed: %v", rec.ID, err)
	default:
		res.Superseded++
		r.logger.Printf("Pushed %s; edited again during push, left dirty", rec.ID)
	}
}

// park moves a record to the retry ceiling so automatic push skips it.
func (r *reconciler) park(ctx context.Context, rec *schema.Record, cause error) {
	r.logger.Printf("WARNING: not pushing %s: %v", rec.ID, cause)
	if err := r.store.ExhaustRetries(ctx, rec.ID, r.maxRetries, r.now(), cause.Error()); err != nil {
		r.logger.Printf("Failed to park %s: %v", rec.ID, err)
	}
}

// Trim implements Reconciler.Trim.
func (r *reconciler) Trim(ctx context.Context, ownerID string) (int, error) {
	if ownerID == "" {
		return 0, ErrNoOwner
	}

	dirty, err := r.store.PendingCount(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("failed to count dirty records: %w", err)
	}

	deleted, err := r.store.Trim(ctx, ownerID, r.retentionCap+dirty)
	if err != nil {
		return 0, fmt.Errorf("failed to trim cache: %w", err)
	}
	if deleted > 0 {
		r.logger.Printf("Trimmed %d synced records for %s (keeping %d + %d dirty)", deleted, ownerID, r.retentionCap, dirty)
	}
	return deleted, nil
}

// Sync implements Reconciler.Sync.
func (r *reconciler) Sync(ctx context.Context, ownerID string, progress ProgressFunc) (*Result, error) {
	if ownerID == "" {
		return nil, ErrNoOwner
	}

	res := &Result{OwnerID: ownerID, StartedAt: r.now()}

	// A cache that cannot answer a count cannot run a pass.
	if _, err := r.store.PendingCount(ctx, ownerID); err != nil {
		return nil, fmt.Errorf("cache unavailable: %w", err)
	}

	r.logger.Printf("Starting sync pass for %s", ownerID)

	remoteRecs, err := r.remote.FetchByOwner(ctx, ownerID)
	if err != nil {
		res.PullErr = err
		r.logger.Printf("Pull failed, continuing with push: %v", err)
	} else {
		res.Merge, err = r.Merge(ctx, ownerID, remoteRecs)
		if err != nil {
			res.PullErr = err
		}
	}

	res.Push, err = r.Push(ctx, ownerID, progress)
	if err != nil {
		return nil, err
	}

	if res.PullErr == nil {
		res.Trimmed, res.TrimErr = r.Trim(ctx, ownerID)
		if res.TrimErr != nil {
			r.logger.Printf("Trim failed: %v", res.TrimErr)
		}
	}

	res.FinishedAt = r.now()
	r.logger.Printf("Sync pass complete for %s: %d pushed, %d failed, %d excluded, %d merged, %d trimmed",
		ownerID, res.Success(), res.Failed(), res.Push.Excluded, mergedCount(res.Merge), res.Trimmed)

	return res, nil
}

// RetryFailed implements Reconciler.RetryFailed.
func (r *reconciler) RetryFailed(ctx context.Context, ownerID string) (int, error) {
	if ownerID == "" {
		return 0, ErrNoOwner
	}
	n, err := r.store.ResetFailed(ctx, ownerID, r.maxRetries)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed records: %w", err)
	}
	if n > 0 {
		r.logger.Printf("Reset %d failed records for %s", n, ownerID)
	}
	return n, nil
}

func mergedCount(m *MergeResult) int {
	if m == nil {
		return 0
	}
	return m.Applied
}
