package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	stdsync "sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fieldline/fieldsync/internal/schema"
)

// RejectedDir is the inbox subdirectory invalid files are moved to.
const RejectedDir = "rejected"

// InboxStore is the part of the local cache the inbox imports through.
// *db.DB satisfies it.
type InboxStore interface {
	SaveLocal(ctx context.Context, rec *schema.Record) (bool, error)
}

// InboxSource watches a directory for record files dropped by other tools.
//
// Each {id}.json file is imported as a local edit: a new ID is created, a
// known ID is edited. Imported files are removed. Files that fail to parse
// or validate, or belong to another owner, are moved to rejected/. After a
// batch with at least one import the source fires ReasonLocalEdit.
type InboxSource struct {
	Dir      string
	OwnerID  string
	Store    InboxStore
	Debounce time.Duration
	Logger   *log.Logger

	queue   map[string]time.Time // path -> last event
	queueMu stdsync.Mutex
}

// NewInboxSource creates an inbox source with a 250ms debounce.
func NewInboxSource(dir, ownerID string, store InboxStore, logger *log.Logger) *InboxSource {
	if logger == nil {
		logger = log.New(os.Stderr, "[inbox] ", log.LstdFlags)
	}
	return &InboxSource{
		Dir:      dir,
		OwnerID:  ownerID,
		Store:    store,
		Debounce: 250 * time.Millisecond,
		Logger:   logger,
	}
}

// Run implements TriggerSource. Files already in the inbox are imported
// first.
func (s *InboxSource) Run(ctx context.Context, fire func(Reason)) error {
	if s.Store == nil {
		return fmt.Errorf("inbox store cannot be nil")
	}
	if s.Debounce <= 0 {
		s.Debounce = 250 * time.Millisecond
	}
	s.queue = make(map[string]time.Time)

	if err := os.MkdirAll(s.Dir, 0750); err != nil {
		return fmt.Errorf("failed to create inbox directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.Dir); err != nil {
		return fmt.Errorf("failed to watch inbox %s: %w", s.Dir, err)
	}
	s.Logger.Printf("Watching inbox: %s", s.Dir)

	if n := s.ImportAll(ctx); n > 0 {
		fire(ReasonLocalEdit)
	}

	ticker := time.NewTicker(s.Debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			s.queueChange(event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.Logger.Printf("Watcher error: %v", err)

		case <-ticker.C:
			if n := s.processPending(ctx); n > 0 {
				fire(ReasonLocalEdit)
			}
		}
	}
}

func (s *InboxSource) queueChange(path string) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	s.queue[path] = time.Now()
}

// processPending imports files that have been quiet for the debounce
// interval and returns how many were imported.
func (s *InboxSource) processPending(ctx context.Context) int {
	s.queueMu.Lock()
	var ready []string
	now := time.Now()
	for path, queuedAt := range s.queue {
		if now.Sub(queuedAt) < s.Debounce {
			continue
		}
		ready = append(ready, path)
		delete(s.queue, path)
	}
	s.queueMu.Unlock()

	imported := 0
	for _, path := range ready {
		if s.importFile(ctx, path) {
			imported++
		}
	}
	return imported
}

// ImportAll imports every *.json file currently in the inbox and returns
// how many were imported.
func (s *InboxSource) ImportAll(ctx context.Context) int {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		s.Logger.Printf("Failed to read inbox: %v", err)
		return 0
	}

	imported := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if s.importFile(ctx, filepath.Join(s.Dir, entry.Name())) {
			imported++
		}
	}
	return imported
}

// importFile imports one file and reports whether the cache changed.
func (s *InboxSource) importFile(ctx context.Context, path string) bool {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false
	}

	rec, err := schema.ReadRecordFile(path)
	if err == nil && s.OwnerID != "" && rec.OwnerID != s.OwnerID {
		err = &schema.ValidationError{ID: rec.ID, Field: "owner_id", Reason: fmt.Sprintf("belongs to %q, not %q", rec.OwnerID, s.OwnerID)}
	}
	if err != nil {
		if schema.IsValidationError(err) {
			s.reject(path, err)
		} else {
			s.Logger.Printf("Failed to read %s: %v", path, err)
		}
		return false
	}

	created, err := s.Store.SaveLocal(ctx, rec)
	if err != nil {
		if schema.IsValidationError(err) {
			s.reject(path, err)
			return false
		}
		// Leave the file for the next scan.
		s.Logger.Printf("Failed to import %s: %v", rec.ID, err)
		return false
	}

	if err := os.Remove(path); err != nil {
		s.Logger.Printf("Imported %s but failed to remove %s: %v", rec.ID, path, err)
	}
	if created {
		s.Logger.Printf("Imported new record %s (%s)", rec.ID, rec.Title)
	} else {
		s.Logger.Printf("Imported edit to %s (%s)", rec.ID, rec.Title)
	}
	return true
}

func (s *InboxSource) reject(path string, cause error) {
	s.Logger.Printf("WARNING: rejecting %s: %v", filepath.Base(path), cause)

	dir := filepath.Join(s.Dir, RejectedDir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		s.Logger.Printf("Failed to create %s: %v", dir, err)
		return
	}
	if err := os.Rename(path, filepath.Join(dir, filepath.Base(path))); err != nil {
		s.Logger.Printf("Failed to move %s to %s: %v", path, dir, err)
	}
}
