package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/fieldline/fieldsync/internal/schema"
	"github.com/fieldline/fieldsync/internal/types"
)

const (
	docType   = "record"
	docPrefix = "record:"
)

// CouchConfig locates the remote CouchDB database.
type CouchConfig struct {
	URL        string
	Database   string
	Username   string
	Password   string
	Timeout    time.Duration // per call; 0 means no extra deadline
	FetchLimit int           // Mango query limit for FetchByOwner
}

// CouchService implements Service on CouchDB.
type CouchService struct {
	client  *kivik.Client
	db      *kivik.DB
	name    string
	timeout time.Duration
	limit   int
}

var _ Service = (*CouchService)(nil)

type recordDoc struct {
	ID          string `json:"_id"`
	Rev         string `json:"_rev,omitempty"`
	DocType     string `json:"doc_type"`
	Kind        string `json:"kind"`
	OwnerID     string `json:"owner_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	AssignedTo  string `json:"assigned_to,omitempty"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	DueAt       string `json:"due_at,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// NewCouchService connects to CouchDB. It does not create the database;
// call EnsureDatabase for that.
func NewCouchService(cfg CouchConfig) (*CouchService, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("remote url is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("remote database is required")
	}

	dsn, err := withCredentials(cfg.URL, cfg.Username, cfg.Password)
	if err != nil {
		return nil, err
	}

	client, err := kivik.New("couch", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}

	limit := cfg.FetchLimit
	if limit <= 0 {
		limit = 1000
	}

	return &CouchService{
		client:  client,
		db:      client.DB(cfg.Database),
		name:    cfg.Database,
		timeout: cfg.Timeout,
		limit:   limit,
	}, nil
}

// EnsureDatabase creates the database if it does not exist yet.
func (s *CouchService) EnsureDatabase(ctx context.Context) error {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	exists, err := s.client.DBExists(ctx, s.name)
	if err != nil {
		return &NetworkError{Op: "check database", Err: err}
	}
	if exists {
		return nil
	}
	if err := s.client.CreateDB(ctx, s.name); err != nil && kivik.HTTPStatus(err) != http.StatusPreconditionFailed {
		return &NetworkError{Op: "create database", Err: err}
	}
	return nil
}

// Close releases the client's resources.
func (s *CouchService) Close() error {
	return s.client.Close()
}

// FetchByOwner runs a Mango query on owner_id.
func (s *CouchService) FetchByOwner(ctx context.Context, ownerID string) ([]*schema.Record, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"doc_type": docType,
			"owner_id": ownerID,
		},
		"limit": s.limit,
	}

	rows := s.db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return nil, &NetworkError{Op: "fetch by owner", Err: err}
	}
	defer rows.Close()

	var records []*schema.Record
	for rows.Next() {
		var doc recordDoc
		if err := rows.ScanDoc(&doc); err != nil {
			return nil, &NetworkError{Op: "fetch by owner", Err: fmt.Errorf("failed to scan record: %w", err)}
		}
		records = append(records, docToRecord(&doc))
	}
	if err := rows.Err(); err != nil {
		return nil, &NetworkError{Op: "fetch by owner", Err: err}
	}

	return records, nil
}

// Upsert writes rec, reading the current revision first so repeated
// pushes of the same record update one document.
func (s *CouchService) Upsert(ctx context.Context, rec *schema.Record) (string, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	doc := recordToDoc(rec)

	var existing recordDoc
	if err := s.db.Get(ctx, doc.ID).ScanDoc(&existing); err != nil {
		if kivik.HTTPStatus(err) != http.StatusNotFound {
			return "", &NetworkError{Op: "upsert", ID: rec.ID, Err: err}
		}
	} else {
		doc.Rev = existing.Rev
	}

	if _, err := s.db.Put(ctx, doc.ID, doc); err != nil {
		return "", &NetworkError{Op: "upsert", ID: rec.ID, Err: err}
	}
	return rec.ID, nil
}

// Get returns the remote copy of a record.
func (s *CouchService) Get(ctx context.Context, id string) (*schema.Record, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	var doc recordDoc
	if err := s.db.Get(ctx, DocID(id)).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, &NetworkError{Op: "get", ID: id, Err: err}
	}
	return docToRecord(&doc), nil
}

func (s *CouchService) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// DocID maps a record ID to its CouchDB document ID.
func DocID(recordID string) string {
	return docPrefix + recordID
}

func recordToDoc(rec *schema.Record) *recordDoc {
	doc := &recordDoc{
		ID:          DocID(rec.ID),
		DocType:     docType,
		Kind:        string(rec.Kind),
		OwnerID:     rec.OwnerID,
		Title:       rec.Title,
		Description: rec.Description,
		Location:    rec.Location,
		AssignedTo:  rec.AssignedTo,
		Status:      string(rec.Status),
		Priority:    string(rec.Priority),
		CreatedAt:   rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   rec.LocalModifiedAt.UTC().Format(time.RFC3339Nano),
	}
	if rec.LocalModifiedAt.IsZero() {
		doc.UpdatedAt = rec.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	if rec.DueAt != nil {
		doc.DueAt = rec.DueAt.UTC().Format(time.RFC3339Nano)
	}
	return doc
}

// docToRecord is lenient: unknown enums fall back to defaults and bad
// timestamps are left zero, which validation later rejects.
func docToRecord(doc *recordDoc) *schema.Record {
	kind := types.ParseKind(doc.Kind)
	rec := &schema.Record{
		ID:          strings.TrimPrefix(doc.ID, docPrefix),
		Kind:        kind,
		OwnerID:     doc.OwnerID,
		Title:       doc.Title,
		Description: doc.Description,
		Location:    doc.Location,
		AssignedTo:  doc.AssignedTo,
		Status:      types.ParseStatus(kind, doc.Status),
		Priority:    types.ParsePriority(doc.Priority),
		CreatedAt:   parseTime(doc.CreatedAt),
		UpdatedAt:   parseTime(doc.UpdatedAt),
	}
	if doc.DueAt != "" {
		if due := parseTime(doc.DueAt); !due.IsZero() {
			rec.DueAt = &due
		}
	}
	return rec
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func withCredentials(rawURL, user, password string) (string, error) {
	if user == "" {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid remote url: %w", err)
	}
	u.User = url.UserPassword(user, password)
	return u.String(), nil
}
