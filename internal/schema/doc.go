// Package schema defines the record held in the local cache and the JSON
// file format used by the inbox and archive.
//
// # Overview
//
// A Record is either an inspection report or a task. Its domain fields
// (title, status, priority, due date) are what the inspector edits and
// what the remote store holds. Its bookkeeping fields (needs_sync,
// sync_retry_count, last_sync_attempt, local_version) exist only in the
// local cache and drive reconciliation.
//
// # Record Files
//
// Records dropped into the inbox directory are plain JSON named {id}.json:
//
//	{
//	  "id": "5b0c7f0e-3a8e-4c57-9a0c-2f8f5c0d6e11",
//	  "kind": "report",
//	  "owner_id": "inspector-42",
//	  "title": "Roof drainage, block C",
//	  "status": "draft",
//	  "priority": "high",
//	  "created_at": "2026-03-02T09:14:00Z"
//	}
//
// Missing kind, status, priority or timestamps get defaults. Unknown enum
// strings fold onto the documented default for their type instead of
// failing. Any sync bookkeeping in the file is discarded.
//
// # Validation
//
// Validate uses go-playground/validator struct tags plus a kind/status
// pairing check, and always reports failures as *ValidationError.
package schema
