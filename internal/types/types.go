// Package types defines the closed enumerations shared by the cache, the
// remote service and the CLI.
//
// Every enumeration persists as a string. Parsing never fails: a value that
// does not name a known variant resolves to the documented default for its
// type, so a malformed row or remote document degrades instead of aborting
// a sync pass.
package types

import "strings"

// Kind distinguishes inspection reports from tasks.
type Kind string

const (
	KindReport Kind = "report"
	KindTask   Kind = "task"
)

// DefaultKind is used when a stored or remote kind is missing or unknown.
const DefaultKind = KindReport

// Kinds lists every valid kind.
var Kinds = []Kind{KindReport, KindTask}

// IsValid reports whether k is a known kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindReport, KindTask:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }

// ParseKind resolves raw to a Kind, falling back to DefaultKind.
func ParseKind(raw string) Kind {
	k := Kind(normalize(raw))
	if k.IsValid() {
		return k
	}
	return DefaultKind
}

// Status is the workflow state of a record. Reports and tasks have
// disjoint status sets; use ValidFor to check membership.
type Status string

// Report statuses
const (
	StatusDraft       Status = "draft"
	StatusSubmitted   Status = "submitted"
	StatusUnderReview Status = "under_review"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
)

// Task statuses
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var statusesByKind = map[Kind][]Status{
	KindReport: {StatusDraft, StatusSubmitted, StatusUnderReview, StatusApproved, StatusRejected},
	KindTask:   {StatusPending, StatusInProgress, StatusCompleted, StatusCancelled},
}

// Statuses returns the valid statuses for a kind, in workflow order.
func Statuses(kind Kind) []Status {
	out := make([]Status, len(statusesByKind[ParseKind(string(kind))]))
	copy(out, statusesByKind[ParseKind(string(kind))])
	return out
}

// DefaultStatus returns the status a new or unparseable record of the given
// kind starts in: draft for reports, pending for tasks.
func DefaultStatus(kind Kind) Status {
	if ParseKind(string(kind)) == KindTask {
		return StatusPending
	}
	return StatusDraft
}

// ValidFor reports whether s belongs to the status set of kind.
func (s Status) ValidFor(kind Kind) bool {
	for _, candidate := range statusesByKind[ParseKind(string(kind))] {
		if s == candidate {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further workflow transition is expected.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// ParseStatus resolves raw against the status set of kind. Matching is
// case-insensitive and treats '-' and ' ' as '_'. Anything else yields
// DefaultStatus(kind).
func ParseStatus(kind Kind, raw string) Status {
	s := Status(normalize(raw))
	if s.ValidFor(kind) {
		return s
	}
	return DefaultStatus(kind)
}

// Priority orders records for the inspector's worklist.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// DefaultPriority is used when a stored or remote priority is missing or unknown.
const DefaultPriority = PriorityMedium

// Priorities lists every valid priority from lowest to highest.
var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}

// Rank returns 0 (low) through 3 (urgent). Unknown values rank as the default.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	}
	return DefaultPriority.Rank()
}

// IsValid reports whether p is a known priority.
func (p Priority) IsValid() bool {
	for _, candidate := range Priorities {
		if p == candidate {
			return true
		}
	}
	return false
}

func (p Priority) String() string { return string(p) }

// ParsePriority resolves raw to a Priority, falling back to DefaultPriority.
func ParsePriority(raw string) Priority {
	p := Priority(normalize(raw))
	if p.IsValid() {
		return p
	}
	return DefaultPriority
}

func normalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	return strings.NewReplacer("-", "_", " ", "_").Replace(s)
}
