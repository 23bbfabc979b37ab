package daemon

import (
	"fmt"
	"sync"
)

// State is the phase of the orchestrator's sync state machine.
type State int

const (
	// StateIdle means no pass has run since the last trigger.
	StateIdle State = iota
	// StateInProgress means a pass is pushing records.
	StateInProgress
	// StateCompleted means the last pass finished; see Succeeded and Failed.
	StateCompleted
	// StateError means the last pass could not start.
	StateError
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInProgress:
		return "in_progress"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name so progress reads well in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*s = StateIdle
	case "in_progress":
		*s = StateInProgress
	case "completed":
		*s = StateCompleted
	case "error":
		*s = StateError
	default:
		return fmt.Errorf("unknown sync state %q", b)
	}
	return nil
}

// Progress is a snapshot of the sync state machine. Only the fields that
// belong to State are meaningful.
type Progress struct {
	State State `json:"state"`

	// InProgress
	Current int `json:"current,omitempty"`
	Total   int `json:"total,omitempty"`

	// Completed. Always encoded so a clean pass reads as failed=0.
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	// Error
	Message string `json:"message,omitempty"`
}

// Idle is the resting state.
func Idle() Progress {
	return Progress{State: StateIdle}
}

// InProgress reports that current of total records have been pushed.
func InProgress(current, total int) Progress {
	return Progress{State: StateInProgress, Current: current, Total: total}
}

// Completed reports the outcome of a finished pass.
func Completed(succeeded, failed int) Progress {
	return Progress{State: StateCompleted, Succeeded: succeeded, Failed: failed}
}

// Errored reports a pass that could not start.
func Errored(msg string) Progress {
	return Progress{State: StateError, Message: msg}
}

// HasIssue is true for states the UI shows as a sync issue: an error, or a
// completed pass with failures.
func (p Progress) HasIssue() bool {
	return p.State == StateError || (p.State == StateCompleted && p.Failed > 0)
}

func (p Progress) String() string {
	switch p.State {
	case StateInProgress:
		return fmt.Sprintf("in_progress(%d/%d)", p.Current, p.Total)
	case StateCompleted:
		return fmt.Sprintf("completed(%d ok, %d failed)", p.Succeeded, p.Failed)
	case StateError:
		return fmt.Sprintf("error(%s)", p.Message)
	default:
		return p.State.String()
	}
}

// Tracker holds the live Progress and fans it out to subscribers.
//
// Subscribers get a channel with room for one value. A subscriber that
// falls behind loses intermediate values but always receives the latest.
type Tracker struct {
	mu      sync.Mutex
	current Progress
	subs    map[int]chan Progress
	nextID  int
}

// NewTracker returns a tracker in the Idle state.
func NewTracker() *Tracker {
	return &Tracker{
		current: Idle(),
		subs:    make(map[int]chan Progress),
	}
}

// Current returns the latest progress value.
func (t *Tracker) Current() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Set publishes p to every subscriber.
func (t *Tracker) Set(p Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.current = p
	for _, ch := range t.subs {
		publish(ch, p)
	}
}

// Subscribe returns a channel that receives the current value immediately
// and every later value. Call cancel to unsubscribe; it closes the channel.
func (t *Tracker) Subscribe() (<-chan Progress, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	ch := make(chan Progress, 1)
	ch <- t.current
	t.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// publish replaces any unread value in ch with p. Callers hold t.mu, so
// there is a single sender per channel.
func publish(ch chan Progress, p Progress) {
	select {
	case ch <- p:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- p
}
