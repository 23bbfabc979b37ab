package daemon

import (
	"context"
	"sync"
	"time"
)

// Reason says why a sync pass was requested.
type Reason string

const (
	// ReasonNetwork is a network-available edge.
	ReasonNetwork Reason = "network"
	// ReasonManual is a user-initiated sync.
	ReasonManual Reason = "manual"
	// ReasonPeriodic is the sync timer.
	ReasonPeriodic Reason = "periodic"
	// ReasonLocalEdit is a batch of records imported from the inbox.
	ReasonLocalEdit Reason = "local_edit"
)

// TriggerSource produces sync requests until ctx is done.
//
// Run must call fire from its own goroutine and return when ctx is
// cancelled. fire never blocks.
type TriggerSource interface {
	Run(ctx context.Context, fire func(Reason)) error
}

// TickerSource fires ReasonPeriodic at a fixed interval. The interval can be
// changed while running.
type TickerSource struct {
	interval time.Duration

	// mu serializes SetInterval so the drain and refill of reset cannot
	// interleave between callers.
	mu    sync.Mutex
	reset chan time.Duration
}

// NewTickerSource returns a periodic source. interval must be positive.
func NewTickerSource(interval time.Duration) *TickerSource {
	return &TickerSource{
		interval: interval,
		reset:    make(chan time.Duration, 1),
	}
}

// SetInterval changes the period. The next tick is a full new interval away.
// Non-positive values are ignored.
func (s *TickerSource) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case s.reset <- d:
	default:
		// Replace a pending, unapplied interval.
		select {
		case <-s.reset:
		default:
		}
		s.reset <- d
	}
}

// Run implements TriggerSource.
func (s *TickerSource) Run(ctx context.Context, fire func(Reason)) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case d := <-s.reset:
			ticker.Reset(d)

		case <-ticker.C:
			fire(ReasonPeriodic)
		}
	}
}
