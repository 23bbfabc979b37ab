// Package netmon watches network availability and reports it as edges.
//
// A Monitor combines two kinds of observation: periodic probes made by a
// Prober, and reports pushed in from outside through Report (for example
// an OS connectivity callback). Both are serialized through the monitor's
// loop, and Events only emits when the state changes.
package netmon

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"sync/atomic"
	"time"
)

// Prober checks whether the network is usable right now.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// DialProber reports the network as available when a TCP connection to Addr
// succeeds within Timeout.
type DialProber struct {
	Addr    string
	Timeout time.Duration
}

// Probe implements Prober.
func (p DialProber) Probe(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// ProbeAddr derives a host:port to dial from a service URL, defaulting the
// port from the scheme.
func ProbeAddr(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}

	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		case "http":
			port = "80"
		default:
			return "", fmt.Errorf("url %q has no port", rawURL)
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// Config holds configuration for a Monitor.
type Config struct {
	// Prober is polled every Interval. When nil only Report feeds the monitor.
	Prober Prober

	// Interval between probes.
	Interval time.Duration

	// Logger for connectivity changes
	Logger *log.Logger
}

// Monitor tracks connectivity and emits edges.
type Monitor struct {
	prober   Prober
	interval time.Duration
	logger   *log.Logger

	reports chan bool
	events  chan bool

	started atomic.Bool
	online  atomic.Bool
	known   bool // only touched by the loop
}

// New creates a monitor. Call Run to start it.
func New(config Config) *Monitor {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[netmon] ", log.LstdFlags)
	}
	return &Monitor{
		prober:   config.Prober,
		interval: config.Interval,
		logger:   config.Logger,
		reports:  make(chan bool, 16),
		events:   make(chan bool, 4),
	}
}

// Events emits true when the network becomes available and false when it is
// lost. The first observation is always emitted. The channel is closed when
// Run returns.
func (m *Monitor) Events() <-chan bool {
	return m.events
}

// Online returns the last observed state. It is false until the first
// observation.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Report feeds an external observation into the monitor. It is safe to call
// from any goroutine and never blocks; when the queue is full the
// observation is dropped in favour of the ones already queued.
func (m *Monitor) Report(online bool) {
	select {
	case m.reports <- online:
	default:
		m.logger.Printf("Report queue full, dropping observation online=%v", online)
	}
}

// Run probes immediately and then every interval, merging in reported
// observations, until ctx is done. A Monitor runs once; a second call
// returns an error.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("monitor already started")
	}
	defer close(m.events)

	var tick <-chan time.Time
	if m.prober != nil {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		tick = ticker.C

		if !m.observe(ctx, m.prober.Probe(ctx)) {
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case online := <-m.reports:
			if !m.observe(ctx, online) {
				return nil
			}

		case <-tick:
			if !m.observe(ctx, m.prober.Probe(ctx)) {
				return nil
			}
		}
	}
}

// observe records a state and emits it if it is an edge. It returns false
// when ctx ended while emitting.
func (m *Monitor) observe(ctx context.Context, online bool) bool {
	if m.known && m.online.Load() == online {
		return true
	}
	m.known = true
	m.online.Store(online)

	if online {
		m.logger.Println("Network available")
	} else {
		m.logger.Println("Network unavailable")
	}

	select {
	case m.events <- online:
		return true
	case <-ctx.Done():
		return false
	}
}
