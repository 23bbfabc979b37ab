package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/fieldline/fieldsync/internal/sync"
)

var (
	// ErrSyncInProgress is returned by SyncNow when a pass is already running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrOffline is returned by SyncNow when the network is known to be down.
	ErrOffline = errors.New("network unavailable")
)

// Store is the part of the local cache the orchestrator reports from.
type Store interface {
	PendingCount(ctx context.Context, ownerID string) (int, error)
}

// Listener observes the orchestrator. Callbacks run on orchestrator
// goroutines and must not block for long.
type Listener interface {
	OnProgress(p Progress)
	OnPending(count int)
	OnConnectivity(online bool)
	OnPassComplete(res *sync.Result)
}

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is the period of the built-in timer. Zero disables it.
	SyncInterval time.Duration

	// PassTimeout bounds one sync pass. A pass is not cancelled by Stop;
	// this is the only limit on how long shutdown waits for it.
	PassTimeout time.Duration

	// SyncOnStart requests a pass as soon as Start runs.
	SyncOnStart bool

	// Sources are extra trigger sources run for the daemon's lifetime.
	Sources []TriggerSource

	// Connectivity delivers network edges, usually netmon.Monitor.Events().
	// When nil the daemon assumes it is online.
	Connectivity <-chan bool

	// Listener, if set, is notified of progress and pending changes.
	Listener Listener

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval: 5 * time.Minute,
		PassTimeout:  10 * time.Minute,
		SyncOnStart:  true,
		Logger:       log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon drives the reconciler for one owner. It turns triggers into sync
// passes, guarantees at most one pass at a time and publishes progress.
type Daemon struct {
	reconciler sync.Reconciler
	store      Store
	ownerID    string
	config     *Config

	tracker *Tracker
	ticker  *TickerSource

	triggers     chan Reason
	connectivity chan bool

	running atomic.Bool // a pass is in flight
	online  atomic.Bool
	started atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// New creates a daemon with DefaultConfig.
//
// Use Start() to begin scheduling passes, or SyncNow() for a single pass
// without starting the daemon.
func New(r sync.Reconciler, store Store, ownerID string) (*Daemon, error) {
	return NewWithConfig(r, store, ownerID, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(r sync.Reconciler, store Store, ownerID string, config *Config) (*Daemon, error) {
	if r == nil {
		return nil, fmt.Errorf("reconciler cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if ownerID == "" {
		return nil, sync.ErrNoOwner
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.PassTimeout <= 0 {
		config.PassTimeout = DefaultConfig().PassTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		reconciler:   r,
		store:        store,
		ownerID:      ownerID,
		config:       config,
		tracker:      NewTracker(),
		triggers:     make(chan Reason, 16),
		connectivity: make(chan bool, 16),
		ctx:          ctx,
		cancel:       cancel,
	}
	d.online.Store(true)
	if config.SyncInterval > 0 {
		d.ticker = NewTickerSource(config.SyncInterval)
	}
	return d, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Run the trigger loop and every trigger source
// 2. Forward connectivity edges into the loop
// 3. Request an initial pass if SyncOnStart is set
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return fmt.Errorf("daemon already started")
	}
	d.config.Logger.Printf("Starting daemon for %s", d.ownerID)

	sources := d.config.Sources
	if d.ticker != nil {
		sources = append([]TriggerSource{d.ticker}, sources...)
	}

	d.wg.Add(1)
	go d.loop()

	for _, src := range sources {
		d.wg.Add(1)
		go func(src TriggerSource) {
			defer d.wg.Done()
			if err := src.Run(d.ctx, d.Trigger); err != nil {
				d.config.Logger.Printf("Trigger source stopped: %v", err)
			}
		}(src)
	}

	if d.config.Connectivity != nil {
		d.wg.Add(1)
		go d.forwardConnectivity(d.config.Connectivity)
	}

	d.refreshPending(d.ctx)
	if d.config.SyncOnStart {
		d.Trigger(ReasonPeriodic)
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. An in-flight pass runs to
// completion first.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()
	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// Trigger requests a pass. It never blocks: a request that finds the queue
// full is dropped, since a queued request already covers it.
func (d *Daemon) Trigger(reason Reason) {
	select {
	case d.triggers <- reason:
	default:
		d.config.Logger.Printf("Trigger queue full, dropping %s trigger", reason)
	}
}

// SetOnline reports a connectivity observation. It is safe to call from any
// goroutine; the state change is applied by the loop.
func (d *Daemon) SetOnline(online bool) {
	select {
	case d.connectivity <- online:
	case <-d.ctx.Done():
	}
}

// SetSyncInterval changes the period of the built-in timer. It has no effect
// when the daemon was created without one.
func (d *Daemon) SetSyncInterval(interval time.Duration) {
	if d.ticker == nil {
		return
	}
	d.ticker.SetInterval(interval)
	d.config.Logger.Printf("Sync interval set to %s", interval)
}

// Online returns the last known connectivity state.
func (d *Daemon) Online() bool {
	return d.online.Load()
}

// Progress returns the live progress value.
func (d *Daemon) Progress() Progress {
	return d.tracker.Current()
}

// Subscribe streams progress values. See Tracker.Subscribe.
func (d *Daemon) Subscribe() (<-chan Progress, func()) {
	return d.tracker.Subscribe()
}

// PendingCount returns the number of dirty records for the owner.
func (d *Daemon) PendingCount(ctx context.Context) (int, error) {
	return d.store.PendingCount(ctx, d.ownerID)
}

// OwnerID returns the owner the daemon syncs.
func (d *Daemon) OwnerID() string {
	return d.ownerID
}

// SyncNow runs one pass on the calling goroutine and returns its result.
//
// It fails fast with ErrOffline when the network is known to be down and
// with ErrSyncInProgress when another pass holds the guard. It does not
// require Start.
func (d *Daemon) SyncNow(ctx context.Context) (*sync.Result, error) {
	if !d.online.Load() {
		return nil, ErrOffline
	}
	if !d.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer d.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, d.config.PassTimeout)
	defer cancel()
	return d.pass(ctx, ReasonManual)
}

// loop owns trigger and connectivity handling.
func (d *Daemon) loop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case reason := <-d.triggers:
			d.handleTrigger(reason)

		case online := <-d.connectivity:
			d.handleConnectivity(online)
		}
	}
}

func (d *Daemon) handleTrigger(reason Reason) {
	if !d.online.Load() {
		d.config.Logger.Printf("Offline, ignoring %s trigger", reason)
		return
	}
	if !d.running.CompareAndSwap(false, true) {
		d.config.Logger.Printf("Pass in progress, ignoring %s trigger", reason)
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.running.Store(false)

		// Detached from d.ctx: a pass is never cancelled mid-way.
		ctx, cancel := context.WithTimeout(context.Background(), d.config.PassTimeout)
		defer cancel()
		_, _ = d.pass(ctx, reason)
	}()
}

func (d *Daemon) handleConnectivity(online bool) {
	was := d.online.Swap(online)
	if was == online {
		return
	}

	if online {
		d.config.Logger.Println("Network available")
	} else {
		d.config.Logger.Println("Network lost")
	}
	if l := d.config.Listener; l != nil {
		l.OnConnectivity(online)
	}
	if online {
		d.handleTrigger(ReasonNetwork)
	}
}

func (d *Daemon) forwardConnectivity(events <-chan bool) {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case online, ok := <-events:
			if !ok {
				return
			}
			d.SetOnline(online)
		}
	}
}

// pass runs one reconciler pass and drives the state machine. The caller
// holds the running guard.
func (d *Daemon) pass(ctx context.Context, reason Reason) (*sync.Result, error) {
	if st := d.tracker.Current().State; st == StateCompleted || st == StateError {
		d.setProgress(Idle())
	}

	// A cache that cannot count cannot run a pass; go straight to Error.
	if _, err := d.store.PendingCount(ctx, d.ownerID); err != nil {
		err = fmt.Errorf("cache unavailable: %w", err)
		d.config.Logger.Printf("Sync could not start: %v", err)
		d.setProgress(Errored(err.Error()))
		return nil, err
	}

	d.config.Logger.Printf("Starting %s sync", reason)
	d.setProgress(InProgress(0, 0))

	res, err := d.reconciler.Sync(ctx, d.ownerID, func(current, total int) {
		d.setProgress(InProgress(current, total))
	})
	if err != nil {
		d.config.Logger.Printf("Sync could not start: %v", err)
		d.setProgress(Errored(err.Error()))
		d.refreshPending(ctx)
		return nil, err
	}

	d.setProgress(Completed(res.Success(), res.Failed()))
	if res.PullErr != nil {
		d.config.Logger.Printf("WARNING: pull failed during %s sync: %v", reason, res.PullErr)
	}
	d.refreshPending(ctx)
	if l := d.config.Listener; l != nil {
		l.OnPassComplete(res)
	}
	return res, nil
}

func (d *Daemon) setProgress(p Progress) {
	d.tracker.Set(p)
	if l := d.config.Listener; l != nil {
		l.OnProgress(p)
	}
}

func (d *Daemon) refreshPending(ctx context.Context) {
	n, err := d.store.PendingCount(ctx, d.ownerID)
	if err != nil {
		d.config.Logger.Printf("Failed to count pending records: %v", err)
		return
	}
	if l := d.config.Listener; l != nil {
		l.OnPending(n)
	}
}
