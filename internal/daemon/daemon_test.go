package daemon

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/fieldline/fieldsync/internal/schema"
	"github.com/fieldline/fieldsync/internal/sync"
)

// fakeReconciler reports a fixed number of pushed records per pass. When
// block is set, Sync waits on it after signalling started.
type fakeReconciler struct {
	mu    stdsync.Mutex
	calls int

	total   int
	failed  int
	err     error
	block   chan struct{}
	started chan struct{}
}

func (f *fakeReconciler) Sync(ctx context.Context, ownerID string, progress sync.ProgressFunc) (*sync.Result, error) {
	f.mu.Lock()
	f.calls++
	total, failed, err := f.total, f.failed, f.err
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if err != nil {
		return nil, err
	}

	progress(0, total)
	for i := 1; i <= total; i++ {
		progress(i, total)
	}
	return &sync.Result{
		OwnerID: ownerID,
		Merge:   &sync.MergeResult{},
		Push:    &sync.PushResult{Candidates: total, Pushed: total - failed, Failed: failed},
	}, nil
}

func (f *fakeReconciler) Merge(context.Context, string, []*schema.Record) (*sync.MergeResult, error) {
	return &sync.MergeResult{}, nil
}

func (f *fakeReconciler) Push(context.Context, string, sync.ProgressFunc) (*sync.PushResult, error) {
	return &sync.PushResult{}, nil
}

func (f *fakeReconciler) Trim(context.Context, string) (int, error) { return 0, nil }

func (f *fakeReconciler) RetryFailed(context.Context, string) (int, error) { return 0, nil }

func (f *fakeReconciler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeReconciler) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeStore struct {
	mu      stdsync.Mutex
	pending int
	err     error
}

func (s *fakeStore) PendingCount(context.Context, string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending, s.err
}

func (s *fakeStore) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

type recordingListener struct {
	mu       stdsync.Mutex
	progress []Progress
	pending  []int
	online   []bool
	passes   []*sync.Result
}

func (l *recordingListener) OnProgress(p Progress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.progress = append(l.progress, p)
}

func (l *recordingListener) OnPending(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, n)
}

func (l *recordingListener) OnConnectivity(online bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.online = append(l.online, online)
}

func (l *recordingListener) OnPassComplete(res *sync.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.passes = append(l.passes, res)
}

func (l *recordingListener) states() []Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Progress(nil), l.progress...)
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  stdsync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig() *Config {
	config := DefaultConfig()
	config.SyncInterval = 0
	config.SyncOnStart = false
	config.Logger = log.New(io.Discard, "", 0)
	return config
}

func newTestDaemon(t *testing.T, r *fakeReconciler, config *Config) *Daemon {
	t.Helper()

	d, err := NewWithConfig(r, &fakeStore{pending: 2}, "inspector-1", config)
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNew(t *testing.T) {
	r := &fakeReconciler{}
	store := &fakeStore{}

	tests := []struct {
		name    string
		r       sync.Reconciler
		store   Store
		owner   string
		wantErr bool
	}{
		{name: "valid configuration", r: r, store: store, owner: "inspector-1"},
		{name: "nil reconciler", r: nil, store: store, owner: "inspector-1", wantErr: true},
		{name: "nil store", r: r, store: nil, owner: "inspector-1", wantErr: true},
		{name: "empty owner", r: r, store: store, owner: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.r, tt.store, tt.owner)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if d != nil {
				if !d.Online() {
					t.Error("new daemon should assume it is online")
				}
				if got := d.Progress(); got.State != StateIdle {
					t.Errorf("initial progress = %v, want idle", got)
				}
			}
		})
	}
}

func TestSyncNow_StateTransitions(t *testing.T) {
	r := &fakeReconciler{total: 3, failed: 1}
	listener := &recordingListener{}
	config := testConfig()
	config.Listener = listener
	d := newTestDaemon(t, r, config)

	res, err := d.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if res.Success() != 2 || res.Failed() != 1 {
		t.Errorf("result = %d ok / %d failed, want 2/1", res.Success(), res.Failed())
	}

	want := []Progress{
		InProgress(0, 0),
		InProgress(0, 3),
		InProgress(1, 3),
		InProgress(2, 3),
		InProgress(3, 3),
		Completed(2, 1),
	}
	got := listener.states()
	if len(got) != len(want) {
		t.Fatalf("progress sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("progress[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if p := d.Progress(); p != Completed(2, 1) || !p.HasIssue() {
		t.Errorf("final progress = %v (issue=%v), want completed with issue", p, p.HasIssue())
	}
	if len(listener.pending) != 1 || listener.pending[0] != 2 {
		t.Errorf("pending notifications = %v, want [2]", listener.pending)
	}
	if len(listener.passes) != 1 {
		t.Errorf("pass notifications = %d, want 1", len(listener.passes))
	}
}

func TestSyncNow_ErrorState(t *testing.T) {
	r := &fakeReconciler{err: errors.New("cache unavailable: disk I/O error")}
	listener := &recordingListener{}
	config := testConfig()
	config.Listener = listener
	d := newTestDaemon(t, r, config)

	if _, err := d.SyncNow(context.Background()); err == nil {
		t.Fatal("SyncNow() should fail when the pass cannot start")
	}
	p := d.Progress()
	if p.State != StateError || !strings.Contains(p.Message, "cache unavailable") {
		t.Errorf("progress = %v, want error state with message", p)
	}
	if len(listener.passes) != 0 {
		t.Errorf("failed start should not report a completed pass")
	}

	// The next pass leaves Error through Idle.
	r.setErr(nil)
	if _, err := d.SyncNow(context.Background()); err != nil {
		t.Fatalf("second SyncNow() error = %v", err)
	}
	states := listener.states()
	if len(states) < 3 || states[2] != Idle() {
		t.Errorf("progress after error = %v, want Idle before the next pass", states)
	}
	if d.Progress().State != StateCompleted {
		t.Errorf("progress = %v, want completed", d.Progress())
	}
}

func TestSyncNow_UnavailableCacheGoesStraightToError(t *testing.T) {
	r := &fakeReconciler{total: 1}
	store := &fakeStore{err: errors.New("disk I/O error")}
	listener := &recordingListener{}
	config := testConfig()
	config.Listener = listener

	d, err := NewWithConfig(r, store, "inspector-1", config)
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}

	if _, err := d.SyncNow(context.Background()); err == nil {
		t.Fatal("SyncNow() should fail when the cache is unavailable")
	}
	if r.callCount() != 0 {
		t.Errorf("reconciler called %d times, want 0", r.callCount())
	}
	states := listener.states()
	if len(states) != 1 || states[0].State != StateError {
		t.Fatalf("progress = %v, want a single error state", states)
	}
	if !strings.Contains(states[0].Message, "cache unavailable") {
		t.Errorf("message = %q, want cache unavailable", states[0].Message)
	}

	store.setErr(nil)
	if _, err := d.SyncNow(context.Background()); err != nil {
		t.Fatalf("second SyncNow() error = %v", err)
	}
	states = listener.states()
	if len(states) < 3 || states[1] != Idle() || states[2] != InProgress(0, 0) {
		t.Errorf("progress = %v, want error, idle, then in_progress", states)
	}
}

func TestSyncNow_Reentrancy(t *testing.T) {
	r := &fakeReconciler{
		total:   1,
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	d := newTestDaemon(t, r, testConfig())

	done := make(chan error, 1)
	go func() {
		_, err := d.SyncNow(context.Background())
		done <- err
	}()
	<-r.started

	if _, err := d.SyncNow(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("concurrent SyncNow() error = %v, want ErrSyncInProgress", err)
	}
	d.handleTrigger(ReasonPeriodic)
	if p := d.Progress(); p.State != StateInProgress {
		t.Errorf("progress during pass = %v, want in_progress", p)
	}

	close(r.block)
	if err := <-done; err != nil {
		t.Fatalf("first SyncNow() error = %v", err)
	}
	if got := r.callCount(); got != 1 {
		t.Errorf("reconciler ran %d passes, want 1", got)
	}

	// The guard is released once the pass ends.
	r.block = nil
	r.started = nil
	if _, err := d.SyncNow(context.Background()); err != nil {
		t.Errorf("SyncNow() after pass error = %v", err)
	}
}

func TestSyncNow_Offline(t *testing.T) {
	r := &fakeReconciler{total: 1}
	listener := &recordingListener{}
	config := testConfig()
	config.Listener = listener
	d := newTestDaemon(t, r, config)

	d.handleConnectivity(false)
	if d.Online() {
		t.Fatal("daemon should be offline")
	}
	if _, err := d.SyncNow(context.Background()); !errors.Is(err, ErrOffline) {
		t.Errorf("SyncNow() error = %v, want ErrOffline", err)
	}
	d.handleTrigger(ReasonPeriodic)
	if got := r.callCount(); got != 0 {
		t.Errorf("reconciler ran %d passes while offline, want 0", got)
	}
	if len(listener.online) != 1 || listener.online[0] {
		t.Errorf("connectivity notifications = %v, want [false]", listener.online)
	}
}

func TestDaemon_ConnectivityEdges(t *testing.T) {
	r := &fakeReconciler{total: 1}
	logs := &syncBuffer{}
	conn := make(chan bool)

	config := testConfig()
	config.SyncOnStart = true
	config.Connectivity = conn
	config.Logger = log.New(logs, "", 0)
	d := newTestDaemon(t, r, config)

	ctx, cancel := context.WithCancel(context.Background())
	startErr := make(chan error, 1)
	go func() { startErr <- d.Start(ctx) }()

	waitFor(t, "startup pass", func() bool {
		return r.callCount() == 1 && d.Progress().State == StateCompleted
	})

	conn <- false
	waitFor(t, "offline", func() bool { return !d.Online() })

	d.Trigger(ReasonManual)
	waitFor(t, "dropped trigger", func() bool {
		return strings.Contains(logs.String(), "Offline, ignoring manual trigger")
	})
	if got := r.callCount(); got != 1 {
		t.Errorf("reconciler ran %d passes, want 1 while offline", got)
	}

	conn <- true
	waitFor(t, "network pass", func() bool { return r.callCount() == 2 })
	if !strings.Contains(logs.String(), "Starting network sync") {
		t.Errorf("network edge should start a network sync, logs:\n%s", logs.String())
	}

	cancel()
	select {
	case err := <-startErr:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
}

func TestDaemon_StopWaitsForPass(t *testing.T) {
	r := &fakeReconciler{
		total:   1,
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	config := testConfig()
	config.SyncOnStart = true
	d := newTestDaemon(t, r, config)

	go func() { _ = d.Start(context.Background()) }()
	<-r.started

	stopped := make(chan struct{})
	go func() {
		_ = d.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop() returned while a pass was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(r.block)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return after the pass finished")
	}
	if p := d.Progress(); p.State != StateCompleted {
		t.Errorf("progress = %v, want completed", p)
	}
}

func TestDaemon_StartTwice(t *testing.T) {
	d := newTestDaemon(t, &fakeReconciler{}, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Start(ctx) }()

	waitFor(t, "start", func() bool { return d.started.Load() })
	if err := d.Start(ctx); err == nil {
		t.Error("second Start() should fail")
	}
}

func TestTickerSource_ConcurrentSetIntervalWithoutRun(t *testing.T) {
	src := NewTickerSource(time.Minute)

	var wg stdsync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src.SetInterval(time.Duration(i) * time.Second)
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("SetInterval blocked with no Run loop consuming")
	}

	select {
	case d := <-src.reset:
		if d <= 0 {
			t.Errorf("pending interval = %v, want positive", d)
		}
	default:
		t.Error("no pending interval after SetInterval")
	}
}

func TestTickerSource(t *testing.T) {
	src := NewTickerSource(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	fired := make(chan Reason, 10)
	done := make(chan error, 1)
	go func() {
		done <- src.Run(ctx, func(r Reason) {
			select {
			case fired <- r:
			default:
			}
		})
	}()

	for i := 0; i < 3; i++ {
		select {
		case r := <-fired:
			if r != ReasonPeriodic {
				t.Errorf("reason = %s, want periodic", r)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("ticker did not fire")
		}
	}

	src.SetInterval(time.Hour)
	src.SetInterval(0) // ignored

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}
