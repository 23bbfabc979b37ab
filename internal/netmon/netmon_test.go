package netmon

import (
	"context"
	"io"
	"log"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func nextEvent(t *testing.T, m *Monitor) bool {
	t.Helper()

	select {
	case online, ok := <-m.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return online
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return false
}

func TestMonitor_EmitsEdgesOnly(t *testing.T) {
	m := New(Config{Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	if m.Online() {
		t.Error("Online() should be false before the first observation")
	}

	// true, true, false, false, true -> true, false, true
	for _, online := range []bool{true, true, false, false, true} {
		m.Report(online)
	}

	want := []bool{true, false, true}
	for i, w := range want {
		if got := nextEvent(t, m); got != w {
			t.Errorf("event %d = %v, want %v", i, got, w)
		}
	}

	select {
	case e := <-m.Events():
		t.Errorf("unexpected extra event %v", e)
	case <-time.After(50 * time.Millisecond):
	}
	if !m.Online() {
		t.Error("Online() = false, want true")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
	if _, ok := <-m.Events(); ok {
		t.Error("events channel should be closed after Run returns")
	}
}

func TestMonitor_FirstObservationIsEdge(t *testing.T) {
	m := New(Config{Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	m.Report(false)
	if got := nextEvent(t, m); got {
		t.Error("first event = true, want false")
	}
}

func TestMonitor_Probes(t *testing.T) {
	var up atomic.Bool
	m := New(Config{
		Prober:   ProberFunc(func(context.Context) bool { return up.Load() }),
		Interval: 10 * time.Millisecond,
		Logger:   quietLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	if got := nextEvent(t, m); got {
		t.Fatal("initial probe should report offline")
	}

	up.Store(true)
	if got := nextEvent(t, m); !got {
		t.Error("probe after recovery should report online")
	}
}

func TestDialProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	addr := ln.Addr().String()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	p := DialProber{Addr: addr, Timeout: time.Second}
	if !p.Probe(context.Background()) {
		t.Error("Probe() = false for a listening address")
	}

	_ = ln.Close()
	if p.Probe(context.Background()) {
		t.Error("Probe() = true after the listener closed")
	}
}

func TestProbeAddr(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{url: "http://couch.local:5984", want: "couch.local:5984"},
		{url: "https://sync.example.com/db", want: "sync.example.com:443"},
		{url: "http://10.0.0.5", want: "10.0.0.5:80"},
		{url: "couch.local", wantErr: true},
		{url: "ftp://files.example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := ProbeAddr(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ProbeAddr() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ProbeAddr() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMonitor_RunTwice(t *testing.T) {
	m := New(Config{Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	m.Report(true)
	if got := nextEvent(t, m); !got {
		t.Fatal("first event = false, want true")
	}

	if err := m.Run(ctx); err == nil {
		t.Error("second Run() should fail")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
	if _, ok := <-m.Events(); ok {
		t.Error("Events() should be closed after Run returns")
	}

	// A Run after the first one returned must not close Events again.
	if err := m.Run(context.Background()); err == nil {
		t.Error("Run() after shutdown should fail")
	}
}
