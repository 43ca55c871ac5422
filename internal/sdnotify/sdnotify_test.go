package sdnotify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "execpool/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestStateMessages(t *testing.T) {
	t.Parallel()
	var r recorder
	n := New(logx.Nop(), WithNotifyFunc(r.notify), WithWatchdogInterval(-1))
	if !n.Ready() || !n.Status("running") || !n.Stopping() {
		t.Fatal("notifications should report delivery")
	}
	want := []string{"READY=1", "STATUS=running", "STOPPING=1"}
	for i, s := range want {
		if r.states[i] != s {
			t.Fatalf("state %d = %q, want %q", i, r.states[i], s)
		}
	}

	failing := New(logx.Nop(), WithNotifyFunc(func(string) (bool, error) { return false, errors.New("socket") }), WithWatchdogInterval(-1))
	if failing.Ready() {
		t.Fatal("failed notify reported success")
	}
}

func TestWatchdogOnlyPingsWhileHealthy(t *testing.T) {
	t.Parallel()
	var r recorder
	var healthy atomic.Bool
	healthy.Store(true)
	n := New(logx.Nop(), WithNotifyFunc(r.notify), WithWatchdogInterval(4*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Watchdog(ctx, healthy.Load) }()

	deadline := time.Now().Add(5 * time.Second)
	for r.count("WATCHDOG=1") < 3 {
		if time.Now().After(deadline) {
			t.Fatal("no watchdog pings")
		}
		time.Sleep(time.Millisecond)
	}

	healthy.Store(false)
	time.Sleep(20 * time.Millisecond)
	before := r.count("WATCHDOG=1")
	time.Sleep(40 * time.Millisecond)
	if after := r.count("WATCHDOG=1"); after != before {
		t.Fatalf("pinged while unhealthy: %d -> %d", before, after)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watchdog: %v", err)
	}
}

func TestWatchdogDisabledReturns(t *testing.T) {
	t.Parallel()
	n := New(logx.Nop(), WithNotifyFunc(func(string) (bool, error) { return false, nil }), WithWatchdogInterval(-1))
	if err := n.Watchdog(context.Background(), nil); err != nil {
		t.Fatalf("Watchdog: %v", err)
	}
}
