package shutdown

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"
)

func TestRunIsLIFOAndOnce(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	var order []string
	r.Register("first", func(context.Context) error { order = append(order, "first"); return nil })
	unreg := r.Register("removed", func(context.Context) error { order = append(order, "removed"); return nil })
	r.Register("last", func(ctx context.Context) error {
		if !r.Running() {
			t.Error("Running() should be true inside a hook")
		}
		order = append(order, "last")
		return nil
	})
	unreg()
	unreg()
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}

	if err := r.Run(context.Background(), ReasonSIGTERM); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := r.Run(context.Background(), ReasonSIGTERM); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(order) != 2 || order[0] != "last" || order[1] != "first" {
		t.Fatalf("order = %v", order)
	}
	if r.Running() {
		t.Fatal("Running() should be false after Run")
	}
}

func TestRunReportsErrorsAndTimeouts(t *testing.T) {
	t.Parallel()
	r := NewRegistry(WithStepTimeout(20 * time.Millisecond))
	boom := errors.New("boom")
	r.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	r.Register("panics", func(context.Context) error { panic("oops") })
	r.Register("fails", func(context.Context) error { return boom })

	err := r.Run(context.Background(), ReasonFatal)
	if !errors.Is(err, boom) {
		t.Fatalf("Run() = %v, want first error boom", err)
	}
}

func TestReasonFor(t *testing.T) {
	t.Parallel()
	if reasonFor(syscall.SIGTERM) != ReasonSIGTERM || reasonFor(syscall.SIGINT) != ReasonSIGINT {
		t.Fatal("signal mapping mismatch")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := Wait(ctx); got != ReasonContext {
		t.Fatalf("Wait(canceled) = %v", got)
	}
}
