package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"execpool/internal/eventbus"
	"execpool/internal/idgen"
	"execpool/internal/shutdown"
	"execpool/internal/trigger"
)

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	if cfg.NormalizeEvery == 0 {
		cfg.NormalizeEvery = 10 * time.Millisecond
	}
	if cfg.MaxSleep == 0 {
		cfg.MaxSleep = 50 * time.Millisecond
	}
	if cfg.Sequence == nil {
		cfg.Sequence = idgen.NewCounter()
	}
	if cfg.OnFatal == nil {
		cfg.OnFatal = func(err error) { t.Logf("fatal: %v", err) }
	}
	p := New(cfg)
	t.Cleanup(p.CloseAsync)
	return p
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out: "+msg, args...)
}

func awaitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConfigNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		min, max         int
		wantMin, wantMax int
	}{
		{0, 0, 0, 64},
		{-3, 8, 0, 8},
		{4, 4, 4, 64},
		{70, 10, 70, 71},
		{0, 2, 0, 2},
	}
	for _, tt := range tests {
		got := Config{MinWorkers: tt.min, MaxWorkers: tt.max}.normalize()
		if got.MinWorkers != tt.wantMin || got.MaxWorkers != tt.wantMax {
			t.Fatalf("normalize(%d,%d) = (%d,%d), want (%d,%d)", tt.min, tt.max, got.MinWorkers, got.MaxWorkers, tt.wantMin, tt.wantMax)
		}
	}
	c := Config{}.normalize()
	if c.NormalizeEvery != DefaultNormalizeEvery || c.MaxSleep != DefaultMaxSleep || c.HistorySize != DefaultHistorySize {
		t.Fatalf("defaults not applied: %+v", c)
	}
}

func TestThreeTasksOnTwoWorkers(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{MinWorkers: 0, MaxWorkers: 2})

	stop := make(chan struct{})
	var over atomic.Int32
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := p.Snapshot().Workers; n > 2 {
				over.Store(int32(n))
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var handles []*Handle
	for _, name := range []string{"A", "B", "C"} {
		name := name
		h, err := p.Submit(func(ctx context.Context) (any, error) {
			time.Sleep(20 * time.Millisecond)
			return name, nil
		}, WithName(name))
		if err != nil {
			t.Fatalf("Submit(%s): %v", name, err)
		}
		handles = append(handles, h)
	}

	var got []string
	for _, h := range handles {
		v, err := h.Await(awaitCtx(t))
		if err != nil {
			t.Fatalf("Await(%s): %v", h.Name(), err)
		}
		got = append(got, v.(string))
	}
	close(stop)
	sort.Strings(got)
	if fmt.Sprint(got) != "[A B C]" {
		t.Fatalf("results = %v", got)
	}
	if n := over.Load(); n != 0 {
		t.Fatalf("observed %d workers with max 2", n)
	}
}

func TestRecurringTaskRunsForEachInstant(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{MaxWorkers: 2})

	var runs atomic.Int32
	now := time.Now()
	h, err := p.Submit(func(ctx context.Context) (any, error) {
		return int(runs.Add(1)), nil
	}, WithTrigger(trigger.Times(now, now.Add(10*time.Millisecond))))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	v, err := h.Await(awaitCtx(t))
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if v != 2 || runs.Load() != 2 || h.Runs() != 2 {
		t.Fatalf("value=%v runs=%d handle runs=%d, want 2", v, runs.Load(), h.Runs())
	}
	if !h.IsDone() {
		t.Fatal("handle should be permanently done")
	}
	eventually(t, time.Second, func() bool {
		s := p.Snapshot()
		return s.Waiting == 0 && s.Busy == 0
	}, "task still tracked by the pool")

	time.Sleep(30 * time.Millisecond)
	if runs.Load() != 2 {
		t.Fatalf("task ran again after its trigger ended: %d", runs.Load())
	}
}

func TestDispatchFollowsDueOrder(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{MaxWorkers: 1})

	var mu sync.Mutex
	var order []string
	record := func(name string) Func {
		return func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	// Occupy the only worker so every later entry is already due when it frees up.
	gate := make(chan struct{})
	blocker, _ := p.Submit(func(context.Context) (any, error) { <-gate; return nil, nil })
	eventually(t, time.Second, func() bool { return p.Snapshot().Busy == 1 }, "blocker not dispatched")

	base := time.Now().Add(5 * time.Millisecond)
	var hs []*Handle
	for _, tc := range []struct {
		name string
		at   time.Time
	}{
		{"t3", base.Add(3 * time.Millisecond)},
		{"t1", base.Add(1 * time.Millisecond)},
		{"t2", base.Add(2 * time.Millisecond)},
		{"same-a", base.Add(4 * time.Millisecond)},
		{"same-b", base.Add(4 * time.Millisecond)},
	} {
		h, err := p.Submit(record(tc.name), WithTrigger(trigger.At(tc.at)))
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		hs = append(hs, h)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)

	ctx := awaitCtx(t)
	if _, err := blocker.Await(ctx); err != nil {
		t.Fatalf("blocker: %v", err)
	}
	for _, h := range hs {
		if _, err := h.Await(ctx); err != nil {
			t.Fatalf("Await: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 5 {
		t.Fatalf("dispatched %v, want 5 entries", order)
	}
	if order[0] != "t1" || order[1] != "t2" || order[2] != "t3" {
		t.Fatalf("order = %v", order)
	}
}

func TestStopBeforeDispatch(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{MaxWorkers: 2})

	var ran atomic.Bool
	h, err := p.Submit(func(context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	}, WithTrigger(trigger.At(time.Now().Add(30*time.Millisecond))))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.Stop()

	if _, err := h.Await(awaitCtx(t)); !errors.Is(err, ErrAbandoned) {
		t.Fatalf("Await = %v, want ErrAbandoned", err)
	}
	if p.Snapshot().Waiting != 0 {
		t.Fatal("stopped entry still waiting")
	}
	time.Sleep(60 * time.Millisecond)
	if ran.Load() || h.Runs() != 0 {
		t.Fatal("stopped task was dispatched")
	}
}

func TestStopDuringExecutionFinishesOccurrence(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{MaxWorkers: 2})

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var runs atomic.Int32
	h, err := p.Submit(func(context.Context) (any, error) {
		n := runs.Add(1)
		started <- struct{}{}
		<-release
		return int(n), nil
	}, WithTrigger(trigger.Interval(5*time.Millisecond, time.Time{})))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	<-started
	h.Stop()
	if h.IsDone() {
		t.Fatal("handle completed while its occurrence is running")
	}
	close(release)

	v, err := h.Await(awaitCtx(t))
	if err != nil || v != 1 {
		t.Fatalf("Await = %v, %v; want 1, nil", v, err)
	}
	time.Sleep(30 * time.Millisecond)
	if runs.Load() != 1 {
		t.Fatalf("runs = %d after Stop, want 1", runs.Load())
	}
}

func TestTaskErrorsAreCaptured(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{MaxWorkers: 2})
	boom := errors.New("boom")

	h1, _ := p.Submit(func(context.Context) (any, error) { return "ignored", boom })
	h2, _ := p.Submit(func(context.Context) (any, error) { panic("kaboom") })
	ctx := awaitCtx(t)

	v, err := h1.Await(ctx)
	if v != nil || !errors.Is(err, ErrTaskFailed) || !errors.Is(err, boom) {
		t.Fatalf("Await = %v, %v", v, err)
	}
	var te *TaskError
	if !errors.As(err, &te) || errors.Unwrap(err) != boom {
		t.Fatalf("error is not a TaskError wrapping boom: %#v", err)
	}

	_, err = h2.Await(ctx)
	if !errors.As(err, &te) || te.Panic != "kaboom" || te.Stack == "" {
		t.Fatalf("panic not captured: %v", err)
	}
	if _, ok, perr := h2.Poll(); !ok || perr == nil {
		t.Fatal("Poll should report the captured error")
	}

	// Workers survive task failures.
	h3, _ := p.Submit(func(context.Context) (any, error) { return "ok", nil })
	if v, err := h3.Await(ctx); err != nil || v != "ok" {
		t.Fatalf("follow-up task = %v, %v", v, err)
	}
	if p.Snapshot().Died != 0 {
		t.Fatal("task failures must not kill workers")
	}
}

func TestWorkerDeathIsRepaired(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()
	p := newTestPool(t, Config{MaxWorkers: 1, Bus: bus})

	h, err := p.Submit(func(context.Context) (any, error) {
		runtime.Goexit()
		return nil, nil
	}, WithName("doomed"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err = h.Await(awaitCtx(t))
	if !errors.Is(err, ErrWorkerDied) {
		t.Fatalf("Await = %v, want ErrWorkerDied", err)
	}
	if _, again := h.Await(awaitCtx(t)); !errors.Is(again, ErrWorkerDied) {
		t.Fatalf("second Await = %v", again)
	}

	eventually(t, time.Second, func() bool {
		s := p.Snapshot()
		return s.Died == 1 && s.Workers == 1 && s.Idle == 1 && len(s.Slots) == 1 && s.Slots[0].Alive && s.Slots[0].State == "idle"
	}, "slot not refilled with a fresh idle worker: %+v", p.Snapshot())

	h2, _ := p.Submit(func(context.Context) (any, error) { return "alive", nil })
	if v, err := h2.Await(awaitCtx(t)); err != nil || v != "alive" {
		t.Fatalf("replacement worker failed: %v, %v", v, err)
	}

	seen := map[string]bool{}
	for len(events) > 0 {
		seen[(<-events).Type] = true
	}
	for _, typ := range []string{eventbus.WorkerDied, eventbus.WorkerRetired, eventbus.TaskFailed} {
		if !seen[typ] {
			t.Fatalf("missing %s event (saw %v)", typ, seen)
		}
	}
}

func TestRecurringTaskSurvivesWorkerDeath(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{MaxWorkers: 1})

	var runs atomic.Int32
	now := time.Now()
	h, _ := p.Submit(func(context.Context) (any, error) {
		if runs.Add(1) == 1 {
			runtime.Goexit()
		}
		return "second", nil
	}, WithTrigger(trigger.Times(now, now.Add(time.Millisecond))))

	v, err := h.Await(awaitCtx(t))
	if err != nil || v != "second" {
		t.Fatalf("Await = %v, %v", v, err)
	}
	if h.Runs() != 2 {
		t.Fatalf("Runs = %d, want 2", h.Runs())
	}
	var lost bool
	for _, it := range p.Snapshot().History {
		if it.ID == h.ID() && it.Run == 1 && strings.Contains(it.Error, ErrWorkerDied.Error()) {
			lost = true
		}
	}
	if !lost {
		t.Fatalf("first occurrence not recorded as a worker death: %+v", p.Snapshot().History)
	}
}

func TestNormalizerGrowsAndShrinks(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{MinWorkers: 2, MaxWorkers: 8})
	eventually(t, time.Second, func() bool { return p.Snapshot().Workers == 2 }, "pool did not grow to min")

	if got := p.SetMinWorkers(0); got != 0 {
		t.Fatalf("SetMinWorkers(0) = %d", got)
	}

	release := make(chan struct{})
	var hs []*Handle
	for i := 0; i < 7; i++ {
		h, _ := p.Submit(func(context.Context) (any, error) { <-release; return nil, nil })
		hs = append(hs, h)
	}
	eventually(t, time.Second, func() bool { return p.Snapshot().Busy == 7 }, "tasks not spread over 7 workers")
	close(release)
	for _, h := range hs {
		if _, err := h.Await(awaitCtx(t)); err != nil {
			t.Fatalf("Await: %v", err)
		}
	}

	// Each pass stops a third of the idle surplus above max(min,1) until the
	// surplus drops below three.
	eventually(t, 2*time.Second, func() bool { return p.Snapshot().Workers == 3 }, "pool did not shrink: %+v", p.Snapshot().Gauges)

	// Shrinking compacts slots without reordering the survivors.
	shrunk := p.Snapshot().Slots
	for i, w := range shrunk {
		if w.Slot != i || (i > 0 && w.ID <= shrunk[i-1].ID) {
			t.Fatalf("slots after shrink out of order: %+v", shrunk)
		}
	}

	if got := p.SetMinWorkers(100); got != 7 {
		t.Fatalf("SetMinWorkers(100) = %d, want max-1", got)
	}
	eventually(t, time.Second, func() bool { return p.Snapshot().Workers == 7 }, "pool did not grow to new min")

	s := p.Snapshot()
	for i, w := range s.Slots {
		if w.Slot != i {
			t.Fatalf("slots not contiguous: %+v", s.Slots)
		}
	}
}

func TestSlotCorruptionIsFatal(t *testing.T) {
	t.Parallel()
	fatals := make(chan error, 1)
	p := newTestPool(t, Config{MinWorkers: 2, MaxWorkers: 4, OnFatal: func(err error) { fatals <- err }})
	eventually(t, time.Second, func() bool { return p.Snapshot().Workers == 2 }, "pool did not grow")

	p.mu.Lock()
	p.slots[1].slot.Store(3)
	p.mu.Unlock()

	select {
	case err := <-fatals:
		if !errors.Is(err, ErrInternalInconsistency) {
			t.Fatalf("fatal = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("slot corruption not escalated")
	}

	p.mu.Lock()
	p.slots[1].slot.Store(1)
	p.mu.Unlock()
}

func TestControlLoopDeathIsFatal(t *testing.T) {
	t.Parallel()
	fatals := make(chan error, 1)
	var kill atomic.Bool
	cfg := Config{MaxWorkers: 2, OnFatal: func(err error) { fatals <- err }}
	cfg.loopHook = func(loop string) {
		if loop == loopRescuer && kill.Load() {
			runtime.Goexit()
		}
	}
	p := newTestPool(t, cfg)
	if !p.Healthy() {
		t.Fatal("new pool should be healthy")
	}

	kill.Store(true)
	h, _ := p.Submit(func(context.Context) (any, error) { return nil, nil })
	_ = h

	select {
	case err := <-fatals:
		if !errors.Is(err, ErrControlLoopDied) {
			t.Fatalf("fatal = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dead control loop not escalated")
	}
	if p.Healthy() {
		t.Fatal("pool with a dead rescuer reported healthy")
	}
}

func TestCloseWaitAllDrains(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{MaxWorkers: 2})

	now := time.Now()
	var hs []*Handle
	for i := 0; i < 4; i++ {
		h, _ := p.Submit(func(context.Context) (any, error) {
			time.Sleep(5 * time.Millisecond)
			return nil, nil
		}, WithTrigger(trigger.Times(now, now.Add(10*time.Millisecond))))
		hs = append(hs, h)
	}

	if err := p.CloseWaitAll(awaitCtx(t)); err != nil {
		t.Fatalf("CloseWaitAll: %v", err)
	}
	s := p.Snapshot()
	if s.Waiting != 0 || s.Busy != 0 {
		t.Fatalf("pool not drained: %+v", s.Gauges)
	}
	for _, h := range hs {
		if h.Runs() != 2 {
			t.Fatalf("task ran %d times before close, want 2", h.Runs())
		}
	}
	if _, err := p.Submit(func(context.Context) (any, error) { return nil, nil }); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("Submit after close = %v", err)
	}
	if _, err := p.Go(context.Background(), func(context.Context) (any, error) { return nil, nil }); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("Go after close = %v", err)
	}
	if err := p.CloseWaitAll(awaitCtx(t)); err != nil {
		t.Fatalf("second CloseWaitAll: %v", err)
	}
}

func TestCloseWaitAllTimesOut(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{MaxWorkers: 1})
	h, _ := p.Submit(func(context.Context) (any, error) { return nil, nil },
		WithTrigger(trigger.Interval(time.Hour, time.Now().Add(time.Hour))))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := p.CloseWaitAll(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("CloseWaitAll = %v, want deadline exceeded", err)
	}
	if _, err := h.Await(awaitCtx(t)); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("Await = %v, want ErrPoolClosed", err)
	}
}

func TestCloseLetsRunningOccurrenceFinish(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{MaxWorkers: 2})

	started := make(chan struct{})
	release := make(chan struct{})
	running, _ := p.Submit(func(context.Context) (any, error) {
		close(started)
		<-release
		return "finished", nil
	})
	later, _ := p.Submit(func(context.Context) (any, error) { return nil, nil },
		WithTrigger(trigger.At(time.Now().Add(time.Hour))))
	<-started

	closed := make(chan error, 1)
	go func() { closed <- p.Close(awaitCtx(t)) }()

	if _, err := later.Await(awaitCtx(t)); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("waiting task = %v, want ErrPoolClosed", err)
	}
	if _, err := p.Submit(func(context.Context) (any, error) { return nil, nil }); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("Submit during close = %v", err)
	}
	close(release)

	if err := <-closed; err != nil {
		t.Fatalf("Close: %v", err)
	}
	if v, err := running.Await(awaitCtx(t)); err != nil || v != "finished" {
		t.Fatalf("running task = %v, %v", v, err)
	}
	select {
	case <-p.Closed():
	default:
		t.Fatal("Closed() not signaled")
	}
	if err := p.Close(awaitCtx(t)); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	p.CloseAsync()
}

func TestCloseRepairsWorkerThatDiedBeforeClose(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{MaxWorkers: 1, NormalizeEvery: time.Hour})

	h, err := p.Submit(func(context.Context) (any, error) {
		runtime.Goexit()
		return nil, nil
	}, WithName("doomed"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	eventually(t, time.Second, func() bool {
		s := p.Snapshot()
		return len(s.Slots) == 1 && !s.Slots[0].Alive
	}, "worker goroutine did not end")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close = %v after %v", err, time.Since(start))
	}
	if took := time.Since(start); took > time.Second {
		t.Fatalf("Close took %v", took)
	}
	if _, err := h.Await(awaitCtx(t)); !errors.Is(err, ErrWorkerDied) {
		t.Fatalf("Await = %v, want ErrWorkerDied", err)
	}
}

func TestCloseRepairsWorkerThatDiesWhileDraining(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{MaxWorkers: 1, NormalizeEvery: time.Hour})

	started := make(chan struct{})
	release := make(chan struct{})
	h, _ := p.Submit(func(context.Context) (any, error) {
		close(started)
		<-release
		runtime.Goexit()
		return nil, nil
	})
	<-started

	closed := make(chan error, 1)
	go func() { closed <- p.Close(awaitCtx(t)) }()
	eventually(t, time.Second, func() bool {
		_, err := p.Submit(func(context.Context) (any, error) { return nil, nil })
		return errors.Is(err, ErrPoolClosed)
	}, "Close did not stop submissions")
	close(release)

	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a dead worker")
	}
	if _, err := h.Await(awaitCtx(t)); !errors.Is(err, ErrWorkerDied) {
		t.Fatalf("Await = %v, want ErrWorkerDied", err)
	}
}

func TestCloseAsyncReleasesAwaiters(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{MaxWorkers: 1})

	started := make(chan struct{})
	busy, _ := p.Submit(func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	queued, _ := p.Submit(func(context.Context) (any, error) { return nil, nil })
	<-started

	awaited := make(chan error, 2)
	for _, h := range []*Handle{busy, queued} {
		h := h
		go func() {
			_, err := h.Await(context.Background())
			awaited <- err
		}()
	}

	begin := time.Now()
	p.CloseAsync()
	if time.Since(begin) > time.Second {
		t.Fatal("CloseAsync blocked")
	}
	for i := 0; i < 2; i++ {
		select {
		case err := <-awaited:
			if !errors.Is(err, ErrPoolClosed) {
				t.Fatalf("Await = %v, want ErrPoolClosed", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("awaiter not released")
		}
	}
	p.CloseAsync()
	if err := p.CloseWaitAll(awaitCtx(t)); err != nil {
		t.Fatalf("CloseWaitAll after CloseAsync: %v", err)
	}
}

func TestShutdownHookRegistration(t *testing.T) {
	t.Parallel()
	reg := shutdown.NewRegistry()
	p := newTestPool(t, Config{MaxWorkers: 1, Shutdown: reg})
	if reg.Len() != 1 {
		t.Fatalf("hooks = %d, want 1", reg.Len())
	}
	if err := reg.Run(context.Background(), shutdown.ReasonSIGTERM); err != nil {
		t.Fatalf("Run: %v", err)
	}
	select {
	case <-p.Closed():
	case <-time.After(time.Second):
		t.Fatal("shutdown hook did not close the pool")
	}

	reg2 := shutdown.NewRegistry()
	p2 := newTestPool(t, Config{MaxWorkers: 1, Shutdown: reg2})
	if err := p2.Close(awaitCtx(t)); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if reg2.Len() != 0 {
		t.Fatal("hook not removed after close")
	}
}

type runningHooks struct{ registered int }

func (r *runningHooks) Register(string, func(context.Context) error) func() {
	r.registered++
	return func() {}
}

func (r *runningHooks) Running() bool { return true }

func TestNoHookWhileShutdownRunning(t *testing.T) {
	t.Parallel()
	hooks := &runningHooks{}
	newTestPool(t, Config{MaxWorkers: 1, Shutdown: hooks})
	if hooks.registered != 0 {
		t.Fatal("pool registered a hook from inside a running shutdown")
	}
}

func TestGoRunsDetachedWorker(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{MaxWorkers: 1})

	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "v")
	h, err := p.Go(ctx, func(ctx context.Context) (any, error) { return ctx.Value(key{}), nil })
	if err != nil {
		t.Fatalf("Go: %v", err)
	}
	if v, err := h.Await(awaitCtx(t)); err != nil || v != "v" {
		t.Fatalf("Await = %v, %v", v, err)
	}

	dead, _ := p.Go(ctx, func(context.Context) (any, error) {
		runtime.Goexit()
		return nil, nil
	})
	if _, err := dead.Await(awaitCtx(t)); !errors.Is(err, ErrWorkerDied) {
		t.Fatalf("Await = %v, want ErrWorkerDied", err)
	}
	if p.Snapshot().Workers != 0 {
		t.Fatal("detached workers must not occupy slots")
	}
}

func TestTimeoutAndHistory(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{MaxWorkers: 1, HistorySize: 2})

	h, _ := p.Submit(func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, WithName("slow"), WithTimeout(10*time.Millisecond))
	if _, err := h.Await(awaitCtx(t)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Await = %v, want deadline exceeded", err)
	}
	for i := 0; i < 3; i++ {
		h, _ := p.Submit(func(context.Context) (any, error) { return i, nil }, WithName(fmt.Sprintf("n%d", i)))
		if _, err := h.Await(awaitCtx(t)); err != nil {
			t.Fatalf("Await: %v", err)
		}
	}

	s := p.Snapshot()
	if len(s.History) != 2 || s.History[1].Name != "n2" {
		t.Fatalf("history = %+v", s.History)
	}
	if s.Dispatched != 4 || s.Finished != 4 {
		t.Fatalf("counters dispatched=%d finished=%d", s.Dispatched, s.Finished)
	}
	if s.Loops.Counters.Active == 0 {
		t.Fatal("control loop stats missing")
	}
}

func TestSubmitWithExhaustedTrigger(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{MaxWorkers: 1})
	if _, err := p.Submit(nil); !errors.Is(err, ErrNilFunc) {
		t.Fatalf("Submit(nil) = %v", err)
	}
	h, err := p.Submit(func(context.Context) (any, error) { return nil, nil }, WithTrigger(trigger.Times()))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, ok, err := h.Poll(); !ok || !errors.Is(err, ErrAbandoned) {
		t.Fatalf("Poll = %v, %v", ok, err)
	}
}
