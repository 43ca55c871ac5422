package pool

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

type workerState int32

const (
	stateIdle workerState = iota
	stateAssigned
	stateRunning
	stateTerminated
)

func (s workerState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAssigned:
		return "assigned"
	case stateRunning:
		return "running"
	case stateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// assignment is one occurrence handed to a worker.
type assignment struct {
	h   *Handle
	e   *entry
	ctx context.Context
	run int
}

type runInfo struct {
	started time.Time
	took    time.Duration
}

// lifecycle is notified around every occurrence a pool worker runs.
type lifecycle interface {
	notifyStart(w *Worker, a *assignment, started time.Time)
	notifyFinished(w *Worker, a *assignment, err error, info runInfo)
	notifyDied(w *Worker)
}

// Worker runs one occurrence at a time on its own goroutine.
//
// A pool worker (keepAlive) loops waiting for the next assignment and reports
// to its owner before and after each occurrence. A one-shot worker runs a
// single task, completes its handle itself and terminates.
type Worker struct {
	id        uint64
	keepAlive bool
	owner     lifecycle

	// slot is written under Pool.mu; damaged is guarded by it.
	slot    atomic.Int32
	damaged bool

	state    atomic.Int32
	abnormal atomic.Bool
	assignCh chan *assignment
	quit     chan struct{}
	quitOnce sync.Once
	exited   chan struct{}

	mu  sync.Mutex
	cur *assignment
}

func newWorker(id uint64, slot int, keepAlive bool, owner lifecycle) *Worker {
	w := &Worker{
		id:        id,
		keepAlive: keepAlive,
		owner:     owner,
		assignCh:  make(chan *assignment, 1),
		quit:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
	w.slot.Store(int32(slot))
	return w
}

func (w *Worker) ID() uint64 { return w.id }

func (w *Worker) stateOf() workerState { return workerState(w.state.Load()) }

// Alive reports whether the worker goroutine is still running.
func (w *Worker) Alive() bool {
	select {
	case <-w.exited:
		return false
	default:
		return true
	}
}

// DiedAbnormally reports whether the goroutine ended outside close().
func (w *Worker) DiedAbnormally() bool { return w.abnormal.Load() }

func (w *Worker) current() *assignment {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur
}

// workOn hands an occurrence to an idle worker.
func (w *Worker) workOn(a *assignment) error {
	if !w.state.CompareAndSwap(int32(stateIdle), int32(stateAssigned)) {
		return fmt.Errorf("%w: worker %d is %s", ErrAlreadyWorking, w.id, w.stateOf())
	}
	w.mu.Lock()
	w.cur = a
	w.mu.Unlock()
	w.assignCh <- a
	return nil
}

// close asks the worker to stop. A running occurrence finishes first.
func (w *Worker) close() {
	w.quitOnce.Do(func() { close(w.quit) })
}

// loop is the worker goroutine. It returns through runtime.Goexit when a
// work function ends its own goroutine; exit then marks the worker dead.
func (w *Worker) loop(ctx context.Context) error {
	clean := false
	defer func() { w.exit(clean) }()
	for {
		select {
		case <-ctx.Done():
			clean = true
			return nil
		case <-w.quit:
			clean = true
			return nil
		case a := <-w.assignCh:
			w.state.Store(int32(stateRunning))
			w.run(ctx, a)
			if !w.keepAlive {
				clean = true
				return nil
			}
		}
	}
}

func (w *Worker) exit(clean bool) {
	if !clean {
		w.abnormal.Store(true)
	}
	w.state.Store(int32(stateTerminated))
	close(w.exited)

	// An assignment that raced with shutdown never ran.
	select {
	case a := <-w.assignCh:
		a.h.complete(nil, ErrPoolClosed)
	default:
	}

	if !clean && w.owner != nil {
		w.owner.notifyDied(w)
	}
	// Nobody else reports for a detached worker.
	if !clean && w.owner == nil {
		if a := w.current(); a != nil {
			a.h.record(nil, workerDiedError(w.id, -1))
			a.h.completeWithLast(nil)
		}
	}
}

func (w *Worker) run(ctx context.Context, a *assignment) {
	started := time.Now()
	if w.owner != nil {
		w.owner.notifyStart(w, a, started)
	}

	runCtx := ctx
	if a.ctx != nil {
		runCtx = a.ctx
	}
	val, err := w.invoke(runCtx, a.h)
	info := runInfo{started: started, took: time.Since(started)}
	a.h.record(val, err)

	w.mu.Lock()
	w.cur = nil
	w.mu.Unlock()

	if w.owner == nil {
		a.h.completeWithLast(nil)
		return
	}
	w.state.Store(int32(stateIdle))
	w.owner.notifyFinished(w, a, err, info)
}

// invoke runs the work function. Non-normal priorities run it on a fresh
// goroutine locked to its own thread; the thread is discarded afterwards so
// the adjusted niceness never leaks into other goroutines.
func (w *Worker) invoke(ctx context.Context, h *Handle) (any, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	if h.priority == PriorityNormal || !prioritySupported {
		return callSafely(ctx, h)
	}

	type result struct {
		val any
		err error
	}
	res := make(chan result, 1)
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		runtime.LockOSThread()
		_ = setThreadPriority(h.priority)
		v, err := callSafely(ctx, h)
		res <- result{v, err}
	}()
	<-gone
	select {
	case r := <-res:
		return r.val, r.err
	default:
		// The work function ended its goroutine; end this one too.
		runtime.Goexit()
		return nil, nil
	}
}

func callSafely(ctx context.Context, h *Handle) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			val = nil
			err = &TaskError{Task: h.name, Err: fmt.Errorf("panic: %v", r), Panic: r, Stack: string(debug.Stack())}
		}
	}()
	v, e := h.fn(ctx)
	if e != nil {
		return nil, &TaskError{Task: h.name, Err: e}
	}
	return v, nil
}
