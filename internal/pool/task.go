package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"execpool/internal/trigger"
)

// Handle is a submitted task: the work function, its trigger and the
// captured outcome.
//
// A one-shot task is done after its only occurrence. A recurring task is done
// once its trigger reports no further instant or Stop is called; Poll and
// Await then report the outcome of the final occurrence. An occurrence lost to
// a dying worker is reported as ErrWorkerDied by Last (until the next
// occurrence finishes) and in the run history; the schedule goes on.
type Handle struct {
	id       string
	name     string
	fn       Func
	trig     trigger.Trigger
	priority Priority
	timeout  time.Duration
	owner    *Pool

	abandoned atomic.Bool

	// entry is owned by the pool and guarded by Pool.mu.
	entry *entry

	mu       sync.Mutex
	runs     int
	recorded bool
	lastVal  any
	lastErr  error
	hasLast  bool
	done     bool
	val      any
	err      error
	doneCh   chan struct{}
}

func newHandle(id string, fn Func, o taskOptions, owner *Pool) *Handle {
	name := o.name
	if name == "" {
		name = id
	}
	trig := o.trig
	if trig == nil {
		trig = trigger.Now()
	}
	return &Handle{
		id:       id,
		name:     name,
		fn:       fn,
		trig:     trig,
		priority: o.priority,
		timeout:  o.timeout,
		owner:    owner,
		recorded: true,
		doneCh:   make(chan struct{}),
	}
}

func (h *Handle) ID() string   { return h.id }
func (h *Handle) Name() string { return h.name }

func (h *Handle) Priority() Priority { return h.priority }

// Poll returns immediately. ok is false while the task is pending.
func (h *Handle) Poll() (val any, ok bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.done {
		return nil, false, nil
	}
	return h.val, true, h.err
}

// Await blocks until the task is done or ctx ends.
func (h *Handle) Await(ctx context.Context) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-h.doneCh:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.val, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the task is permanently finished.
func (h *Handle) Done() <-chan struct{} { return h.doneCh }

func (h *Handle) IsDone() bool {
	select {
	case <-h.doneCh:
		return true
	default:
		return false
	}
}

// Runs returns the number of finished occurrences.
func (h *Handle) Runs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs
}

// Last returns the outcome of the most recent finished occurrence.
func (h *Handle) Last() (val any, err error, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastVal, h.lastErr, h.hasLast
}

// Stop cancels every future occurrence. A running occurrence is not
// interrupted. A task that is only waiting is withdrawn at once and completes
// with ErrAbandoned if it never ran.
func (h *Handle) Stop() {
	if !h.abandoned.CompareAndSwap(false, true) {
		return
	}
	if h.owner != nil {
		h.owner.withdraw(h)
	}
}

// Abandoned reports whether Stop was called.
func (h *Handle) Abandoned() bool { return h.abandoned.Load() }

// arm opens a new occurrence for recording.
func (h *Handle) arm() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recorded = false
	return h.runs + 1
}

// disarm closes an occurrence that never started.
func (h *Handle) disarm() {
	h.mu.Lock()
	h.recorded = true
	h.mu.Unlock()
}

// record stores the outcome of the current occurrence. Only the first call
// per occurrence has an effect.
func (h *Handle) record(val any, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.recorded {
		return false
	}
	h.recorded = true
	h.runs++
	if err != nil {
		val = nil
	}
	h.lastVal, h.lastErr, h.hasLast = val, err, true
	return true
}

// complete finishes the task. Only the first call has an effect.
func (h *Handle) complete(val any, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return false
	}
	if err != nil {
		val = nil
	}
	h.val, h.err, h.done = val, err, true
	close(h.doneCh)
	return true
}

// completeWithLast finishes the task with its last occurrence's outcome, or
// with fallback when nothing ran.
func (h *Handle) completeWithLast(fallback error) bool {
	h.mu.Lock()
	val, err, ok := h.lastVal, h.lastErr, h.hasLast
	h.mu.Unlock()
	if !ok {
		return h.complete(nil, fallback)
	}
	return h.complete(val, err)
}

// nextDue consults the trigger unless the task was stopped.
func (h *Handle) nextDue(now time.Time) (time.Time, bool) {
	if h.abandoned.Load() {
		return time.Time{}, false
	}
	return h.trig.Next(now)
}
