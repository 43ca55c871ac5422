// Package pool runs tasks on a bounded, self-healing set of workers.
//
// A Pool keeps a fixed-capacity slot array of workers, an idle queue, a map of
// in-flight occurrences, a damaged queue and a time-ordered waiting set. Three
// control loops drive it:
//   - the Executioner dispatches due entries to idle workers
//   - the Rescuer reclaims workers that finished and re-arms recurring tasks
//   - the Normalizer repairs dead workers and keeps the size within bounds
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"execpool/internal/eventbus"
	"execpool/internal/idgen"
	"execpool/internal/runtime/supervisor"
	logx "execpool/pkg/logx"
)

const (
	loopExecutioner = "pool.executioner"
	loopRescuer     = "pool.rescuer"
	loopNormalizer  = "pool.normalizer"
	goWorker        = "pool.worker"
	goOneShot       = "pool.oneshot"
)

type damagedWorker struct {
	w       *Worker
	replace bool
}

type Pool struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	metrics Metrics
	seq     idgen.Sequence
	sup     *supervisor.Supervisor

	mu           sync.Mutex
	minWorkers   int
	slots        []*Worker
	numWorkers   int
	byID         map[uint64]*Worker
	idle         []*Worker
	working      map[uint64]*entry
	damaged      []damagedWorker
	waiting      waitingSet
	submitClosed bool
	closed       bool
	settleCh     chan struct{}
	nextWorkerID uint64

	wake     chan struct{}
	idleSig  chan struct{}
	finished *finishQueue

	dispatched atomic.Uint64
	done       atomic.Uint64
	died       atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem

	warn       *rate.Limiter
	fatalOnce  sync.Once
	unregister func()
	downOnce   sync.Once
	down       chan struct{}
}

// New creates a pool and starts its control loops.
func New(cfg Config) *Pool {
	cfg = cfg.normalize()
	log := cfg.Logger.With(logx.String("comp", "pool"))

	p := &Pool{
		cfg:        cfg,
		log:        log,
		bus:        cfg.Bus,
		metrics:    cfg.Metrics,
		seq:        cfg.Sequence,
		sup:        supervisor.New(context.Background(), supervisor.WithLogger(log)),
		minWorkers: cfg.MinWorkers,
		slots:      make([]*Worker, cfg.MaxWorkers),
		byID:       map[uint64]*Worker{},
		working:    map[uint64]*entry{},
		settleCh:   make(chan struct{}),
		wake:       make(chan struct{}, 1),
		idleSig:    make(chan struct{}, 1),
		finished:   newFinishQueue(),
		warn:       rate.NewLimiter(rate.Every(10*time.Second), 1),
		down:       make(chan struct{}),
	}

	if cfg.Shutdown != nil && !cfg.Shutdown.Running() {
		p.unregister = cfg.Shutdown.Register("pool", func(context.Context) error {
			p.CloseAsync()
			return nil
		})
	}

	p.sup.Go(loopExecutioner, p.executioner)
	p.sup.Go(loopRescuer, p.rescuer)
	p.sup.Go(loopNormalizer, p.normalizer)

	log.Info("pool started",
		logx.Int("min_workers", cfg.MinWorkers),
		logx.Int("max_workers", cfg.MaxWorkers),
		logx.Duration("normalize_every", cfg.NormalizeEvery),
	)
	return p
}

// Submit schedules fn. Without WithTrigger it runs once, as soon as a worker
// is free.
func (p *Pool) Submit(fn Func, opts ...Option) (*Handle, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	var o taskOptions
	for _, opt := range opts {
		opt(&o)
	}
	h := newHandle(idgen.NewID(), fn, o, p)

	p.mu.Lock()
	if p.submitClosed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	due, ok := h.nextDue(time.Now())
	if !ok {
		p.mu.Unlock()
		h.complete(nil, ErrAbandoned)
		return h, nil
	}
	e := &entry{h: h, index: -1}
	e.rekey(due, p.seq.Next())
	h.entry = e
	top := p.waiting.add(e)
	n := p.waiting.Len()
	p.mu.Unlock()

	if top {
		signal(p.wake)
	}
	p.metrics.Gauges(p.gauges())
	p.log.Debug("task submitted", logx.String("task", h.name), logx.Time("due", due), logx.Int("waiting", n))
	return h, nil
}

// Go runs fn once on a detached one-shot worker that does not occupy a slot.
// ctx is passed to fn.
func (p *Pool) Go(ctx context.Context, fn Func, opts ...Option) (*Handle, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var o taskOptions
	for _, opt := range opts {
		opt(&o)
	}
	o.trig = nil
	h := newHandle(idgen.NewID(), fn, o, nil)

	p.mu.Lock()
	if p.submitClosed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.nextWorkerID++
	w := newWorker(p.nextWorkerID, -1, false, nil)
	p.mu.Unlock()

	run := h.arm()
	if err := w.workOn(&assignment{h: h, ctx: ctx, run: run}); err != nil {
		return nil, err
	}
	p.sup.Go(goOneShot, w.loop)
	return h, nil
}

// SetMinWorkers changes the lower bound. It is clamped to [0, max-1] and
// applied at the next Normalizer pass.
func (p *Pool) SetMinWorkers(n int) int {
	n = min(max(n, 0), p.cfg.MaxWorkers-1)
	p.mu.Lock()
	old := p.minWorkers
	p.minWorkers = n
	p.mu.Unlock()
	if old != n {
		p.log.Info("min workers changed", logx.Int("from", old), logx.Int("to", n))
	}
	return n
}

func (p *Pool) MaxWorkers() int { return p.cfg.MaxWorkers }

// Healthy reports whether the pool accepts work and its control loops run.
func (p *Pool) Healthy() bool {
	p.mu.Lock()
	closed := p.submitClosed
	p.mu.Unlock()
	return !closed && p.loopsAlive()
}

func (p *Pool) loopsAlive() bool {
	return p.sup.Alive(loopExecutioner) && p.sup.Alive(loopRescuer) && p.sup.Alive(loopNormalizer)
}

// withdraw removes a stopped task from the waiting set.
func (p *Pool) withdraw(h *Handle) {
	p.mu.Lock()
	removed := p.waiting.remove(h.entry)
	if removed {
		p.settleLocked()
	}
	p.mu.Unlock()
	if !removed {
		return
	}
	p.finalizeAbandoned(h)
}

func (p *Pool) finalizeAbandoned(h *Handle) {
	h.completeWithLast(ErrAbandoned)
	p.publish(eventbus.TaskAbandoned, TaskEvent{ID: h.id, Name: h.name, Run: h.Runs(), Slot: -1})
	p.log.Info("task abandoned", logx.String("task", h.name), logx.Int("runs", h.Runs()))
}

// borrowLocked returns an idle worker, or a new one while capacity remains.
func (p *Pool) borrowLocked() *Worker {
	for len(p.idle) > 0 {
		w := p.idle[0]
		p.idle[0] = nil
		p.idle = p.idle[1:]
		if !w.Alive() || w.stateOf() != stateIdle {
			p.markDamagedLocked(w, true)
			continue
		}
		return w
	}
	if p.numWorkers < len(p.slots) {
		return p.spawnLocked(p.numWorkers)
	}
	return nil
}

// spawnLocked creates a worker in slot and starts its goroutine. slot is
// either the first free slot or the slot of a worker being replaced.
func (p *Pool) spawnLocked(slot int) *Worker {
	p.nextWorkerID++
	w := newWorker(p.nextWorkerID, slot, true, p)
	if slot == p.numWorkers {
		p.numWorkers++
	}
	p.slots[slot] = w
	p.byID[w.id] = w
	p.sup.Go(goWorker, w.loop)

	p.metrics.WorkerCreated()
	p.publish(eventbus.WorkerCreated, WorkerEvent{ID: w.id, Slot: slot})
	p.log.Debug("worker created", logx.Uint64("worker", w.id), logx.Int("slot", slot))
	return w
}

func (p *Pool) markDamagedLocked(w *Worker, replace bool) {
	if w.damaged {
		return
	}
	w.damaged = true
	p.damaged = append(p.damaged, damagedWorker{w: w, replace: replace})
}

func (p *Pool) removeIdleLocked(w *Worker) {
	for i, x := range p.idle {
		if x == w {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
}

// removeSlotLocked clears w's slot and shifts later workers left so occupied
// slots stay contiguous from index 0.
func (p *Pool) removeSlotLocked(w *Worker) {
	i := int(w.slot.Load())
	if i < 0 || i >= p.numWorkers || p.slots[i] != w {
		return
	}
	copy(p.slots[i:], p.slots[i+1:p.numWorkers])
	p.numWorkers--
	p.slots[p.numWorkers] = nil
	for j := i; j < p.numWorkers; j++ {
		p.slots[j].slot.Store(int32(j))
	}
	w.slot.Store(-1)
}

// settleLocked wakes everyone waiting for the waiting set or the working map
// to shrink.
func (p *Pool) settleLocked() {
	close(p.settleCh)
	p.settleCh = make(chan struct{})
}

// notifyStart runs on the worker goroutine right before the work function.
func (p *Pool) notifyStart(w *Worker, a *assignment, started time.Time) {
	delay := max(started.Sub(a.e.due), 0)
	p.dispatched.Add(1)
	p.metrics.TaskDispatched(a.h.name, delay)
	p.publish(eventbus.TaskDispatched, TaskEvent{
		ID: a.h.id, Name: a.h.name, Run: a.run, Worker: w.id, Slot: a.slot(w),
		DueAt: a.e.due, Started: started, QueueDelay: delay,
	})
	p.log.Debug("task started", logx.String("task", a.h.name), logx.Uint64("worker", w.id), logx.Duration("queue_delay", delay))
}

// notifyFinished runs on the worker goroutine after every occurrence,
// including failed ones.
func (p *Pool) notifyFinished(w *Worker, a *assignment, err error, info runInfo) {
	delay := max(info.started.Sub(a.e.due), 0)
	item := HistoryItem{
		ID: a.h.id, Name: a.h.name, Run: a.run, Worker: w.id, Slot: a.slot(w),
		DueAt: a.e.due, Started: info.started, QueueDelay: delay, Duration: info.took,
	}
	evType := eventbus.TaskFinished
	if err != nil {
		item.Error = err.Error()
		evType = eventbus.TaskFailed
		p.log.Warn("task failed", logx.String("task", a.h.name), logx.Err(err), logx.Duration("dur", info.took))
	} else if info.took >= 750*time.Millisecond {
		p.log.Info("task completed", logx.String("task", a.h.name), logx.Duration("dur", info.took))
	} else {
		p.log.Debug("task completed", logx.String("task", a.h.name), logx.Duration("dur", info.took))
	}
	p.addHistory(item)
	p.done.Add(1)
	p.metrics.TaskFinished(a.h.name, info.took, err)
	p.publish(evType, TaskEvent{
		ID: item.ID, Name: item.Name, Run: item.Run, Worker: item.Worker, Slot: item.Slot,
		DueAt: item.DueAt, Started: item.Started, QueueDelay: item.QueueDelay, Duration: item.Duration, Error: item.Error,
	})

	p.finished.push(w.id)
}

func (a *assignment) slot(w *Worker) int {
	if w.owner == nil {
		return -1
	}
	return int(w.slot.Load())
}

func (p *Pool) addHistory(item HistoryItem) {
	p.hmu.Lock()
	p.history = append(p.history, item)
	if len(p.history) > p.cfg.HistorySize {
		p.history = p.history[len(p.history)-p.cfg.HistorySize:]
	}
	p.hmu.Unlock()
}

func (p *Pool) publish(typ string, data any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func (p *Pool) gauges() Gauges {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gaugesLocked()
}

func (p *Pool) gaugesLocked() Gauges {
	return Gauges{
		Workers: p.numWorkers,
		Idle:    len(p.idle),
		Busy:    len(p.working),
		Damaged: len(p.damaged),
		Waiting: p.waiting.Len(),
	}
}

// Snapshot returns a point-in-time view of the pool.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	s := Snapshot{
		MinWorkers:   p.minWorkers,
		MaxWorkers:   p.cfg.MaxWorkers,
		Gauges:       p.gaugesLocked(),
		SubmitClosed: p.submitClosed,
		Closed:       p.closed,
		Slots:        make([]WorkerInfo, 0, p.numWorkers),
	}
	for i := 0; i < p.numWorkers; i++ {
		w := p.slots[i]
		if w == nil {
			continue
		}
		info := WorkerInfo{ID: w.id, Slot: int(w.slot.Load()), State: w.stateOf().String(), Alive: w.Alive()}
		if e := p.working[w.id]; e != nil {
			info.Task = e.h.name
		}
		s.Slots = append(s.Slots, info)
	}
	p.mu.Unlock()

	s.Dispatched = p.dispatched.Load()
	s.Finished = p.done.Load()
	s.Died = p.died.Load()
	s.Loops = p.sup.Snapshot()

	p.hmu.Lock()
	s.History = append([]HistoryItem(nil), p.history...)
	p.hmu.Unlock()
	return s
}

func (p *Pool) hook(loop string) {
	if p.cfg.loopHook != nil {
		p.cfg.loopHook(loop)
	}
}

func (p *Pool) fatal(err error) {
	p.fatalOnce.Do(func() {
		p.log.Error("pool fatal fault", logx.Err(err))
		p.cfg.OnFatal(err)
	})
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// finishQueue is the unbounded queue of worker ids the Rescuer drains.
type finishQueue struct {
	mu  sync.Mutex
	ids []uint64
	sig chan struct{}
}

func newFinishQueue() *finishQueue {
	return &finishQueue{sig: make(chan struct{}, 1)}
}

func (q *finishQueue) push(id uint64) {
	q.mu.Lock()
	q.ids = append(q.ids, id)
	q.mu.Unlock()
	signal(q.sig)
}

// take blocks until ids are queued or ctx ends.
func (q *finishQueue) take(ctx context.Context) ([]uint64, error) {
	for {
		q.mu.Lock()
		if len(q.ids) > 0 {
			ids := q.ids
			q.ids = nil
			q.mu.Unlock()
			return ids, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.sig:
		}
	}
}

func (p *Pool) String() string {
	g := p.gauges()
	return fmt.Sprintf("pool(workers=%d idle=%d busy=%d waiting=%d)", g.Workers, g.Idle, g.Busy, g.Waiting)
}
