// Package recorder persists finished task occurrences from the event bus.
package recorder

import (
	"context"
	"sync/atomic"
	"time"

	"execpool/internal/eventbus"
	"execpool/internal/pool"
	"execpool/internal/storage"
	logx "execpool/pkg/logx"
)

const (
	DefaultBuffer       = 256
	DefaultWriteTimeout = 2 * time.Second
)

// Recorder subscribes at construction so no event published after New is
// missed, even if Run starts later.
type Recorder struct {
	st      storage.Store
	log     logx.Logger
	events  <-chan eventbus.Event
	unsub   func()
	timeout time.Duration

	written atomic.Uint64
	failed  atomic.Uint64
}

type Option func(*Recorder)

func WithWriteTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func New(bus eventbus.Bus, st storage.Store, log logx.Logger, opts ...Option) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Recorder{st: st, log: log.With(logx.String("comp", "recorder")), timeout: DefaultWriteTimeout}
	for _, o := range opts {
		o(r)
	}
	r.events, r.unsub = bus.Subscribe(DefaultBuffer)
	return r
}

// Run writes records until ctx ends or the subscription is closed. Events
// already buffered when ctx ends are still written.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.unsub()
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return nil
		case e, ok := <-r.events:
			if !ok {
				return nil
			}
			r.handle(e)
		}
	}
}

// Written and Failed count store writes.
func (r *Recorder) Written() uint64 { return r.written.Load() }
func (r *Recorder) Failed() uint64  { return r.failed.Load() }

func (r *Recorder) drain() {
	for {
		select {
		case e, ok := <-r.events:
			if !ok {
				return
			}
			r.handle(e)
		default:
			return
		}
	}
}

func (r *Recorder) handle(e eventbus.Event) {
	rec, ok := Record(e)
	if !ok || r.st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.st.AppendRun(ctx, rec); err != nil {
		r.failed.Add(1)
		r.log.Warn("append run failed", logx.String("task", rec.Name), logx.Err(err))
		return
	}
	r.written.Add(1)
}

// Record converts a task completion event into a run record. It reports false
// for any other event.
func Record(e eventbus.Event) (storage.RunRecord, bool) {
	var status string
	switch e.Type {
	case eventbus.TaskFinished:
		status = storage.StatusFinished
	case eventbus.TaskFailed:
		status = storage.StatusFailed
	case eventbus.TaskAbandoned:
		status = storage.StatusAbandoned
	default:
		return storage.RunRecord{}, false
	}
	te, ok := e.Data.(pool.TaskEvent)
	if !ok {
		return storage.RunRecord{}, false
	}
	return storage.RunRecord{
		At:      e.Time,
		TaskID:  te.ID,
		Name:    te.Name,
		Run:     te.Run,
		Status:  status,
		Worker:  te.Worker,
		DelayMS: te.QueueDelay.Milliseconds(),
		TookMS:  te.Duration.Milliseconds(),
		Error:   te.Error,
	}, true
}
