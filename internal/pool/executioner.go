package pool

import (
	"context"
	"time"

	logx "execpool/pkg/logx"
)

// executioner dispatches due entries in waiting-set order. It sleeps until
// the earliest due instant (bounded by MaxSleep) and is woken early when an
// earlier entry arrives, a worker turns idle or the pool closes.
func (p *Pool) executioner(ctx context.Context) error {
	timer := time.NewTimer(p.cfg.MaxSleep)
	defer timer.Stop()

	for {
		p.hook(loopExecutioner)
		wait, starved := p.dispatchDue()

		var idle <-chan struct{}
		if starved {
			idle = p.idleSig
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		case <-idle:
		case <-timer.C:
		}
	}
}

// dispatchDue hands every due entry to a worker. It returns how long to sleep
// and whether it stopped because no worker was available.
func (p *Pool) dispatchDue() (time.Duration, bool) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return p.cfg.MaxSleep, false
		}
		e := p.waiting.peek()
		if e == nil {
			p.mu.Unlock()
			return p.cfg.MaxSleep, false
		}
		now := time.Now()
		if e.due.After(now) {
			p.mu.Unlock()
			return min(e.due.Sub(now), p.cfg.MaxSleep), false
		}
		p.waiting.popMin()

		if e.h.abandoned.Load() {
			p.settleLocked()
			p.mu.Unlock()
			p.finalizeAbandoned(e.h)
			continue
		}

		w := p.borrowLocked()
		if w == nil {
			p.waiting.add(e)
			g := p.gaugesLocked()
			p.mu.Unlock()
			if p.warn.Allow() {
				p.log.Warn("pool saturated, dispatch delayed",
					logx.Int("workers", g.Workers),
					logx.Int("busy", g.Busy),
					logx.Int("waiting", g.Waiting),
				)
			}
			return p.cfg.MaxSleep, true
		}

		p.working[w.id] = e
		e.dispatchedAt = now
		e.run = e.h.arm()
		a := &assignment{h: e.h, e: e, run: e.run}
		p.mu.Unlock()

		if err := w.workOn(a); err != nil {
			p.dispatchFailed(w, e, err)
			continue
		}
		p.metrics.Gauges(p.gauges())
	}
}

// dispatchFailed undoes a hand-off the worker refused. The entry goes back to
// the waiting set unless dispatch has been closed meanwhile.
func (p *Pool) dispatchFailed(w *Worker, e *entry, err error) {
	p.mu.Lock()
	if p.working[w.id] == e {
		delete(p.working, w.id)
	}
	p.markDamagedLocked(w, true)
	closed := p.closed
	if !closed {
		e.h.disarm()
		p.waiting.add(e)
	} else {
		p.settleLocked()
	}
	p.mu.Unlock()

	p.log.Warn("dispatch failed", logx.String("task", e.h.name), logx.Uint64("worker", w.id), logx.Err(err), logx.Bool("requeued", !closed))
	if closed {
		e.h.completeWithLast(ErrPoolClosed)
	}
}
