package pool

import (
	"context"
	"time"

	logx "execpool/pkg/logx"
)

// rescuer reclaims workers reported by notifyFinished (or by the Normalizer
// for workers that died mid-task) and re-arms recurring tasks.
func (p *Pool) rescuer(ctx context.Context) error {
	for {
		p.hook(loopRescuer)
		ids, err := p.finished.take(ctx)
		if err != nil {
			return nil
		}
		for _, id := range ids {
			p.rescue(id)
		}
		p.metrics.Gauges(p.gauges())
	}
}

func (p *Pool) rescue(workerID uint64) {
	p.mu.Lock()
	if w := p.byID[workerID]; w != nil && !w.damaged && w.Alive() && w.stateOf() == stateIdle {
		p.idle = append(p.idle, w)
		signal(p.idleSig)
	}

	e := p.working[workerID]
	if e == nil {
		p.mu.Unlock()
		return
	}
	delete(p.working, workerID)
	h := e.h

	next, more := h.nextDue(time.Now())
	switch {
	case more && !p.closed:
		e.rekey(next, p.seq.Next())
		if p.waiting.add(e) {
			signal(p.wake)
		}
		p.mu.Unlock()
		p.log.Debug("task rescheduled", logx.String("task", h.name), logx.Time("due", next))
		return
	case more:
		p.settleLocked()
		p.mu.Unlock()
		h.complete(nil, ErrPoolClosed)
	default:
		p.settleLocked()
		p.mu.Unlock()
		if h.abandoned.Load() {
			p.finalizeAbandoned(h)
			return
		}
		h.completeWithLast(nil)
	}
}
