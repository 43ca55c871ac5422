package pool

import (
	"context"
	"fmt"
	"time"

	"execpool/internal/eventbus"
	logx "execpool/pkg/logx"
)

// normalizer runs one pass at start and then every NormalizeEvery.
func (p *Pool) normalizer(ctx context.Context) error {
	p.normalize()

	t := time.NewTicker(p.cfg.NormalizeEvery)
	defer t.Stop()
	for {
		p.hook(loopNormalizer)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			p.normalize()
		}
	}
}

type deadWorker struct {
	w    *Worker
	slot int
	e    *entry
}

// normalize performs one health and sizing pass:
//  1. fault detection (control loops, slot contiguity)
//  2. repair of workers that died outside close
//  3. shrink of surplus idle workers
//  4. replacement or retirement of damaged workers
//  5. growth to the minimum
//
// Once Close has stopped dispatch only the repair step runs: dead workers
// still fail their in-flight occurrence so a draining Close can finish, but
// nothing is replaced, shrunk or grown.
func (p *Pool) normalize() {
	if p.isDown() {
		return
	}
	loopsOK := p.sup.Alive(loopExecutioner) && p.sup.Alive(loopRescuer)

	p.mu.Lock()
	closing := p.closed
	if !closing && !loopsOK {
		p.mu.Unlock()
		p.fatal(fmt.Errorf("%w: executioner alive=%t rescuer alive=%t",
			ErrControlLoopDied, p.sup.Alive(loopExecutioner), p.sup.Alive(loopRescuer)))
		return
	}
	if !closing {
		if err := p.checkSlotsLocked(); err != nil {
			p.mu.Unlock()
			p.fatal(err)
			return
		}
	}

	// Repair.
	var dead []deadWorker
	for i := 0; i < p.numWorkers; i++ {
		w := p.slots[i]
		if w.damaged || !w.DiedAbnormally() {
			continue
		}
		p.removeIdleLocked(w)
		p.markDamagedLocked(w, true)
		dead = append(dead, deadWorker{w: w, slot: i, e: p.working[w.id]})
	}

	// Shrink.
	shrunk := 0
	floor := max(p.minWorkers, 1)
	if !closing && p.cfg.MaxWorkers > p.minWorkers && len(p.idle) > floor {
		n := min((len(p.idle)-floor)/3, p.numWorkers-p.minWorkers)
		for ; shrunk < n; shrunk++ {
			w := p.idle[len(p.idle)-1]
			p.idle[len(p.idle)-1] = nil
			p.idle = p.idle[:len(p.idle)-1]
			p.removeSlotLocked(w)
			p.markDamagedLocked(w, false)
		}
	}

	// Replace damaged.
	added := 0
	retired := make([]WorkerEvent, 0, len(p.damaged))
	for _, d := range p.damaged {
		slot := int(d.w.slot.Load())
		delete(p.byID, d.w.id)
		d.w.close()
		reason := "shrink"
		switch {
		case d.replace && closing:
			reason = "died"
		case d.replace:
			reason = "replaced"
			if slot >= 0 && slot < p.numWorkers && p.slots[slot] == d.w {
				p.idle = append(p.idle, p.spawnLocked(slot))
				added++
			}
		}
		retired = append(retired, WorkerEvent{ID: d.w.id, Slot: slot, Reason: reason})
	}
	p.damaged = nil

	// Grow to minimum.
	for !closing && p.numWorkers < p.minWorkers {
		p.idle = append(p.idle, p.spawnLocked(p.numWorkers))
		added++
	}
	g := p.gaugesLocked()
	p.mu.Unlock()

	if added > 0 {
		signal(p.idleSig)
	}
	for _, ev := range retired {
		p.metrics.WorkerRetired()
		p.publish(eventbus.WorkerRetired, ev)
	}
	for _, d := range dead {
		p.reportDead(d)
	}
	if shrunk > 0 || len(dead) > 0 {
		p.log.Info("pool normalized",
			logx.Int("repaired", len(dead)),
			logx.Int("shrunk", shrunk),
			logx.Int("workers", g.Workers),
			logx.Int("idle", g.Idle),
		)
	}
	p.metrics.Gauges(g)
}

// notifyDied runs on a worker goroutine that ended abnormally. While the pool
// is open the next Normalizer pass repairs it; once submissions are closed
// the repair runs at once so a draining close never waits on the period.
func (p *Pool) notifyDied(w *Worker) {
	p.mu.Lock()
	draining := p.submitClosed
	p.mu.Unlock()
	if draining {
		p.log.Debug("worker died while closing; repairing now", logx.Uint64("worker", w.id))
		p.normalize()
	}
}

// reportDead fails the dead worker's occurrence and hands it to the Rescuer
// so the task is rescheduled as if it had finished.
func (p *Pool) reportDead(d deadWorker) {
	p.died.Add(1)
	p.metrics.WorkerDied()
	err := workerDiedError(d.w.id, d.slot)
	p.publish(eventbus.WorkerDied, WorkerEvent{ID: d.w.id, Slot: d.slot, Reason: err.Error()})

	if d.e == nil {
		p.log.Warn("worker died while idle", logx.Uint64("worker", d.w.id), logx.Int("slot", d.slot))
		return
	}
	h := d.e.h
	p.log.Error("worker died mid-task", logx.Uint64("worker", d.w.id), logx.Int("slot", d.slot), logx.String("task", h.name))
	if h.record(nil, err) {
		started := d.e.dispatchedAt
		p.addHistory(HistoryItem{
			ID: h.id, Name: h.name, Run: d.e.run, Worker: d.w.id, Slot: d.slot,
			DueAt: d.e.due, Started: started, Duration: time.Since(started), Error: err.Error(),
		})
		p.metrics.TaskFinished(h.name, time.Since(started), err)
		p.publish(eventbus.TaskFailed, TaskEvent{
			ID: h.id, Name: h.name, Run: d.e.run, Worker: d.w.id, Slot: d.slot,
			DueAt: d.e.due, Started: started, Error: err.Error(),
		})
	}
	p.finished.push(d.w.id)
}

// checkSlotsLocked verifies that occupied slots are exactly [0, numWorkers).
func (p *Pool) checkSlotsLocked() error {
	for i, w := range p.slots {
		occupied := w != nil
		if occupied != (i < p.numWorkers) {
			return fmt.Errorf("%w: slot %d occupied=%t with %d workers", ErrInternalInconsistency, i, occupied, p.numWorkers)
		}
		if occupied && int(w.slot.Load()) != i {
			return fmt.Errorf("%w: worker %d in slot %d believes it is in slot %d", ErrInternalInconsistency, w.id, i, w.slot.Load())
		}
	}
	return nil
}
