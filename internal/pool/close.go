package pool

import (
	"context"
	"errors"

	logx "execpool/pkg/logx"
)

// CloseWaitAll stops submissions, waits until every task has finished its
// schedule (waiting set and working map both empty), then stops the control
// loops and workers. If ctx ends first the pool is closed with CloseAsync and
// ctx.Err() is returned.
func (p *Pool) CloseWaitAll(ctx context.Context) error {
	if p.isDown() {
		return nil
	}
	p.mu.Lock()
	p.submitClosed = true
	p.mu.Unlock()
	p.log.Info("closing pool (wait all)")
	// Workers that died before the close would otherwise wait a full period.
	p.normalize()

	if err := p.waitFor(ctx, func() bool { return p.waiting.Len() == 0 && len(p.working) == 0 }); err != nil {
		p.CloseAsync()
		return err
	}
	return p.teardown(ctx)
}

// Close stops submissions and dispatch at once. Waiting tasks complete with
// ErrPoolClosed; running occurrences are allowed to finish within ctx.
func (p *Pool) Close(ctx context.Context) error {
	if p.isDown() {
		return nil
	}
	drained := p.stopDispatch()
	p.log.Info("closing pool", logx.Int("dropped", len(drained)))
	for _, e := range drained {
		e.h.complete(nil, ErrPoolClosed)
	}
	// Fail the occurrences of workers that already died so they leave the
	// working map; later deaths are repaired through notifyDied.
	p.normalize()

	if err := p.waitFor(ctx, func() bool { return len(p.working) == 0 }); err != nil {
		p.CloseAsync()
		return err
	}
	return p.teardown(ctx)
}

// CloseAsync stops everything without waiting. Tasks that have not finished
// complete with ErrPoolClosed; running work functions see a canceled ctx.
func (p *Pool) CloseAsync() {
	if p.isDown() {
		return
	}
	drained := p.stopDispatch()

	p.mu.Lock()
	inflight := make([]*entry, 0, len(p.working))
	for id, e := range p.working {
		inflight = append(inflight, e)
		delete(p.working, id)
	}
	p.settleLocked()
	p.mu.Unlock()

	p.log.Info("closing pool (async)", logx.Int("dropped", len(drained)), logx.Int("inflight", len(inflight)))
	for _, e := range drained {
		e.h.complete(nil, ErrPoolClosed)
	}
	for _, e := range inflight {
		e.h.complete(nil, ErrPoolClosed)
	}
	p.shutdownNow()
}

// Closed is closed once the pool has been torn down.
func (p *Pool) Closed() <-chan struct{} { return p.down }

func (p *Pool) isDown() bool {
	select {
	case <-p.down:
		return true
	default:
		return false
	}
}

func (p *Pool) stopDispatch() []*entry {
	p.mu.Lock()
	p.submitClosed = true
	p.closed = true
	drained := p.waiting.drain()
	for _, e := range drained {
		e.h.entry = nil
	}
	p.settleLocked()
	p.mu.Unlock()
	signal(p.wake)
	return drained
}

// waitFor blocks until cond (evaluated under p.mu) holds or ctx ends.
func (p *Pool) waitFor(ctx context.Context, cond func() bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		p.mu.Lock()
		ok := cond()
		ch := p.settleCh
		p.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.down:
			return nil
		case <-ch:
		}
	}
}

// teardown stops the control loops and workers and waits for them within ctx.
func (p *Pool) teardown(ctx context.Context) error {
	p.stopDispatch()
	p.shutdownNow()
	if ctx == nil {
		ctx = context.Background()
	}
	err := p.sup.Wait(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		p.log.Debug("pool goroutine error during close", logx.Err(err))
	}
	return nil
}

func (p *Pool) shutdownNow() {
	p.downOnce.Do(func() {
		p.sup.Cancel()
		p.mu.Lock()
		for i := 0; i < p.numWorkers; i++ {
			p.slots[i].close()
		}
		p.mu.Unlock()
		if p.unregister != nil {
			p.unregister()
		}
		close(p.down)
		p.log.Info("pool closed")
	})
}
