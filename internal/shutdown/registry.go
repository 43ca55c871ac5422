// Package shutdown keeps the hooks that must run when the process is asked to
// terminate, and turns OS signals into a single stop reason.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	logx "execpool/pkg/logx"
)

// Reason explains why the process is stopping.
type Reason string

const (
	ReasonUnknown Reason = "unknown"
	ReasonSIGINT  Reason = "sigint"
	ReasonSIGTERM Reason = "sigterm"
	ReasonFatal   Reason = "fatal_error"
	ReasonContext Reason = "context_done"
)

// Hook is called once during Run. It must honor ctx.
type Hook func(ctx context.Context) error

type hookEntry struct {
	id   uint64
	name string
	fn   Hook
}

// Registry runs registered hooks in reverse registration order.
type Registry struct {
	log     logx.Logger
	stepMax time.Duration

	mu      sync.Mutex
	seq     uint64
	hooks   []hookEntry
	running atomic.Bool
	ran     bool
}

type Option func(*Registry)

func WithLogger(log logx.Logger) Option { return func(r *Registry) { r.log = log } }

// WithStepTimeout bounds each hook. Zero means only the Run context applies.
func WithStepTimeout(d time.Duration) Option { return func(r *Registry) { r.stepMax = d } }

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{stepMax: 5 * time.Second}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a hook and returns a func that removes it. Removing an
// already-run or already-removed hook is a no-op.
func (r *Registry) Register(name string, fn func(ctx context.Context) error) (unregister func()) {
	if fn == nil {
		return func() {}
	}
	r.mu.Lock()
	r.seq++
	id := r.seq
	r.hooks = append(r.hooks, hookEntry{id: id, name: name, fn: fn})
	r.mu.Unlock()
	return func() { r.unregister(id) }
}

func (r *Registry) unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, h := range r.hooks {
		if h.id == id {
			r.hooks = append(r.hooks[:i], r.hooks[i+1:]...)
			return
		}
	}
}

// Len returns the number of pending hooks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hooks)
}

// Running reports whether Run is currently executing hooks.
func (r *Registry) Running() bool { return r.running.Load() }

// Run executes every pending hook once, newest first. Later calls are no-ops.
// A hook that overruns its step timeout is logged and left behind.
func (r *Registry) Run(ctx context.Context, reason Reason) error {
	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		return nil
	}
	r.ran = true
	hooks := r.hooks
	r.hooks = nil
	r.mu.Unlock()

	r.running.Store(true)
	defer r.running.Store(false)

	if !r.log.IsZero() {
		r.log.Info("running shutdown hooks", logx.String("reason", string(reason)), logx.Int("hooks", len(hooks)))
	}
	var firstErr error
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := r.step(ctx, hooks[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Registry) step(ctx context.Context, h hookEntry) error {
	start := time.Now()
	stepCtx := ctx
	if r.stepMax > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, r.stepMax)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("panic in shutdown hook %s: %v", h.name, p)
			}
		}()
		done <- h.fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !r.log.IsZero() {
			r.log.Warn("shutdown hook error", logx.String("name", h.name), logx.Err(err))
		}
		return err
	case <-stepCtx.Done():
		if !r.log.IsZero() {
			r.log.Warn("shutdown hook deadline reached (continuing)",
				logx.String("name", h.name),
				logx.Duration("elapsed", time.Since(start)),
				logx.Err(stepCtx.Err()),
			)
		}
		return fmt.Errorf("shutdown hook %s: %w", h.name, stepCtx.Err())
	}
}

// Wait blocks until SIGINT/SIGTERM arrives or ctx ends, and reports why.
func Wait(ctx context.Context) Reason {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(ch)

	select {
	case <-ctx.Done():
		return ReasonContext
	case sig := <-ch:
		return reasonFor(sig)
	}
}

func reasonFor(sig os.Signal) Reason {
	switch sig {
	case os.Interrupt:
		return ReasonSIGINT
	case syscall.SIGTERM:
		return ReasonSIGTERM
	default:
		return ReasonUnknown
	}
}
