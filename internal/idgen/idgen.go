// Package idgen hands out process-unique identifiers.
package idgen

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Sequence yields strictly increasing numbers. Implementations must be safe
// for concurrent use.
type Sequence interface {
	Next() uint64
}

// Counter is a lock-free Sequence starting at 1.
type Counter struct {
	n atomic.Uint64
}

func NewCounter() *Counter { return &Counter{} }

func (c *Counter) Next() uint64 { return c.n.Add(1) }

// Last returns the most recently issued number (0 if none).
func (c *Counter) Last() uint64 { return c.n.Load() }

var process = &Counter{}

// Process returns the shared process-wide counter.
func Process() *Counter { return process }

// NewID returns a random RFC 4122 identifier for tasks and runs.
func NewID() string { return uuid.NewString() }
