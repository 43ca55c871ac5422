package pool

import (
	"container/heap"
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"
)

// entry pairs a task with its next due instant.
//
// Entries are totally ordered by (due, hash, tie). tie comes from the
// injected Sequence at insertion time, so two distinct entries never compare
// equal and entries with the same due instant and hash keep FIFO order.
type entry struct {
	h     *Handle
	due   time.Time
	hash  uint64
	tie   uint64
	index int // heap index, -1 when not waiting

	dispatchedAt time.Time
	run          int
}

func (e *entry) rekey(due time.Time, tie uint64) {
	e.due = due
	e.tie = tie
	e.hash = structuralHash(e.h.id, due)
}

func structuralHash(id string, due time.Time) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(id)
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(due.UnixNano()))
	_, _ = d.Write(b[:])
	return d.Sum64()
}

func (e *entry) less(o *entry) bool {
	if !e.due.Equal(o.due) {
		return e.due.Before(o.due)
	}
	if e.hash != o.hash {
		return e.hash < o.hash
	}
	return e.tie < o.tie
}

// waitingSet is a min-heap of entries.
type waitingSet []*entry

func (w waitingSet) Len() int           { return len(w) }
func (w waitingSet) Less(i, j int) bool { return w[i].less(w[j]) }
func (w waitingSet) Swap(i, j int) {
	w[i], w[j] = w[j], w[i]
	w[i].index = i
	w[j].index = j
}

func (w *waitingSet) Push(x any) {
	e := x.(*entry)
	e.index = len(*w)
	*w = append(*w, e)
}

func (w *waitingSet) Pop() any {
	old := *w
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*w = old[:n-1]
	return e
}

// add inserts e and reports whether it became the earliest entry.
func (w *waitingSet) add(e *entry) bool {
	heap.Push(w, e)
	return e.index == 0
}

func (w waitingSet) peek() *entry {
	if len(w) == 0 {
		return nil
	}
	return w[0]
}

func (w *waitingSet) popMin() *entry {
	if len(*w) == 0 {
		return nil
	}
	return heap.Pop(w).(*entry)
}

func (w *waitingSet) remove(e *entry) bool {
	if e == nil || e.index < 0 || e.index >= len(*w) || (*w)[e.index] != e {
		return false
	}
	heap.Remove(w, e.index)
	return true
}

// drain empties the set and returns its entries in order.
func (w *waitingSet) drain() []*entry {
	out := make([]*entry, 0, len(*w))
	for len(*w) > 0 {
		out = append(out, w.popMin())
	}
	return out
}
