package pool

import (
	"context"
	"testing"
	"time"

	"execpool/internal/idgen"
)

func newEntry(id string, due time.Time, seq idgen.Sequence) *entry {
	e := &entry{h: &Handle{id: id, name: id}, index: -1}
	e.rekey(due, seq.Next())
	return e
}

func TestWaitingSetOrdersByDueThenTieBreak(t *testing.T) {
	t.Parallel()
	seq := idgen.NewCounter()
	base := time.Unix(1_700_000_000, 0)

	var ws waitingSet
	late := newEntry("late", base.Add(time.Second), seq)
	early := newEntry("early", base, seq)
	ws.add(late)
	if !ws.add(early) {
		t.Fatal("earlier entry should become the top")
	}

	// Same task id and due instant: hashes collide, the tie-break decides.
	first := newEntry("dup", base.Add(time.Minute), seq)
	second := newEntry("dup", base.Add(time.Minute), seq)
	third := newEntry("dup", base.Add(time.Minute), seq)
	if first.hash != second.hash {
		t.Fatal("structural hash should depend only on id and due")
	}
	ws.add(third)
	ws.add(first)
	ws.add(second)

	want := []*entry{early, late, first, second, third}
	for i, w := range want {
		got := ws.popMin()
		if got != w {
			t.Fatalf("pop %d = %s/%d, want %s/%d", i, got.h.id, got.tie, w.h.id, w.tie)
		}
		if got.index != -1 {
			t.Fatalf("popped entry keeps index %d", got.index)
		}
	}
	if ws.popMin() != nil || ws.peek() != nil {
		t.Fatal("set should be empty")
	}
}

func TestWaitingSetRemoveAndDrain(t *testing.T) {
	t.Parallel()
	seq := idgen.NewCounter()
	base := time.Unix(1_700_000_000, 0)

	var ws waitingSet
	var es []*entry
	for i := 0; i < 5; i++ {
		e := newEntry("e", base.Add(time.Duration(5-i)*time.Second), seq)
		es = append(es, e)
		ws.add(e)
	}
	if !ws.remove(es[2]) || ws.remove(es[2]) {
		t.Fatal("remove should succeed exactly once")
	}
	if ws.remove(&entry{index: 0}) {
		t.Fatal("foreign entry removed")
	}

	out := ws.drain()
	if len(out) != 4 || ws.Len() != 0 {
		t.Fatalf("drain returned %d entries, %d left", len(out), ws.Len())
	}
	for i := 1; i < len(out); i++ {
		if out[i].less(out[i-1]) {
			t.Fatal("drain not in order")
		}
	}
}

func TestHandleOutcomeWrittenOnce(t *testing.T) {
	t.Parallel()
	h := newHandle("id", func(context.Context) (any, error) { return nil, nil }, taskOptions{}, nil)

	if h.record("early", nil) {
		t.Fatal("record before arm must be ignored")
	}
	if run := h.arm(); run != 1 {
		t.Fatalf("arm() = %d", run)
	}
	if !h.record("v1", nil) || h.record("v2", nil) {
		t.Fatal("outcome must be recorded exactly once per occurrence")
	}
	if v, err, ok := h.Last(); !ok || v != "v1" || err != nil {
		t.Fatalf("Last = %v, %v, %v", v, err, ok)
	}

	if !h.completeWithLast(ErrAbandoned) || h.complete(nil, ErrPoolClosed) {
		t.Fatal("complete must take effect once")
	}
	v, ok, err := h.Poll()
	if !ok || v != "v1" || err != nil {
		t.Fatalf("Poll = %v, %v, %v", v, ok, err)
	}
	if !h.IsDone() {
		t.Fatal("done must stay true")
	}
}
