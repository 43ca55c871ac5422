// Package trigger provides next-instant generators for pool tasks.
//
// A Trigger is consulted once when its task is submitted and once after every
// finished occurrence. Once Next reports false it keeps reporting false.
// Triggers are not safe for concurrent use; the pool consults each one from a
// single goroutine at a time.
package trigger

import (
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger yields the next due instant of a task, or false when no further
// occurrence exists.
type Trigger interface {
	Next(now time.Time) (time.Time, bool)
}

// Func adapts a function to Trigger. Monotonic termination is enforced.
func Func(fn func(now time.Time) (time.Time, bool)) Trigger {
	return &funcTrigger{fn: fn}
}

type funcTrigger struct {
	fn   func(now time.Time) (time.Time, bool)
	done bool
}

func (f *funcTrigger) Next(now time.Time) (time.Time, bool) {
	if f.done || f.fn == nil {
		f.done = true
		return time.Time{}, false
	}
	t, ok := f.fn(now)
	if !ok {
		f.done = true
		return time.Time{}, false
	}
	return t, true
}

// Now fires once, immediately.
func Now() Trigger { return &once{} }

// At fires once at t. A zero t means now.
func At(t time.Time) Trigger { return &once{at: t} }

type once struct {
	at    time.Time
	fired bool
}

func (o *once) Next(now time.Time) (time.Time, bool) {
	if o.fired {
		return time.Time{}, false
	}
	o.fired = true
	if o.at.IsZero() {
		return now, true
	}
	return o.at, true
}

func (o *once) String() string {
	if o.at.IsZero() {
		return "now"
	}
	return "at " + o.at.Format(time.RFC3339)
}

// Times fires at each of ts in chronological order.
func Times(ts ...time.Time) Trigger {
	cp := append([]time.Time(nil), ts...)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].Before(cp[j]) })
	return &times{ts: cp}
}

type times struct {
	ts []time.Time
	i  int
}

func (t *times) Next(time.Time) (time.Time, bool) {
	if t.i >= len(t.ts) {
		t.ts = nil
		return time.Time{}, false
	}
	v := t.ts[t.i]
	t.i++
	return v, true
}

// Interval fires at start and then every d after the previous instant.
// A zero start means the first consultation time. Missed instants are
// collapsed: when the pool falls behind, the next instant is now rather
// than a burst of catch-up runs.
func Interval(d time.Duration, start time.Time) Trigger {
	return &interval{every: d, start: start}
}

type interval struct {
	every time.Duration
	start time.Time
	last  time.Time
	dead  bool
}

func (iv *interval) Next(now time.Time) (time.Time, bool) {
	if iv.dead || iv.every <= 0 {
		iv.dead = true
		return time.Time{}, false
	}
	var next time.Time
	switch {
	case !iv.last.IsZero():
		next = iv.last.Add(iv.every)
		if next.Before(now) {
			next = now
		}
	case !iv.start.IsZero():
		next = iv.start
	default:
		next = now
	}
	iv.last = next
	return next, true
}

func (iv *interval) String() string { return "every " + iv.every.String() }

// Cron fires on a standard five-field cron expression (descriptors such as
// "@hourly" and "@every 5m" are accepted). A nil loc means time.Local.
func Cron(expr string, loc *time.Location) (Trigger, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("cron %q: %w", expr, err)
	}
	if loc == nil {
		loc = time.Local
	}
	return &cronTrigger{expr: expr, sched: sched, loc: loc}, nil
}

type cronTrigger struct {
	expr  string
	sched cron.Schedule
	loc   *time.Location
	last  time.Time
}

func (c *cronTrigger) Next(now time.Time) (time.Time, bool) {
	from := now
	if c.last.After(from) {
		from = c.last
	}
	next := c.sched.Next(from.In(c.loc))
	if next.IsZero() {
		return time.Time{}, false
	}
	c.last = next
	return next, true
}

func (c *cronTrigger) String() string { return "cron " + c.expr }

// Limit passes through at most n instants of t.
func Limit(t Trigger, n int) Trigger {
	return &limit{inner: t, left: n}
}

type limit struct {
	inner Trigger
	left  int
}

func (l *limit) Next(now time.Time) (time.Time, bool) {
	if l.left <= 0 || l.inner == nil {
		l.left = 0
		return time.Time{}, false
	}
	next, ok := l.inner.Next(now)
	if !ok {
		l.left = 0
		return time.Time{}, false
	}
	l.left--
	return next, true
}
