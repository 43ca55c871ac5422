package pool

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"execpool/internal/eventbus"
	"execpool/internal/idgen"
	"execpool/internal/runtime/supervisor"
	"execpool/internal/trigger"
	logx "execpool/pkg/logx"
)

const (
	DefaultMinWorkers     = 0
	DefaultMaxWorkers     = 64
	DefaultNormalizeEvery = 2 * time.Minute
	DefaultMaxSleep       = 60 * time.Second
	DefaultHistorySize    = 200
)

// Func is a unit of work. ctx is canceled when the pool is torn down or the
// task timeout expires.
type Func func(ctx context.Context) (any, error)

// ShutdownHooks is the process-exit registry the pool registers CloseAsync with.
type ShutdownHooks interface {
	Register(name string, fn func(ctx context.Context) error) (unregister func())
	Running() bool
}

// Config controls a Pool. Zero values select defaults.
type Config struct {
	MinWorkers int
	MaxWorkers int

	// NormalizeEvery is the Normalizer period.
	NormalizeEvery time.Duration
	// MaxSleep bounds how long the Executioner sleeps without re-checking.
	MaxSleep time.Duration
	// HistorySize bounds the recent-runs ring.
	HistorySize int

	Logger   logx.Logger
	Bus      eventbus.Bus
	Metrics  Metrics
	Sequence idgen.Sequence
	Shutdown ShutdownHooks

	// OnFatal receives unrecoverable faults (slot corruption, a dead control
	// loop). The default logs and exits with ExitInternalFault.
	OnFatal func(err error)

	loopHook func(loop string)
}

// normalize applies the sizing rules: negative min clamps to the default
// minimum; max <= min clamps to max(DefaultMaxWorkers, min+1).
func (c Config) normalize() Config {
	if c.MinWorkers < 0 {
		c.MinWorkers = DefaultMinWorkers
	}
	if c.MaxWorkers <= c.MinWorkers {
		c.MaxWorkers = max(DefaultMaxWorkers, c.MinWorkers+1)
	}
	if c.NormalizeEvery <= 0 {
		c.NormalizeEvery = DefaultNormalizeEvery
	}
	if c.MaxSleep <= 0 {
		c.MaxSleep = DefaultMaxSleep
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
	if c.Sequence == nil {
		c.Sequence = idgen.Process()
	}
	if c.Logger.IsZero() {
		c.Logger = logx.Nop()
	}
	if c.OnFatal == nil {
		log := c.Logger
		c.OnFatal = func(err error) {
			log.Error("pool fatal fault, exiting", logx.Err(err), logx.Int("code", ExitInternalFault))
			os.Exit(ExitInternalFault)
		}
	}
	return c
}

// Priority is a coarse scheduling hint applied to the thread running a task.
type Priority int

const (
	PriorityLow Priority = iota - 1
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// nice maps the hint onto a unix niceness value.
func (p Priority) nice() int {
	switch p {
	case PriorityLow:
		return 10
	case PriorityHigh:
		return -5
	default:
		return 0
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q (use low, normal or high)", s)
	}
}

// Option configures a submitted task.
type Option func(*taskOptions)

type taskOptions struct {
	trig     trigger.Trigger
	name     string
	priority Priority
	timeout  time.Duration
}

// WithTrigger makes the task recurring. The default fires once, now.
func WithTrigger(t trigger.Trigger) Option { return func(o *taskOptions) { o.trig = t } }

func WithName(name string) Option { return func(o *taskOptions) { o.name = name } }

func WithPriority(p Priority) Option { return func(o *taskOptions) { o.priority = p } }

// WithTimeout bounds each occurrence. The work function sees a canceled ctx.
func WithTimeout(d time.Duration) Option { return func(o *taskOptions) { o.timeout = d } }

// Gauges is a point-in-time count of pool structures.
type Gauges struct {
	Workers int
	Idle    int
	Busy    int
	Damaged int
	Waiting int
}

// Metrics receives pool measurements. Implementations must be safe for
// concurrent use and must not block.
type Metrics interface {
	TaskDispatched(name string, queueDelay time.Duration)
	TaskFinished(name string, took time.Duration, err error)
	WorkerCreated()
	WorkerDied()
	WorkerRetired()
	Gauges(g Gauges)
}

type nopMetrics struct{}

func (nopMetrics) TaskDispatched(string, time.Duration)       {}
func (nopMetrics) TaskFinished(string, time.Duration, error) {}
func (nopMetrics) WorkerCreated()                            {}
func (nopMetrics) WorkerDied()                               {}
func (nopMetrics) WorkerRetired()                            {}
func (nopMetrics) Gauges(Gauges)                             {}

// TaskEvent is published on the bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Run        int           `json:"run"`
	Worker     uint64        `json:"worker,omitempty"`
	Slot       int           `json:"slot"`
	DueAt      time.Time     `json:"due_at"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// WorkerEvent is published on the bus for worker lifecycle events.
type WorkerEvent struct {
	ID     uint64 `json:"id"`
	Slot   int    `json:"slot"`
	Reason string `json:"reason,omitempty"`
}

// HistoryItem is one finished occurrence.
type HistoryItem struct {
	ID         string
	Name       string
	Run        int
	Worker     uint64
	Slot       int
	DueAt      time.Time
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// WorkerInfo describes one occupied slot.
type WorkerInfo struct {
	ID    uint64
	Slot  int
	State string
	Alive bool
	Task  string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	MinWorkers int
	MaxWorkers int
	Gauges

	Dispatched uint64
	Finished   uint64
	Died       uint64

	SubmitClosed bool
	Closed       bool

	Slots   []WorkerInfo
	Loops   supervisor.Snapshot
	History []HistoryItem
}
