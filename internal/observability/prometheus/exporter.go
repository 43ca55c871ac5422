// Package prometheus exports pool measurements as Prometheus collectors.
package prometheus

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"execpool/internal/pool"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
	DelayBuckets    []float64
}

// Exporter adapts pool.Metrics to Prometheus collectors.
type Exporter struct {
	queueDelaySeconds   *prom.HistogramVec
	taskDurationSeconds *prom.HistogramVec
	tasksTotal          *prom.CounterVec
	workerEventsTotal   *prom.CounterVec
	workers             *prom.GaugeVec
}

var _ pool.Metrics = (*Exporter)(nil)

// NewExporter creates and registers the pool collectors on reg. Registering
// twice on the same registry reuses the existing collectors.
func NewExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*Exporter, error) {
	if namespace == "" {
		namespace = "execpool"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	durBuckets := opts.DurationBuckets
	if len(durBuckets) == 0 {
		durBuckets = prom.DefBuckets
	}
	delayBuckets := opts.DelayBuckets
	if len(delayBuckets) == 0 {
		delayBuckets = prom.ExponentialBuckets(0.001, 4, 8)
	}

	delayVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_queue_delay_seconds",
		Help:      "Time between an occurrence's due instant and its start.",
		Buckets:   delayBuckets,
	}, []string{"task"})
	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Task occurrence execution duration in seconds.",
		Buckets:   durBuckets,
	}, []string{"task"})
	tasksVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_runs_total",
		Help:      "Finished task occurrences by result.",
	}, []string{"task", "result"})
	workerVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "worker_events_total",
		Help:      "Worker lifecycle events.",
	}, []string{"event"})
	gaugeVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_workers",
		Help:      "Current pool state by kind.",
	}, []string{"state"})

	var err error
	if delayVec, err = registerCollector(reg, delayVec); err != nil {
		return nil, err
	}
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if tasksVec, err = registerCollector(reg, tasksVec); err != nil {
		return nil, err
	}
	if workerVec, err = registerCollector(reg, workerVec); err != nil {
		return nil, err
	}
	if gaugeVec, err = registerCollector(reg, gaugeVec); err != nil {
		return nil, err
	}

	return &Exporter{
		queueDelaySeconds:   delayVec,
		taskDurationSeconds: durationVec,
		tasksTotal:          tasksVec,
		workerEventsTotal:   workerVec,
		workers:             gaugeVec,
	}, nil
}

func (m *Exporter) TaskDispatched(name string, queueDelay time.Duration) {
	if m == nil {
		return
	}
	m.queueDelaySeconds.WithLabelValues(normalizeLabel(name, "unnamed")).Observe(queueDelay.Seconds())
}

func (m *Exporter) TaskFinished(name string, took time.Duration, err error) {
	if m == nil {
		return
	}
	name = normalizeLabel(name, "unnamed")
	m.taskDurationSeconds.WithLabelValues(name).Observe(took.Seconds())
	m.tasksTotal.WithLabelValues(name, resultLabel(err)).Inc()
}

func (m *Exporter) WorkerCreated() { m.workerEvent("created") }
func (m *Exporter) WorkerDied()    { m.workerEvent("died") }
func (m *Exporter) WorkerRetired() { m.workerEvent("retired") }

func (m *Exporter) Gauges(g pool.Gauges) {
	if m == nil {
		return
	}
	m.workers.WithLabelValues("total").Set(float64(g.Workers))
	m.workers.WithLabelValues("idle").Set(float64(g.Idle))
	m.workers.WithLabelValues("busy").Set(float64(g.Busy))
	m.workers.WithLabelValues("damaged").Set(float64(g.Damaged))
	m.workers.WithLabelValues("waiting").Set(float64(g.Waiting))
}

func (m *Exporter) workerEvent(ev string) {
	if m == nil {
		return
	}
	m.workerEventsTotal.WithLabelValues(ev).Inc()
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, pool.ErrWorkerDied) {
		return "died"
	}
	var te *pool.TaskError
	if errors.As(err, &te) && te.Panic != nil {
		return "panic"
	}
	return "error"
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
