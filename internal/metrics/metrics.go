// Package metrics exposes launcher state and activity in the Prometheus
// format.
package metrics

import (
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tastythames/task-launcher/internal/task"
)

// StatusSource yields copies of every task record.
type StatusSource interface {
	Snapshot() []task.Status
}

// PoolSizer reports how many SSH sessions are cached.
type PoolSizer interface {
	Len() int
}

var _ task.Recorder = (*Metrics)(nil)

type Metrics struct {
	registry *prometheus.Registry

	batches           *prometheus.CounterVec
	autoStops         *prometheus.CounterVec
	reconcileRuns     prometheus.Counter
	reconcileFailures *prometheus.CounterVec
	reconcileDuration prometheus.Histogram
}

// New registers the launcher collectors on a private registry. Go runtime
// and process collectors are included.
func New(tasks StatusSource, pool PoolSizer, clock clockwork.Clock) *Metrics {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricBatchesTotal,
			Help: "Command batches executed, by operation and result.",
		}, []string{"op", "result"}),
		autoStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricAutoStopsTotal,
			Help: "Tasks stopped by reconciliation, by reason.",
		}, []string{"reason"}),
		reconcileRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricReconcileRuns,
			Help: "Completed reconciliation passes.",
		}),
		reconcileFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricReconcileFailures,
			Help: "Per-task reconciliation failures.",
		}, []string{"task"}),
		reconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricReconcileDuration,
			Help:    "Duration of one reconciliation pass.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newStateCollector(tasks, pool, clock),
		m.batches,
		m.autoStops,
		m.reconcileRuns,
		m.reconcileFailures,
		m.reconcileDuration,
	)
	return m
}

// Handler serves the registry in the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) BatchFinished(op string, ok bool) {
	m.batches.WithLabelValues(op, result(ok)).Inc()
}

func (m *Metrics) AutoStopped(reason string) {
	m.autoStops.WithLabelValues(reason).Inc()
}

func (m *Metrics) ReconcileFinished(elapsed time.Duration) {
	m.reconcileRuns.Inc()
	m.reconcileDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ReconcileFailed(taskName string) {
	m.reconcileFailures.WithLabelValues(taskName).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// stateCollector reads registry snapshots at scrape time, so the exported
// gauges never drift from the registry.
type stateCollector struct {
	tasks StatusSource
	pool  PoolSizer
	clock clockwork.Clock

	up          *prometheus.Desc
	state       *prometheus.Desc
	remaining   *prometheus.Desc
	autoStopped *prometheus.Desc
	sessions    *prometheus.Desc
}

func newStateCollector(tasks StatusSource, pool PoolSizer, clock clockwork.Clock) *stateCollector {
	return &stateCollector{
		tasks: tasks,
		pool:  pool,
		clock: clock,
		up: prometheus.NewDesc(MetricUp,
			"1 if the launcher process is running.", nil, nil),
		state: prometheus.NewDesc(MetricTaskState,
			"1 for the state each task is currently in, 0 for the others.", []string{"task", "state"}, nil),
		remaining: prometheus.NewDesc(MetricTaskRemaining,
			"Seconds until a task's scheduled stop; absent without a window.", []string{"task"}, nil),
		autoStopped: prometheus.NewDesc(MetricTaskAutoStopped,
			"1 if the task's last stop came from reconciliation.", []string{"task"}, nil),
		sessions: prometheus.NewDesc(MetricPoolSessions,
			"Cached SSH sessions.", nil, nil),
	}
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.state
	ch <- c.remaining
	ch <- c.autoStopped
	ch <- c.sessions
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(c.pool.Len()))

	now := c.clock.Now()
	for _, st := range c.tasks.Snapshot() {
		for _, s := range task.AllStates {
			v := 0.0
			if st.State == s {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, st.Name, string(s))
		}
		ch <- prometheus.MustNewConstMetric(c.autoStopped, prometheus.GaugeValue, boolValue(st.AutoStopped), st.Name)

		if st.EndTime != nil && (st.State == task.StateRunning || st.State == task.StateStarting) {
			left := st.EndTime.Sub(now).Seconds()
			if left < 0 {
				left = 0
			}
			ch <- prometheus.MustNewConstMetric(c.remaining, prometheus.GaugeValue, left, st.Name)
		}
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
