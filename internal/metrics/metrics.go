package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "meshcoord"

type Metrics struct {
	Enqueued      *prometheus.CounterVec
	Dropped       prometheus.Counter
	Replaced      prometheus.Counter
	Completed     *prometheus.CounterVec
	ActiveWorkers prometheus.Gauge
	QueueLength   prometheus.Gauge
	ReadsSkipped  *prometheus.CounterVec
	Settled       prometheus.Counter
}

// New registers the coordinator collectors on reg. A nil reg gets a private
// registry, which keeps tests independent of each other.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		Enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_enqueued_total",
			Help:      "Tasks accepted by the scheduler, by path.",
		}, []string{"path"}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dropped_total",
			Help:      "Plain pushes dropped because the key was already pending.",
		}),
		Replaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_replaced_total",
			Help:      "Queued tasks removed by a newer priority push for the same key.",
		}),
		Completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Executed tasks, by result.",
		}, []string{"result"}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Workers currently draining the queue.",
		}),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Tasks waiting to be executed.",
		}),
		ReadsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reads_skipped_total",
			Help:      "Reads not propagated, by reason.",
		}, []string{"reason"}),
		Settled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "values_settled_total",
			Help:      "Downstream triggers fired after a quiet window.",
		}),
	}

	reg.MustRegister(
		m.Enqueued,
		m.Dropped,
		m.Replaced,
		m.Completed,
		m.ActiveWorkers,
		m.QueueLength,
		m.ReadsSkipped,
		m.Settled,
	)
	return m
}

const (
	PathPriority = "priority"
	PathDedup    = "dedup"

	ResultOK    = "ok"
	ResultError = "error"
	ResultPanic = "panic"

	ReasonWriteInFlight = "write_in_flight"
	ReasonStale         = "stale"
)
