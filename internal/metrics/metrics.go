// Package metrics exposes the daemon's Prometheus instrumentation. The
// collectors are registered against whatever Registerer the caller supplies
// (the default registry, in cmd/aofd) but this package never starts an HTTP
// server itself — scraping is the operator's concern.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector the scheduler, lease manager, and
// dispatch executor update over the course of a poll.
type Metrics struct {
	TasksDispatched     *prometheus.CounterVec
	ActionsPlanned      *prometheus.CounterVec
	LeaseExpired        prometheus.Counter
	EffectiveConcurrency prometheus.Gauge
	PollDuration        prometheus.Histogram
	SpawnFailures       *prometheus.CounterVec
}

// New registers every collector against reg and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aof_tasks_dispatched_total",
			Help: "Tasks successfully handed to an executor, by team.",
		}, []string{"team"}),
		ActionsPlanned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aof_actions_planned_total",
			Help: "Planner actions produced per poll, by kind.",
		}, []string{"kind"}),
		LeaseExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aof_lease_expired_total",
			Help: "Leases reclaimed by the lease manager after TTL expiry.",
		}),
		EffectiveConcurrency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aof_effective_concurrency_cap",
			Help: "Current per-tick dispatch cap, after any platform-limit tightening.",
		}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aof_poll_duration_seconds",
			Help:    "Wall-clock duration of a single scheduler poll tick.",
			Buckets: prometheus.DefBuckets,
		}),
		SpawnFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aof_spawn_failures_total",
			Help: "Non-platform-limit spawn failures, by team.",
		}, []string{"team"}),
	}

	reg.MustRegister(
		m.TasksDispatched,
		m.ActionsPlanned,
		m.LeaseExpired,
		m.EffectiveConcurrency,
		m.PollDuration,
		m.SpawnFailures,
	)
	return m
}
