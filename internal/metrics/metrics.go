// Package metrics exposes the orchestrator's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles all collectors. Registered once at startup and shared by
// the components that record into them.
type Metrics struct {
	AgentsConnected   prometheus.Gauge
	JobsByStatus      *prometheus.GaugeVec
	JobsCreated       prometheus.Counter
	BroadcastsCreated prometheus.Counter
	BroadcastsEnded   prometheus.Counter
	StreamRestarts    prometheus.Counter
	AssignTimeouts    prometheus.Counter
}

// New registers all collectors with reg and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AgentsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_agents_connected",
			Help: "Number of agents with a live WebSocket connection.",
		}),
		JobsByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_jobs",
			Help: "Number of jobs by current status.",
		}, []string{"status"}),
		JobsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_jobs_created_total",
			Help: "Total jobs admitted by the creation endpoint.",
		}),
		BroadcastsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_broadcasts_created_total",
			Help: "Total successful broadcast reservations.",
		}),
		BroadcastsEnded: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_broadcasts_ended_total",
			Help: "Total endBroadcast calls issued.",
		}),
		StreamRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_stream_restarts_total",
			Help: "Total stream restarts queued by the health monitor.",
		}),
		AssignTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_assign_timeouts_total",
			Help: "Total assignments that timed out or were rejected.",
		}),
	}
}
