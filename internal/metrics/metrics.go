package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds all Prometheus metrics for the matchmaker service
type Metrics struct {
	// Engine metrics
	NodesRegistered  prometheus.Gauge
	NodesEligible    prometheus.Gauge
	QueueLength      prometheus.Gauge
	Assignments      *prometheus.CounterVec
	SweepRemovals    *prometheus.CounterVec
	SessionsByStatus *prometheus.GaugeVec

	// WebSocket hub metrics
	HubConnections prometheus.Gauge
	HubMessages    *prometheus.CounterVec
}

// New registers and returns the service metrics.
func New() *Metrics {
	m := &Metrics{
		NodesRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "matchmaker_nodes_registered",
			Help: "Stream nodes currently registered",
		}),
		NodesEligible: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "matchmaker_nodes_eligible",
			Help: "Stream nodes currently eligible for assignment",
		}),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "matchmaker_queue_length",
			Help: "Sessions waiting in the priority queue",
		}),
		Assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matchmaker_assignments_total",
			Help: "Session-to-node assignments",
		}, []string{"outcome"}),
		SweepRemovals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matchmaker_sweep_removals_total",
			Help: "Entities removed by periodic sweeps",
		}, []string{"entity"}),
		SessionsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "matchmaker_sessions",
			Help: "Sessions by status",
		}, []string{"status"}),
		HubConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "matchmaker_ws_connections_active",
			Help: "Active client WebSocket connections",
		}),
		HubMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matchmaker_ws_messages_total",
			Help: "Client WebSocket messages",
		}, []string{"direction", "event"}),
	}

	prometheus.MustRegister(
		m.NodesRegistered, m.NodesEligible, m.QueueLength,
		m.Assignments, m.SweepRemovals,
		m.SessionsByStatus, m.HubConnections, m.HubMessages,
	)
	return m
}
