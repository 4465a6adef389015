package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the gateway. All record
// methods are nil-safe so components constructed without metrics (tests)
// skip instrumentation instead of branching everywhere.
type Metrics struct {
	WsConnectionsCreated prometheus.Counter
	WsConnectionsClosed  *prometheus.CounterVec

	CommandsTotal        *prometheus.CounterVec
	CommandLatency       *prometheus.HistogramVec
	EventsReceived       *prometheus.CounterVec
	EventsDispatched     *prometheus.CounterVec
	EventsExpired        *prometheus.CounterVec
	EventsDropped        *prometheus.CounterVec
	AckFailures          *prometheus.CounterVec
	EventDispatchLatency *prometheus.HistogramVec
	QueueDepth           *prometheus.GaugeVec
	HeartbeatLatency     prometheus.Histogram
}

// InitMetrics registers the gateway metrics with the default registry.
// Call once at startup.
func InitMetrics(connManager *ConnectionManager) *Metrics {
	m := &Metrics{
		WsConnectionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "towngate_ws_connections_created_total",
			Help: "Total created bot WebSocket connections",
		}),
		WsConnectionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "towngate_ws_connections_closed_total",
			Help: "Total closed bot WebSocket connections by reason",
		}, []string{"reason"}),

		CommandsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "towngate_commands_total",
			Help: "Total commands received/forwarded by type and status",
		}, []string{"type", "status"}),
		CommandLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "towngate_command_latency_seconds",
			Help:    "Command forwarding latency in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"type"}),

		EventsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "towngate_events_received_total",
			Help: "Total world events received from the engine",
		}, []string{"type", "priority"}),
		EventsDispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "towngate_events_dispatched_total",
			Help: "Total world events dispatched to bots by status",
		}, []string{"type", "status"}),
		EventsExpired: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "towngate_events_expired_total",
			Help: "Total expired world events dropped before delivery",
		}, []string{"type", "priority"}),
		EventsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "towngate_events_dropped_total",
			Help: "Total world events dropped by reason",
		}, []string{"type", "priority", "reason"}),
		AckFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "towngate_ack_failures_total",
			Help: "Total event delivery ack failures",
		}, []string{"type"}),
		EventDispatchLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "towngate_event_dispatch_latency_seconds",
			Help:    "Enqueue-to-ack latency for world events in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"type"}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "towngate_queue_depth",
			Help: "Event queue depth per agent and priority",
		}, []string{"agent_id", "priority"}),
		HeartbeatLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "towngate_heartbeat_latency_seconds",
			Help:    "Heartbeat ping/pong round-trip latency in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}

	// Live connection count comes straight from the connection manager.
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "towngate_ws_connections_current",
			Help: "Current number of active bot WebSocket connections",
		},
		func() float64 {
			if connManager != nil {
				return float64(connManager.Count())
			}
			return 0
		},
	))

	return m
}

func (m *Metrics) RecordWsConnectionCreated() {
	if m == nil {
		return
	}
	m.WsConnectionsCreated.Inc()
}

func (m *Metrics) RecordWsConnectionClosed(reason string) {
	if m == nil {
		return
	}
	m.WsConnectionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordCommand(commandType, status string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(commandType, status).Inc()
}

func (m *Metrics) RecordCommandLatency(commandType string, seconds float64) {
	if m == nil {
		return
	}
	m.CommandLatency.WithLabelValues(commandType).Observe(seconds)
}

func (m *Metrics) RecordEventReceived(eventType string, priority string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(eventType, priority).Inc()
}

func (m *Metrics) RecordEventDispatched(eventType, status string) {
	if m == nil {
		return
	}
	m.EventsDispatched.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) RecordEventExpired(eventType, priority string) {
	if m == nil {
		return
	}
	m.EventsExpired.WithLabelValues(eventType, priority).Inc()
}

func (m *Metrics) RecordEventDropped(eventType, priority, reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(eventType, priority, reason).Inc()
}

func (m *Metrics) RecordAckFailure(eventType string) {
	if m == nil {
		return
	}
	m.AckFailures.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordEventDispatchLatency(eventType string, seconds float64) {
	if m == nil {
		return
	}
	m.EventDispatchLatency.WithLabelValues(eventType).Observe(seconds)
}

func (m *Metrics) SetQueueDepth(agentID, priority string, depth float64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(agentID, priority).Set(depth)
}

// ClearQueueDepth drops the gauge series for an agent whose queue is gone,
// so deleted queues do not linger as zero-depth series forever.
func (m *Metrics) ClearQueueDepth(agentID string) {
	if m == nil {
		return
	}
	m.QueueDepth.DeletePartialMatch(prometheus.Labels{"agent_id": agentID})
}

func (m *Metrics) RecordHeartbeatLatency(seconds float64) {
	if m == nil {
		return
	}
	m.HeartbeatLatency.Observe(seconds)
}
