// Package metrics declares the Prometheus collectors exposed on /metrics.
//
// Naming convention: namespace_subsystem_name.
//   - namespace: gamecoord (application-level grouping)
//   - subsystem: hub, session, spectate, chat, ratelimit, redis (feature grouping)
//   - name: specific metric
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gamecoord",
		Subsystem: "hub",
		Name:      "connections_active",
		Help:      "Current number of active connections.",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gamecoord",
		Subsystem: "hub",
		Name:      "connections_total",
		Help:      "Total number of connections accepted.",
	})

	MessagesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gamecoord",
		Subsystem: "hub",
		Name:      "messages_received_total",
		Help:      "Total number of inbound frames received.",
	})

	MessagesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gamecoord",
		Subsystem: "hub",
		Name:      "messages_sent_total",
		Help:      "Total number of outbound frames sent.",
	})

	BytesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gamecoord",
		Subsystem: "hub",
		Name:      "bytes_received_total",
		Help:      "Total bytes read from client connections.",
	})

	BytesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gamecoord",
		Subsystem: "hub",
		Name:      "bytes_sent_total",
		Help:      "Total bytes written to client connections.",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gamecoord",
		Subsystem: "session",
		Name:      "sessions_active",
		Help:      "Current number of non-finished sessions.",
	})

	SessionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamecoord",
		Subsystem: "session",
		Name:      "events_total",
		Help:      "Total session lifecycle events emitted.",
	}, []string{"event_type"})

	MoveProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gamecoord",
		Subsystem: "session",
		Name:      "move_processing_seconds",
		Help:      "Time spent validating and applying a submitted move.",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5},
	}, []string{"game_type"})

	SpectatorCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gamecoord",
		Subsystem: "spectate",
		Name:      "spectators_current",
		Help:      "Number of spectators attached to a session.",
	}, []string{"session_id"})

	SpectatorFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamecoord",
		Subsystem: "spectate",
		Name:      "frames_total",
		Help:      "Total spectator frames emitted by kind (patch vs full).",
	}, []string{"kind"})

	SpectatorBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamecoord",
		Subsystem: "spectate",
		Name:      "bytes_total",
		Help:      "Total serialized bytes sent to spectators by kind.",
	}, []string{"kind"})

	ChatMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamecoord",
		Subsystem: "chat",
		Name:      "messages_total",
		Help:      "Total chat messages accepted by type.",
	}, []string{"type"})

	RateLimitExceededTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamecoord",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected by the rate limiter.",
	}, []string{"reason"})

	RateLimitRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamecoord",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Total requests checked against the rate limiter.",
	}, []string{"surface"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gamecoord",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of a circuit breaker (0=closed, 1=open, 2=half-open).",
	}, []string{"service"})

	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamecoord",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total Redis operations by op and status.",
	}, []string{"operation", "status"})

	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gamecoord",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncConnection() {
	ActiveConnections.Inc()
	ConnectionsTotal.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
