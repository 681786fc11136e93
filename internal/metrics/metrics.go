package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery Metrics
var (
	// DeliveriesTotal tracks outbound message deliveries by outcome
	// (sent, gone, failed)
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_messages_total",
			Help: "Outbound message deliveries by outcome",
		},
		[]string{"outcome"},
	)

	// ReapedConnectionsTotal tracks connections removed after a gone signal
	ReapedConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "delivery_reaped_connections_total",
			Help: "Connections reaped after the relay reported them gone",
		},
	)
)

// Dispatcher Metrics
var (
	// FeedEventsTotal tracks mutation feed events by stream and status
	FeedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_feed_events_total",
			Help: "Mutation feed events by stream and status (ok, skipped, error)",
		},
		[]string{"stream", "status"},
	)

	// FanoutRecipients tracks recipients per fan-out
	FanoutRecipients = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_fanout_recipients",
			Help:    "Number of recipient connections per fan-out",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)
)

// Action Engine Metrics
var (
	// WidgetActionsTotal tracks action invocations by action and status
	WidgetActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "widget_actions_total",
			Help: "Widget action invocations by action and status",
		},
		[]string{"action", "status"},
	)

	// CountdownTicksTotal tracks periodic countdown tick batches
	CountdownTicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "widget_countdown_ticks_total",
			Help: "Countdown widgets advanced by the periodic updater",
		},
	)
)

// Connection Metrics
var (
	// ActiveConnections tracks live websocket connections on this instance
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_active_connections",
			Help: "Live websocket connections registered with the hub",
		},
	)

	// AuthDecisionsTotal tracks connect-time authorization outcomes
	AuthDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_decisions_total",
			Help: "Connect-time authorization decisions by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)
)

// Database Metrics
var (
	// DBQueryDuration tracks query latency by query verb
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration by query verb",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	// DBErrorsTotal tracks failed queries by query verb
	DBErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_errors_total",
			Help: "Failed database queries by query verb",
		},
		[]string{"query"},
	)
)

// Relay Circuit Breaker Metrics
var (
	// RelayBreakerStateChanges tracks relay circuit breaker transitions
	RelayBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_circuit_breaker_state_changes_total",
			Help: "Relay circuit breaker state transitions by new state",
		},
		[]string{"state"},
	)
)
