// Package metrics provides Prometheus instrumentation for the BLE bridge.
// All metric collectors are registered via the Init function and exposed
// through the Handler for scraping. The resilience components never import
// this package directly; they record through the Sink capability, which
// the Prometheus-backed implementation maps onto these collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PoolSize tracks the total number of pooled connections.
	PoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_pool_size",
			Help: "Total pooled device connections",
		},
	)

	// PoolAvailable tracks the number of idle pooled connections.
	PoolAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_pool_available",
			Help: "Idle pooled device connections",
		},
	)

	// PoolInUse tracks the number of connections currently held by callers.
	PoolInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_pool_in_use",
			Help: "Pooled device connections currently in use",
		},
	)

	// PoolAcquires counts acquisition attempts by priority and outcome.
	PoolAcquires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_pool_acquires_total",
			Help: "Pool acquisition attempts",
		},
		[]string{"priority", "outcome"},
	)

	// PoolEvictions counts removed connections by reason.
	PoolEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_pool_evictions_total",
			Help: "Connections evicted from the pool",
		},
		[]string{"reason"},
	)

	// BreakerState exposes the current circuit state per key
	// (0=closed, 1=open, 2=half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_breaker_state",
			Help: "Circuit breaker state per key (0=closed, 1=open, 2=half-open)",
		},
		[]string{"key"},
	)

	// BreakerTransitions counts circuit state changes.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"key", "from", "to"},
	)

	// FailoverAttempts counts failover acquisition attempts by priority.
	FailoverAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_failover_attempts_total",
			Help: "Failover acquisition attempts",
		},
		[]string{"priority"},
	)

	// FailoverFailures counts failed failover acquisitions by priority and reason.
	FailoverFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_failover_failures_total",
			Help: "Failed failover acquisitions",
		},
		[]string{"priority", "reason"},
	)

	// HealthChecks counts liveness probes by outcome.
	HealthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_health_checks_total",
			Help: "Connection health probes",
		},
		[]string{"outcome"},
	)

	// HealthCheckLatency observes probe latency in seconds.
	HealthCheckLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bridge_health_check_latency_seconds",
			Help:    "Health probe latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// KeepAlivePings counts keep-alive pings by outcome.
	KeepAlivePings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_keepalive_pings_total",
			Help: "Keep-alive pings issued against pooled connections",
		},
		[]string{"outcome"},
	)

	// WatchdogTimeouts counts inactivity watchdog firings by phase.
	WatchdogTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_watchdog_timeouts_total",
			Help: "Watchdog expirations by phase (timeout or recovery)",
		},
		[]string{"phase"},
	)

	// Reconnects counts reconnect attempts by outcome.
	Reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_reconnects_total",
			Help: "Reconnect attempts after classified failures",
		},
		[]string{"outcome"},
	)

	// AdmissionRejections counts admission-control rejections by resource.
	AdmissionRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_admission_rejections_total",
			Help: "Admission rejections by exceeded resource",
		},
		[]string{"resource"},
	)

	// SessionsActive tracks currently open bridge sessions.
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_sessions_active",
			Help: "Open client sessions",
		},
	)

	// SessionMessages counts handled session messages by op and outcome.
	SessionMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_session_messages_total",
			Help: "Session messages handled",
		},
		[]string{"op", "outcome"},
	)

	// ShutdownOutcomes counts per-connection teardown results.
	ShutdownOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_shutdown_outcomes_total",
			Help: "Per-connection shutdown outcomes",
		},
		[]string{"outcome"},
	)

	// AuthFailures counts rejected authentications by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_auth_failures_total",
			Help: "Rejected authentication attempts",
		},
		[]string{"reason"},
	)

	// HandshakeRateLimited counts handshakes rejected by the per-IP limiter.
	HandshakeRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_handshake_rate_limited_total",
			Help: "Websocket handshakes rejected by the per-client rate limiter",
		},
	)

	// AdminRequests counts admin API requests by endpoint and status.
	AdminRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_admin_requests_total",
			Help: "Admin API requests",
		},
		[]string{"endpoint", "status"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		PoolSize,
		PoolAvailable,
		PoolInUse,
		PoolAcquires,
		PoolEvictions,
		BreakerState,
		BreakerTransitions,
		FailoverAttempts,
		FailoverFailures,
		HealthChecks,
		HealthCheckLatency,
		KeepAlivePings,
		WatchdogTimeouts,
		Reconnects,
		AdmissionRejections,
		SessionsActive,
		SessionMessages,
		ShutdownOutcomes,
		AuthFailures,
		HandshakeRateLimited,
		AdminRequests,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
