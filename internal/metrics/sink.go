package metrics

import "log/slog"

// Metric names recorded through the Sink. Keeping the vocabulary here lets
// the Prometheus sink route each name to its registered collector.
const (
	MetricPoolSize            = "bridge_pool_size"
	MetricPoolAvailable       = "bridge_pool_available"
	MetricPoolInUse           = "bridge_pool_in_use"
	MetricPoolAcquires        = "bridge_pool_acquires_total"
	MetricPoolEvictions       = "bridge_pool_evictions_total"
	MetricBreakerState        = "bridge_breaker_state"
	MetricBreakerTransitions  = "bridge_breaker_transitions_total"
	MetricFailoverAttempts    = "bridge_failover_attempts_total"
	MetricFailoverFailures    = "bridge_failover_failures_total"
	MetricHealthChecks        = "bridge_health_checks_total"
	MetricHealthCheckLatency  = "bridge_health_check_latency_seconds"
	MetricKeepAlivePings      = "bridge_keepalive_pings_total"
	MetricWatchdogTimeouts    = "bridge_watchdog_timeouts_total"
	MetricReconnects          = "bridge_reconnects_total"
	MetricAdmissionRejections = "bridge_admission_rejections_total"
	MetricSessionsActive      = "bridge_sessions_active"
	MetricSessionMessages     = "bridge_session_messages_total"
	MetricShutdownOutcomes    = "bridge_shutdown_outcomes_total"
)

// Sink is the narrow instrumentation capability injected into the
// resilience components. Calls are fire and forget: implementations absorb
// their own failures so instrumentation can never affect connection
// availability.
type Sink interface {
	Gauge(name string, value float64, labels map[string]string)
	Counter(name string, value float64, labels map[string]string)
	Histogram(name string, value float64, labels map[string]string)
}

// PromSink records Sink calls into the package's Prometheus collectors.
// Unknown metric names are dropped. Panics from the prometheus client
// (label cardinality mistakes) are recovered and logged.
type PromSink struct {
	logger *slog.Logger
}

// NewPromSink returns a Sink backed by the registered collectors.
func NewPromSink(logger *slog.Logger) *PromSink {
	return &PromSink{logger: logger}
}

func (s *PromSink) Gauge(name string, value float64, labels map[string]string) {
	defer s.recoverPanic("gauge", name)
	switch name {
	case MetricPoolSize:
		PoolSize.Set(value)
	case MetricPoolAvailable:
		PoolAvailable.Set(value)
	case MetricPoolInUse:
		PoolInUse.Set(value)
	case MetricBreakerState:
		BreakerState.WithLabelValues(labels["key"]).Set(value)
	case MetricSessionsActive:
		SessionsActive.Set(value)
	}
}

func (s *PromSink) Counter(name string, value float64, labels map[string]string) {
	defer s.recoverPanic("counter", name)
	switch name {
	case MetricPoolAcquires:
		PoolAcquires.WithLabelValues(labels["priority"], labels["outcome"]).Add(value)
	case MetricPoolEvictions:
		PoolEvictions.WithLabelValues(labels["reason"]).Add(value)
	case MetricBreakerTransitions:
		BreakerTransitions.WithLabelValues(labels["key"], labels["from"], labels["to"]).Add(value)
	case MetricFailoverAttempts:
		FailoverAttempts.WithLabelValues(labels["priority"]).Add(value)
	case MetricFailoverFailures:
		FailoverFailures.WithLabelValues(labels["priority"], labels["reason"]).Add(value)
	case MetricHealthChecks:
		HealthChecks.WithLabelValues(labels["outcome"]).Add(value)
	case MetricKeepAlivePings:
		KeepAlivePings.WithLabelValues(labels["outcome"]).Add(value)
	case MetricWatchdogTimeouts:
		WatchdogTimeouts.WithLabelValues(labels["phase"]).Add(value)
	case MetricReconnects:
		Reconnects.WithLabelValues(labels["outcome"]).Add(value)
	case MetricAdmissionRejections:
		AdmissionRejections.WithLabelValues(labels["resource"]).Add(value)
	case MetricSessionMessages:
		SessionMessages.WithLabelValues(labels["op"], labels["outcome"]).Add(value)
	case MetricShutdownOutcomes:
		ShutdownOutcomes.WithLabelValues(labels["outcome"]).Add(value)
	}
}

func (s *PromSink) Histogram(name string, value float64, labels map[string]string) {
	defer s.recoverPanic("histogram", name)
	switch name {
	case MetricHealthCheckLatency:
		HealthCheckLatency.Observe(value)
	}
}

func (s *PromSink) recoverPanic(kind, name string) {
	if r := recover(); r != nil && s.logger != nil {
		s.logger.Error("metrics sink panic", "kind", kind, "metric", name, "panic", r)
	}
}

// NopSink discards every recording. Used in tests and when metrics are
// disabled.
type NopSink struct{}

func (NopSink) Gauge(string, float64, map[string]string)     {}
func (NopSink) Counter(string, float64, map[string]string)   {}
func (NopSink) Histogram(string, float64, map[string]string) {}
