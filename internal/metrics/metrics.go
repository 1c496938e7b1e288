package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// DecisionEvaluations counts terminal verdicts by outcome and reason
	DecisionEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "routegate",
			Subsystem: "decision",
			Name:      "evaluations_total",
			Help:      "Number of terminal access decisions",
		},
		[]string{"outcome", "reason"},
	)

	// DecisionDiscarded counts evaluations dropped because the caller went away
	DecisionDiscarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "routegate",
			Subsystem: "decision",
			Name:      "discarded_total",
			Help:      "Number of evaluations cancelled before a verdict was produced",
		},
	)

	// SessionFetchLatency tracks the latency of session fetches
	SessionFetchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "routegate",
			Subsystem: "session",
			Name:      "fetch_latency_seconds",
			Help:      "Time spent in SessionProvider.CurrentUser()",
		},
		[]string{"source"},
	)

	// SessionFetchErrors tracks session fetch errors
	SessionFetchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "routegate",
			Subsystem: "session",
			Name:      "fetch_errors_total",
			Help:      "Number of session fetch errors",
		},
		[]string{"source", "error_type"},
	)

	// AuthBackendErrors tracks transport and protocol failures of the remote auth backend
	AuthBackendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "routegate",
			Subsystem: "auth_backend",
			Name:      "errors_total",
			Help:      "Number of failed calls to the auth backend by failure kind",
		},
		[]string{"error_type"},
	)

	// SessionCacheHits tracks sessions served from a cache
	SessionCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "routegate",
			Subsystem: "session",
			Name:      "cache_hits_total",
			Help:      "Number of sessions served from the session cache",
		},
		[]string{"store"},
	)
)

// MustRegister registers all metrics with the default Prometheus registry
func MustRegister() {
	MustRegisterWith(prometheus.DefaultRegisterer)
}

// MustRegisterWith registers all metrics with reg.
func MustRegisterWith(reg prometheus.Registerer) {
	reg.MustRegister(
		DecisionEvaluations,
		DecisionDiscarded,
		SessionFetchLatency,
		SessionFetchErrors,
		AuthBackendErrors,
		SessionCacheHits,
	)
}
