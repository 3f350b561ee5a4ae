// Package observability holds the Prometheus metrics of the valet service
// and the HTTP middleware that records per-route request metrics.
package observability

import "github.com/prometheus/client_golang/prometheus"

// Outcome label values shared by the counters below.
const (
	OutcomeAllowed   = "allowed"
	OutcomeAnonymous = "anonymous"
	OutcomeDenied    = "denied"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
	OutcomeSuccess   = "success"
	OutcomeSkipped   = "skipped"
)

// Key refresh reasons.
const (
	RefreshInitial  = "initial"
	RefreshExpired  = "expired"
	RefreshRollover = "rollover"
	RefreshManual   = "manual"
)

var (
	// RequestsTotal counts HTTP requests by method, route pattern and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valet_http_requests_total",
			Help: "HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDuration records HTTP request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "valet_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// AuthDecisionsTotal counts pipeline decisions by identity source,
	// outcome and error code ("" on success).
	AuthDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valet_auth_decisions_total",
			Help: "Authentication and authorization decisions",
		},
		[]string{"source", "outcome", "code"},
	)

	// KeyRefreshesTotal counts signing-key document fetches by reason and result.
	KeyRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valet_signing_key_refreshes_total",
			Help: "Signing key document refreshes",
		},
		[]string{"reason", "result"},
	)

	// SigningKeys reports the number of keys in the current signing key set.
	SigningKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "valet_signing_keys",
			Help: "Keys in the cached signing key set",
		},
	)

	// ValetKeysIssuedTotal counts valet key issuance attempts by result.
	ValetKeysIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valet_keys_issued_total",
			Help: "Valet key issuance attempts",
		},
		[]string{"result"},
	)

	// DelegationKeyLatency records delegation-key request latency in seconds.
	DelegationKeyLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "valet_delegation_key_latency_seconds",
			Help:    "Delegation key request latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		AuthDecisionsTotal,
		KeyRefreshesTotal,
		SigningKeys,
		ValetKeysIssuedTotal,
		DelegationKeyLatency,
	)
}
