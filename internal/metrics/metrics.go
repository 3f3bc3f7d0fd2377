// Package metrics registers the Prometheus metrics exposed by the gateway.
// Import this package (via blank import) from the server entry point to
// register all metrics before the /metrics handler is mounted.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SelectionsTotal counts credential selections labelled by result
	// ("selected", "none_available") and kind ("consuming", "probe").
	SelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_selections_total",
			Help: "Total credential selections by result and kind.",
		},
		[]string{"result", "kind"},
	)

	// OutcomesTotal counts reported call outcomes labelled by outcome
	// ("success", "auth_failure", "transient_failure").
	OutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_outcomes_total",
			Help: "Total reported upstream call outcomes.",
		},
		[]string{"outcome"},
	)

	// UsageRecordedTotal counts quota-consuming calls per category.
	UsageRecordedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_usage_recorded_total",
			Help: "Total quota-consuming calls recorded, by category.",
		},
		[]string{"category"},
	)

	// CredentialErrorsTotal counts auth failures recorded against
	// credentials, by HTTP status.
	CredentialErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_credential_errors_total",
			Help: "Total credential auth failures recorded, by status.",
		},
		[]string{"status"},
	)

	// ExcludedCredentials tracks how many credentials are currently
	// excluded from rotation by an unresolved auth failure.
	ExcludedCredentials = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keygate_excluded_credentials",
			Help: "Credentials currently excluded by an auth failure.",
		},
	)

	// ProxyRequestDuration observes end-to-end proxied request latency in
	// seconds, labelled by upstream status class.
	ProxyRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keygate_proxy_request_duration_seconds",
			Help:    "End-to-end proxied request duration in seconds.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"status_class"},
	)
)
