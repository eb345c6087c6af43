// Package metrics registers the Prometheus metrics used by the gateway with
// the default registry when the package is initialised. internal/selector
// and internal/relay import it, so the metrics are served by the /metrics
// handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request-level counters and histograms, labelled by upstream config ID and
// resolved model rather than by a fixed provider taxonomy, since upstream
// configs are operator-defined at runtime.
var (
	// RequestsTotal counts completed non-streaming requests labelled by
	// upstream, model, and outcome ("success" or "error").
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests processed by the gateway.",
		},
		[]string{"upstream_id", "model", "status"},
	)

	// RequestDuration observes end-to-end request latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end request duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"upstream_id", "model"},
	)

	// CircuitBreakerRejections counts candidates dropped by the selector's
	// consecutive-failure cooldown filter, labelled by upstream.
	CircuitBreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_rejections_total",
			Help: "Total candidates excluded by the circuit-breaker cooldown filter.",
		},
		[]string{"upstream_id"},
	)

	// SelectorWeightDraws counts weighted-random candidate selections,
	// labelled by the upstream actually chosen.
	SelectorWeightDraws = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_selector_weight_draws_total",
			Help: "Total weighted-random draws won by each upstream.",
		},
		[]string{"upstream_id"},
	)

	// UpstreamErrors counts non-streaming forward errors broken down by
	// upstream and error type (the apierr kind, e.g. "transport").
	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_errors_total",
			Help: "Total upstream errors by type.",
		},
		[]string{"upstream_id", "error_type"},
	)
)
