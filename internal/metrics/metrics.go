// Package metrics registers the Prometheus metrics used by the gateway.
// All vectors are registered on the default registry at import time; the
// server mounts promhttp.Handler() at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Routed request metrics.
var (
	// RequestsTotal counts routed requests labelled by provider, service
	// ("chat", "image"), and outcome ("success", "upstream_error",
	// "rejected", "unbilled").
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_requests_total",
			Help: "Total number of routed requests.",
		},
		[]string{"provider", "service", "status"},
	)

	// RequestDuration observes upstream round-trip latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keygate_request_duration_seconds",
			Help:    "Upstream request duration in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "service"},
	)

	// UsageUnits counts committed usage units.
	UsageUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_usage_units_total",
			Help: "Usage units committed to credentials.",
		},
		[]string{"service"},
	)

	// QuotaRejections counts requests refused by the quota gate.
	QuotaRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keygate_quota_rejections_total",
			Help: "Requests rejected because the credential quota was exhausted.",
		},
	)

	// ProviderErrors counts upstream failures by provider and type
	// ("http_status", "transport").
	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_provider_errors_total",
			Help: "Total upstream provider errors by type.",
		},
		[]string{"provider", "error_type"},
	)

	// UnbilledUnits counts units served upstream whose usage commit failed.
	UnbilledUnits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keygate_unbilled_usage_units_total",
			Help: "Usage units served but not recorded because the usage commit failed.",
		},
	)
)

// Discovery metrics.
var (
	// DiscoveryRuns counts per-provider discovery passes by outcome
	// ("success", "failed", "skipped").
	DiscoveryRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_discovery_runs_total",
			Help: "Model discovery passes per provider by outcome.",
		},
		[]string{"provider", "outcome"},
	)

	// ModelsDeactivated counts catalog rows flipped to inactive by discovery.
	ModelsDeactivated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keygate_models_deactivated_total",
			Help: "Models deactivated because the provider stopped reporting them.",
		},
		[]string{"provider"},
	)
)

// RateLimitRejections counts requests refused by a rate limiter, labelled by
// scope ("login", "credential").
var RateLimitRejections = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "keygate_rate_limit_rejections_total",
		Help: "Requests rejected by rate limiting.",
	},
	[]string{"scope"},
)
