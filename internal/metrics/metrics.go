// Package metrics exposes the gateway's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of handled requests by outcome",
		},
		[]string{"model", "outcome"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end request duration in seconds, retries included",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"model"},
	)

	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_dispatch_attempts_total",
			Help: "Dispatch attempts to upstream providers",
		},
		[]string{"provider", "outcome"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_dispatch_duration_seconds",
			Help:    "Single upstream dispatch duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_retries_total",
			Help: "Dispatch attempts made after the first one",
		},
		[]string{"model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Total number of tokens recorded",
		},
		[]string{"provider", "model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cost_usd_total",
			Help: "Total recorded cost in USD",
		},
		[]string{"provider", "model"},
	)

	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_rejections_total",
			Help: "Requests rejected by the sliding-window limiter",
		},
		[]string{"principal_kind"},
	)

	QuotaRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_quota_rejections_total",
			Help: "Requests rejected because the daily quota was spent",
		},
	)

	QuotaUsageRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_quota_usage_ratio",
			Help: "Current daily quota usage ratio (0-1)",
		},
		[]string{"user_id"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)

	ProviderStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_provider_status",
			Help: "1 for the provider's current health status, 0 otherwise",
		},
		[]string{"provider", "status"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cache_lookups_total",
			Help: "Cache lookups by result",
		},
		[]string{"cache", "result"},
	)

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

var providerStatuses = []string{"ACTIVE", "INACTIVE", "DEGRADED"}

func RecordRequest(model, outcome string, durationSec float64) {
	RequestsTotal.WithLabelValues(model, outcome).Inc()
	RequestDuration.WithLabelValues(model).Observe(durationSec)
}

func RecordDispatch(providerID string, success bool, durationSec float64) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	DispatchAttempts.WithLabelValues(providerID, outcome).Inc()
	DispatchDuration.WithLabelValues(providerID).Observe(durationSec)
}

func RecordRetry(model string) {
	RetriesTotal.WithLabelValues(model).Inc()
}

func RecordTokens(providerID, model string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(providerID, model, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(providerID, model, "output").Add(float64(outputTokens))
}

func RecordCost(providerID, model string, costUSD float64) {
	CostTotal.WithLabelValues(providerID, model).Add(costUSD)
}

func RecordRateLimitRejection(principalKind string) {
	RateLimitRejections.WithLabelValues(principalKind).Inc()
}

func RecordQuotaRejection() {
	QuotaRejections.Inc()
}

func SetQuotaUsage(userID string, ratio float64) {
	QuotaUsageRatio.WithLabelValues(userID).Set(ratio)
}

func SetCircuitBreakerState(providerID string, state int) {
	CircuitBreakerState.WithLabelValues(providerID).Set(float64(state))
}

func SetProviderStatus(providerID, status string) {
	for _, s := range providerStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		ProviderStatus.WithLabelValues(providerID, s).Set(v)
	}
}

func RecordCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheLookups.WithLabelValues(cache, result).Inc()
}
