// Package observability exposes the prometheus metrics the proxy emits.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream_url", "outcome"},
	)

	cacheOpDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tile_store_op_duration_seconds",
			Help:    "Latency of key/value store operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op", "outcome"},
	)

	cacheKeyResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_store_key_results_total",
			Help: "Individual key hit/miss results on store reads (GET and MGET).",
		},
		[]string{"result"},
	)

	cacheOutcomeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_cache_outcome_total",
			Help: "Dispatcher cache outcome (HIT/STALE/MISS) by amenity.",
		},
		[]string{"amenity", "outcome"},
	)

	upstreamPoolState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "upstream_pool_urls_in_state",
			Help: "Number of upstream pool URLs currently in a given state.",
		},
		[]string{"state"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(url string, err error, durationSeconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	upstreamLatencySeconds.WithLabelValues(url, outcome).Observe(durationSeconds)
}

// ObserveCacheOp records the latency of a single key/value store
// operation, labeled by outcome (ok/error).
func ObserveCacheOp(op string, err error, durationSeconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	cacheOpDurationSeconds.WithLabelValues(op, outcome).Observe(durationSeconds)
}

func AddCacheHits(n int) {
	if n <= 0 {
		return
	}
	cacheKeyResults.WithLabelValues("hit").Add(float64(n))
}

func AddCacheMisses(n int) {
	if n <= 0 {
		return
	}
	cacheKeyResults.WithLabelValues("miss").Add(float64(n))
}

// ObserveCacheOutcome records the dispatcher's per-request cache verdict.
func ObserveCacheOutcome(amenity, outcome string) {
	cacheOutcomeTotal.WithLabelValues(amenity, outcome).Inc()
}

// SetUpstreamPoolState reports the number of pool URLs in a given state
// (e.g. "cooldown", "quota_blocked", "available").
func SetUpstreamPoolState(state string, count int) {
	upstreamPoolState.WithLabelValues(state).Set(float64(count))
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
