// Package metricsapi exposes internal observability for the sidecar
// itself on /internal/metrics, distinct from the on-disk performance
// dataset the store package writes per collection/benchmark session.
// Only BenchmarkInFlight is updated by this module (around each benchmark
// replay request); the other collectors are registered and served, but no
// code in this module records into them.
package metricsapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ProxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perfsidecar_proxy_requests_total",
			Help: "Total proxied requests, by client-facing status code.",
		},
		[]string{"status"},
	)

	ProxyRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "perfsidecar_proxy_request_duration_seconds",
			Help:    "End-to-end proxy request duration.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"streaming"},
	)

	TTFTSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "perfsidecar_ttft_seconds",
			Help:    "Time to first content token, per captured request.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	TokensPerSecond = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "perfsidecar_decode_tokens_per_second",
			Help:    "Decode-phase throughput, per captured request.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 200, 400},
		},
	)

	ActiveCollectionSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "perfsidecar_collection_sessions_active",
			Help: "1 when a collection session is currently running, else 0.",
		},
	)

	BenchmarkInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "perfsidecar_benchmark_requests_in_flight",
			Help: "Number of benchmark replay requests currently in flight.",
		},
	)
)

// Handler serves the Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
