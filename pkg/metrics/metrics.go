// Package metrics provides Prometheus metrics for extsource: cache
// behavior, configuration resolution, and backend transactions. Metrics
// register automatically on the default registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts cache lookups served from an unexpired entry,
	// labeled by entry kind.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extsource_cache_hits_total",
			Help: "Cache lookups served from an unexpired entry",
		},
		[]string{"kind"},
	)

	// CacheMisses counts cache lookups that invoked the loader, labeled
	// by entry kind.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extsource_cache_misses_total",
			Help: "Cache lookups that invoked the loader",
		},
		[]string{"kind"},
	)

	// LoadFailures counts loader invocations that failed or returned no
	// record, labeled by entry kind.
	LoadFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extsource_load_failures_total",
			Help: "Loader invocations that failed or returned no record",
		},
		[]string{"kind"},
	)

	// BackendRequests counts backend transactions by outcome.
	BackendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extsource_backend_requests_total",
			Help: "Backend transactions by outcome",
		},
		[]string{"outcome"},
	)

	// BackendLatency observes backend transaction latency in seconds.
	BackendLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "extsource_backend_request_duration_seconds",
			Help:    "Backend transaction latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// ObserveBackend records one backend transaction.
func ObserveBackend(start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	BackendRequests.WithLabelValues(outcome).Inc()
	BackendLatency.Observe(time.Since(start).Seconds())
}
