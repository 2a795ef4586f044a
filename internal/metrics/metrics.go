// Package metrics provides Prometheus instrumentation for the request
// governor. All metric collectors are registered via the Init function and
// exposed through the Handler for scraping.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CacheHits counts cache hits by governor name.
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"governor"},
	)

	// CacheMisses counts cache misses (absent or expired) by governor name.
	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_cache_misses_total",
			Help: "Total cache misses, including expired entries",
		},
		[]string{"governor"},
	)

	// CacheSize tracks the number of live cache entries.
	CacheSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "governor_cache_entries",
			Help: "Current number of cache entries",
		},
		[]string{"governor"},
	)

	// DedupJoins counts callers that joined an in-flight call instead of
	// issuing their own upstream request.
	DedupJoins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_dedup_joins_total",
			Help: "Total callers coalesced onto an existing in-flight call",
		},
		[]string{"governor"},
	)

	// QueueDepth tracks the number of work items waiting for dispatch.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "governor_queue_depth",
			Help: "Current number of queued work items",
		},
		[]string{"governor"},
	)

	// ActiveDispatches tracks work items currently executing.
	ActiveDispatches = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "governor_active_dispatches",
			Help: "Work items currently executing against the upstream",
		},
		[]string{"governor"},
	)

	// DispatchesTotal counts dispatched work items by final outcome.
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_dispatches_total",
			Help: "Total dispatched work items by outcome",
		},
		[]string{"governor", "outcome"},
	)

	// RetriesTotal counts retry attempts (not first attempts).
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_retries_total",
			Help: "Total retry attempts after transient failures",
		},
		[]string{"governor"},
	)

	// BreakerState reports the circuit breaker state as a number
	// (0=closed, 1=open, 2=half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "governor_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"governor"},
	)

	// BreakerTransitions counts circuit breaker state changes.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"governor", "from", "to"},
	)

	// BreakerRejections counts calls rejected while the breaker was open.
	BreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_breaker_rejections_total",
			Help: "Total calls rejected by an open circuit breaker",
		},
		[]string{"governor"},
	)

	// UpstreamRequests counts upstream HTTP requests by method and status.
	UpstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_upstream_requests_total",
			Help: "Total upstream HTTP requests",
		},
		[]string{"method", "status"},
	)

	// UpstreamLatency observes upstream request latency in seconds.
	UpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "governor_upstream_latency_seconds",
			Help:    "Upstream request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

var registerOnce sync.Once

// Init registers all metric collectors with the default Prometheus registry.
// Safe to call more than once; registration happens on the first call.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			CacheHits,
			CacheMisses,
			CacheSize,
			DedupJoins,
			QueueDepth,
			ActiveDispatches,
			DispatchesTotal,
			RetriesTotal,
			BreakerState,
			BreakerTransitions,
			BreakerRejections,
			UpstreamRequests,
			UpstreamLatency,
		)
	})
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
