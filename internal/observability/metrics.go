package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spotterfit/location-sync-service/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases, SLO breaches.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Collaborator API call rate per operation (push_location, list_users, list_gyms,
	// ip_lookup, reverse_geocode, device_fix). Watch for: error vs success ratio.
	UpstreamCallsTotal *prometheus.CounterVec

	// Collaborator API latency. Watch for: p95 > 2s (upstream degradation), p99 > 5s (timeout risk).
	UpstreamCallDuration *prometheus.HistogramVec

	// Retry attempts against collaborator APIs. Watch for: high retries = unstable upstream.
	UpstreamRetriesTotal *prometheus.CounterVec

	// Location pushes by result (pushed, failed). Failed pushes retry on the next eligible tick.
	LocationPushesTotal *prometheus.CounterVec

	// Sync evaluations that decided not to push, by reason (cooldown, no_location, insignificant).
	SyncSkippedTotal *prometheus.CounterVec

	// Acquisition attempts by source and outcome. Fallback chain: stored, ip, gps, exhausted.
	AcquisitionsTotal *prometheus.CounterVec

	// Entity cache hits by entity type (users, gyms). Hit rate = hits/(hits+fetches).
	EntityCacheHitsTotal *prometheus.CounterVec

	// Entity cache fetches by entity type and status (success, error).
	EntityCacheFetchesTotal *prometheus.CounterVec

	// Fetch calls that attached to an already in-flight fetch instead of issuing their own.
	EntityFetchCoalescedTotal *prometheus.CounterVec

	// Concurrent callers observed during a single fetch. Watch for: stampede pressure per entity type.
	EntityFetchConcurrency *prometheus.HistogramVec

	// Current-location store errors by operation (save, load). Errors degrade to "no stored location".
	StoreErrorsTotal *prometheus.CounterVec

	// Cache warming runs, failures, and duration.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	UpstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamCallsTotal",
			Help: "Total number of collaborator API calls",
		},
		[]string{"operation", "status"},
	)
	UpstreamCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstreamCallDurationSeconds",
			Help:    "Collaborator API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation", "status"},
	)
	UpstreamRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamRetriesTotal",
			Help: "Total number of retry attempts against collaborator APIs",
		},
		[]string{"operation"},
	)
	LocationPushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locationPushesTotal",
			Help: "Location pushes to the backend by result (pushed, failed)",
		},
		[]string{"result"},
	)
	SyncSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncSkippedTotal",
			Help: "Sync evaluations that aborted without a push, by reason",
		},
		[]string{"reason"},
	)
	AcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locationAcquisitionsTotal",
			Help: "Location acquisition attempts by source and outcome",
		},
		[]string{"source", "outcome"},
	)
	EntityCacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entityCacheHitsTotal",
			Help: "Entity cache hits served without a network call",
		},
		[]string{"entity"},
	)
	EntityCacheFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entityCacheFetchesTotal",
			Help: "Entity cache fetches by entity type and status",
		},
		[]string{"entity", "status"},
	)
	EntityFetchCoalescedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entityFetchCoalescedTotal",
			Help: "Fetch calls that attached to an in-flight fetch for the same entity type",
		},
		[]string{"entity"},
	)
	EntityFetchConcurrency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "entityFetchConcurrency",
			Help:    "Concurrent callers observed while one fetch was in flight",
			Buckets: []float64{2, 3, 5, 10, 20, 50},
		},
		[]string{"entity"},
	)
	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locationStoreErrorsTotal",
			Help: "Current-location store failures by operation (save, load)",
		},
		[]string{"operation"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Total number of entity cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs that had at least one failed fetch",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Duration of cache warming runs in seconds",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30},
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		UpstreamCallsTotal, UpstreamCallDuration, UpstreamRetriesTotal,
		LocationPushesTotal, SyncSkippedTotal, AcquisitionsTotal,
		EntityCacheHitsTotal, EntityCacheFetchesTotal,
		EntityFetchCoalescedTotal, EntityFetchConcurrency,
		StoreErrorsTotal,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		RateLimitDeniedTotal,
	)
}

// RegisterRateLimitGauges registers load and rejects gauges for the rate-limited path.
// Call from main after config load with the shared tracker and cfg.OverloadWindow.
func RegisterRateLimitGauges(tracker *traffic.Tracker, window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests observed within the overload window",
				},
				func() float64 { return float64(tracker.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitDeniedInWindow",
					Help: "Rate-limit denials within the overload window",
				},
				func() float64 { return float64(tracker.DenialCount(window)) },
			),
		)
	})
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
