package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatch metrics
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_dispatch_total",
			Help: "Total dispatched requests by service, method and result code",
		},
		[]string{"service", "method", "code"},
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gantry_dispatch_duration_seconds",
			Help:    "End-to-end dispatch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method"},
	)

	ActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gantry_active_requests",
			Help: "Requests currently admitted and in flight",
		},
	)

	// Registry metrics
	ServicesRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gantry_services_registered",
			Help: "Number of registered services",
		},
	)

	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gantry_instances_total",
			Help: "Number of registered instances by health state",
		},
		[]string{"health"},
	)

	// Cache metrics
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_cache_lookups_total",
			Help: "Cache lookups by outcome (hit, miss, stale, bypass)",
		},
		[]string{"outcome"},
	)

	CacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gantry_cache_evictions_total",
			Help: "Entries evicted from the response cache",
		},
	)

	SingleFlightWaiters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gantry_singleflight_waiters",
			Help: "Requests currently waiting on a single-flight leader",
		},
	)

	// Breaker metrics
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_breaker_transitions_total",
			Help: "Circuit breaker state transitions by target state",
		},
		[]string{"to"},
	)

	BreakerRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gantry_breaker_rejections_total",
			Help: "Calls rejected because the instance breaker was open",
		},
	)

	// Pool metrics
	PoolChannels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gantry_pool_channels",
			Help: "Open gRPC channels across all instances",
		},
	)

	PoolExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gantry_pool_exhausted_total",
			Help: "Channel acquisitions failed because all channels were at capacity",
		},
	)

	// Admission metrics
	AdmissionRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_admission_rejected_total",
			Help: "Requests rejected by admission control (overload, ratelimit)",
		},
		[]string{"reason"},
	)

	// Invoker metrics
	RetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gantry_retries_total",
			Help: "Backend call retry attempts",
		},
	)

	HedgesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gantry_hedges_total",
			Help: "Hedged backend call attempts",
		},
	)

	// Telemetry metrics
	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gantry_events_dropped_total",
			Help: "Observation events dropped due to queue overflow",
		},
	)
)

func init() {
	prometheus.MustRegister(
		DispatchTotal,
		DispatchDuration,
		ActiveRequests,
		ServicesRegistered,
		InstancesTotal,
		CacheLookups,
		CacheEvictions,
		SingleFlightWaiters,
		BreakerTransitions,
		BreakerRejections,
		PoolChannels,
		PoolExhausted,
		AdmissionRejected,
		RetriesTotal,
		HedgesTotal,
		EventsDropped,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
