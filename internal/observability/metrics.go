package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics registry and standard meters.
type Metrics struct {
	Registry          *prometheus.Registry
	OperationDuration *prometheus.HistogramVec
	OperationTotal    *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec

	ConnectedProviders prometheus.Gauge
	PendingRequests    prometheus.Gauge
	Subscriptions      prometheus.Gauge
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	EventsRouted       *prometheus.CounterVec
	SearchFanoutFailed *prometheus.CounterVec
	Reconnects         *prometheus.CounterVec
}

// NewMetrics creates a custom Prometheus registry with standard stockyard metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	opDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockyard_operation_duration_seconds",
		Help:    "Duration of operations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "status"})

	opTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockyard_operation_total",
		Help: "Total number of operations.",
	}, []string{"operation", "status"})

	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockyard_errors_total",
		Help: "Total number of errors.",
	}, []string{"operation", "type"})

	connected := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stockyard_connected_providers",
		Help: "Number of providers with a live connection.",
	})

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stockyard_pending_requests",
		Help: "Number of in-flight correlated requests.",
	})

	subscriptions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stockyard_active_subscriptions",
		Help: "Number of active client-side subscriptions.",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockyard_cache_hits_total",
		Help: "Resource cache hits.",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockyard_cache_misses_total",
		Help: "Resource cache misses (including expired entries).",
	})

	eventsRouted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockyard_events_routed_total",
		Help: "Provider events delivered to subscriptions.",
	}, []string{"event_type"})

	fanoutFailed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockyard_search_fanout_failures_total",
		Help: "Per-provider failures swallowed during search fan-out.",
	}, []string{"provider"})

	reconnects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockyard_reconnects_total",
		Help: "Reconnect attempts per provider.",
	}, []string{"provider"})

	reg.MustRegister(opDuration, opTotal, errorsTotal, connected, pending,
		subscriptions, cacheHits, cacheMisses, eventsRouted, fanoutFailed, reconnects)

	return &Metrics{
		Registry:           reg,
		OperationDuration:  opDuration,
		OperationTotal:     opTotal,
		ErrorsTotal:        errorsTotal,
		ConnectedProviders: connected,
		PendingRequests:    pending,
		Subscriptions:      subscriptions,
		CacheHits:          cacheHits,
		CacheMisses:        cacheMisses,
		EventsRouted:       eventsRouted,
		SearchFanoutFailed: fanoutFailed,
		Reconnects:         reconnects,
	}
}
