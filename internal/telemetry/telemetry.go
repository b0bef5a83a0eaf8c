// Package telemetry configures the process-wide logrus instance and the
// Prometheus collectors both binaries expose on /metrics. The components
// that log (router and worker) take an injected *logrus.Entry rather than
// reaching for a package-global logger, so this package's job is limited to building
// that one entry and registering metrics — never handing out a singleton
// for business code to call directly.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// NewLogger builds a JSON-formatted logrus logger at the given level,
// falling back to info on an unparseable level rather than failing
// startup over a logging typo.
func NewLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)
	return log
}

// RouterMetrics are the Prometheus collectors registered by cmd/router.
type RouterMetrics struct {
	RequestsTotal *prometheus.CounterVec
	RouteDuration prometheus.Histogram
	BreakerState  *prometheus.GaugeVec
	FailoverCount prometheus.Counter
}

// NewRouterMetrics registers the router's collectors against reg.
func NewRouterMetrics(reg prometheus.Registerer) *RouterMetrics {
	factory := promauto.With(reg)
	return &RouterMetrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "torua_infer_router_requests_total",
			Help: "Total inference requests handled by the router, by outcome.",
		}, []string{"outcome"}),
		RouteDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "torua_infer_router_route_duration_seconds",
			Help:    "End-to-end Route() latency, including failover attempts.",
			Buckets: prometheus.DefBuckets,
		}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "torua_infer_router_breaker_state",
			Help: "Current circuit breaker state per worker (0=CLOSED,1=OPEN,2=HALF_OPEN).",
		}, []string{"node"}),
		FailoverCount: factory.NewCounter(prometheus.CounterOpts{
			Name: "torua_infer_router_failovers_total",
			Help: "Number of times Route() fell through to a non-primary worker.",
		}),
	}
}

// WorkerMetrics are the Prometheus collectors registered by cmd/worker.
type WorkerMetrics struct {
	RequestsTotal *prometheus.CounterVec
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	BatchSize     prometheus.Histogram
}

// NewWorkerMetrics registers the worker's collectors against reg.
func NewWorkerMetrics(reg prometheus.Registerer) *WorkerMetrics {
	factory := promauto.With(reg)
	return &WorkerMetrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "torua_infer_worker_requests_total",
			Help: "Total inference requests handled by this worker, by cache outcome.",
		}, []string{"cache"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "torua_infer_worker_cache_hits_total",
			Help: "Total cache hits on this worker.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "torua_infer_worker_cache_misses_total",
			Help: "Total cache misses on this worker.",
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "torua_infer_worker_batch_size",
			Help:    "Distribution of batch sizes dispatched to the executor.",
			Buckets: prometheus.LinearBuckets(1, 4, 8),
		}),
	}
}
