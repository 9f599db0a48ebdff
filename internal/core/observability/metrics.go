// Package observability records the service's Prometheus metrics.
package observability

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type metricSet struct {
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	upstreamLatency *prometheus.HistogramVec
	indexFetches    *prometheus.CounterVec
	indexFetchDur   *prometheus.HistogramVec
	resolves        *prometheus.CounterVec
	resolveDuration *prometheus.HistogramVec
	indexCache      *prometheus.CounterVec
	cacheOps        *prometheus.CounterVec
	redisDuration   *prometheus.HistogramVec
	buildInfo       *prometheus.GaugeVec
}

var current atomic.Pointer[metricSet]

func init() {
	current.Store(newMetricSet())
}

func newMetricSet() *metricSet {
	return &metricSet{
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
			},
			[]string{"method", "route", "status"},
		),
		upstreamLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "upstream_latency_seconds",
				Help:    "Latency of platform API calls in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"upstream", "status"},
		),
		indexFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_fetch_total",
				Help: "Quadtree index fetches by outcome.",
			},
			[]string{"outcome"},
		),
		indexFetchDur: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "index_fetch_duration_seconds",
				Help:    "Duration of quadtree index fetches through the gateway chain.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"outcome"},
		),
		resolves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tile_resolve_total",
				Help: "Tile resolutions by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		),
		resolveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tile_resolve_duration_seconds",
				Help:    "Duration of tile resolutions including the index fetch.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"mode"},
		),
		indexCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_cache_results_total",
				Help: "Index cache lookups by tier and outcome.",
			},
			[]string{"tier", "outcome"},
		),
		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_op_total",
				Help: "Redis operations by op and result.",
			},
			[]string{"op", "result"},
		),
		redisDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "redis_operation_duration_seconds",
				Help:    "Duration of redis operations in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"op"},
		),
		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quadindex_build_info",
				Help: "Build information for the binary.",
			},
			[]string{"version"},
		),
	}
}

// Init swaps in a fresh metric set, registered on reg when enabled.
func Init(reg prometheus.Registerer, enabled bool) {
	m := newMetricSet()
	if enabled && reg != nil {
		reg.MustRegister(
			m.httpRequests, m.httpDuration, m.upstreamLatency,
			m.indexFetches, m.indexFetchDur, m.resolves, m.resolveDuration,
			m.indexCache, m.cacheOps, m.redisDuration, m.buildInfo,
		)
	}
	current.Store(m)
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	m := current.Load()
	st := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, route, st).Inc()
	m.httpDuration.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, status int, durationSeconds float64) {
	st := "error"
	if status > 0 {
		st = strconv.Itoa(status)
	}
	current.Load().upstreamLatency.WithLabelValues(upstream, st).Observe(durationSeconds)
}

// outcome is one of ok, empty, error
func ObserveIndexFetch(outcome string, durationSeconds float64) {
	m := current.Load()
	m.indexFetches.WithLabelValues(outcome).Inc()
	m.indexFetchDur.WithLabelValues(outcome).Observe(durationSeconds)
}

// outcome is one of hit, miss, invalid, error
func ObserveResolve(mode, outcome string, durationSeconds float64) {
	m := current.Load()
	m.resolves.WithLabelValues(mode, outcome).Inc()
	m.resolveDuration.WithLabelValues(mode).Observe(durationSeconds)
}

func IncIndexCache(tier, outcome string) {
	current.Load().indexCache.WithLabelValues(tier, outcome).Inc()
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	m := current.Load()
	res := "ok"
	if err != nil {
		res = "error"
	}
	m.cacheOps.WithLabelValues(op, res).Inc()
	m.redisDuration.WithLabelValues(op).Observe(durationSeconds)
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	current.Load().buildInfo.WithLabelValues(version).Set(1)
}
