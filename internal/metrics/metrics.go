package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Resolution metrics
	ResolveTotal *prometheus.CounterVec

	// Edge cache metrics
	CacheTotal *prometheus.CounterVec

	// Origin fetch metrics
	OriginFetchTotal    *prometheus.CounterVec
	OriginFetchDuration *prometheus.HistogramVec

	// Transformation pipeline metrics
	PipelineOperationTotal *prometheus.CounterVec
	PipelineDuration       *prometheus.HistogramVec

	// Restart coordination metrics
	ReloadTriggerTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		ResolveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resolve_total",
			Help: "Total number of origin resolutions by outcome",
		}, []string{"outcome"}),

		CacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_cache_total",
			Help: "Total number of edge cache lookups by result",
		}, []string{"result"}),

		OriginFetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "origin_fetch_total",
			Help: "Total number of origin fetches",
		}, []string{"origin", "status"}),

		OriginFetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "origin_fetch_duration_seconds",
			Help:    "Origin fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"origin", "status"}),

		PipelineOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_operations_total",
			Help: "Total number of transformation operations executed",
		}, []string{"operation", "status"}),

		PipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_duration_seconds",
			Help:    "Full transformation pipeline duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),

		ReloadTriggerTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reload_trigger_total",
			Help: "Total number of restart triggers by outcome",
		}, []string{"outcome"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	// Try to register each metric, ignore if already registered
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.ResolveTotal)
	registerOrGet(m.CacheTotal)
	registerOrGet(m.OriginFetchTotal)
	registerOrGet(m.OriginFetchDuration)
	registerOrGet(m.PipelineOperationTotal)
	registerOrGet(m.PipelineDuration)
	registerOrGet(m.ReloadTriggerTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
