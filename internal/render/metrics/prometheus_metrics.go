package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// PrometheusMetrics holds the render service collectors
type PrometheusMetrics struct {
	// Session pool metrics
	poolCapacity     prometheus.Gauge
	poolAvailable    prometheus.Gauge
	poolBusy         prometheus.Gauge
	overflowSessions prometheus.Counter
	replacedSessions prometheus.Counter

	// Render metrics
	rendersTotal   *prometheus.CounterVec
	renderDuration *prometheus.HistogramVec
	cacheLookups   *prometheus.CounterVec

	// Engine metrics
	engineLaunches  *prometheus.CounterVec
	engineTeardowns *prometheus.CounterVec

	// Snapshot store metrics
	storeErrors *prometheus.CounterVec

	// HTTP metrics
	httpRequests *prometheus.CounterVec

	logger      *zap.Logger
	httpHandler func(*fasthttp.RequestCtx)
}

// NewPrometheusMetrics registers collectors on the default registry
func NewPrometheusMetrics(namespace string, logger *zap.Logger) *PrometheusMetrics {
	return NewPrometheusMetricsWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewPrometheusMetricsWithRegistry registers collectors on a custom registry
func NewPrometheusMetricsWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *PrometheusMetrics {
	pm := &PrometheusMetrics{
		logger: logger,
	}

	pm.poolCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rs",
		Name:      "pool_capacity",
		Help:      "Configured number of pooled render sessions",
	})

	pm.poolAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rs",
		Name:      "pool_available",
		Help:      "Number of idle pooled sessions",
	})

	pm.poolBusy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rs",
		Name:      "pool_busy",
		Help:      "Number of sessions in use, temporaries included",
	})

	pm.overflowSessions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rs",
		Name:      "overflow_sessions_total",
		Help:      "Temporary sessions created because the pool was exhausted",
	})

	pm.replacedSessions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rs",
		Name:      "replaced_sessions_total",
		Help:      "Pooled sessions replaced after a failed reset",
	})

	pm.rendersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rs",
		Name:      "renders_total",
		Help:      "Total number of render jobs by mode and outcome",
	}, []string{"mode", "status"})

	pm.renderDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "rs",
		Name:      "render_duration_seconds",
		Help:      "Time spent rendering pages",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
	}, []string{"mode"})

	pm.cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rs",
		Name:      "cache_lookups_total",
		Help:      "Result lookups by tier outcome",
	}, []string{"result"}) // result: hit, store, miss

	pm.engineLaunches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rs",
		Name:      "engine_launches_total",
		Help:      "Browser engine launch attempts",
	}, []string{"status"})

	pm.engineTeardowns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rs",
		Name:      "engine_teardowns_total",
		Help:      "Engine teardowns triggered by fatal failures",
	}, []string{"kind"})

	pm.storeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rs",
		Name:      "store_errors_total",
		Help:      "Snapshot store failures by operation",
	}, []string{"op"})

	pm.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rs",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by endpoint and status",
	}, []string{"endpoint", "status"})

	registerer.MustRegister(
		pm.poolCapacity,
		pm.poolAvailable,
		pm.poolBusy,
		pm.overflowSessions,
		pm.replacedSessions,
		pm.rendersTotal,
		pm.renderDuration,
		pm.cacheLookups,
		pm.engineLaunches,
		pm.engineTeardowns,
		pm.storeErrors,
		pm.httpRequests,
	)

	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	pm.httpHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	logger.Info("Render Service Prometheus metrics initialized")
	return pm
}

// UpdatePool sets the pool gauges
func (pm *PrometheusMetrics) UpdatePool(capacity, available, busy float64) {
	pm.poolCapacity.Set(capacity)
	pm.poolAvailable.Set(available)
	pm.poolBusy.Set(busy)
}

func (pm *PrometheusMetrics) RecordOverflowSession() {
	pm.overflowSessions.Inc()
}

func (pm *PrometheusMetrics) RecordReplacedSession() {
	pm.replacedSessions.Inc()
}

// RecordRender records a render job outcome
func (pm *PrometheusMetrics) RecordRender(mode, status string) {
	pm.rendersTotal.WithLabelValues(mode, status).Inc()
}

// RecordRenderDuration records render duration
func (pm *PrometheusMetrics) RecordRenderDuration(mode string, seconds float64) {
	pm.renderDuration.WithLabelValues(mode).Observe(seconds)
}

func (pm *PrometheusMetrics) RecordCacheLookup(result string) {
	pm.cacheLookups.WithLabelValues(result).Inc()
}

func (pm *PrometheusMetrics) RecordEngineLaunch(status string) {
	pm.engineLaunches.WithLabelValues(status).Inc()
}

func (pm *PrometheusMetrics) RecordEngineTeardown(kind string) {
	pm.engineTeardowns.WithLabelValues(kind).Inc()
}

func (pm *PrometheusMetrics) RecordStoreError(op string) {
	pm.storeErrors.WithLabelValues(op).Inc()
}

// RecordHTTPRequest records an HTTP request
func (pm *PrometheusMetrics) RecordHTTPRequest(endpoint, status string) {
	pm.httpRequests.WithLabelValues(endpoint, status).Inc()
}

// ServeHTTP serves Prometheus metrics via HTTP
func (pm *PrometheusMetrics) ServeHTTP(ctx *fasthttp.RequestCtx) {
	pm.httpHandler(ctx)
}
