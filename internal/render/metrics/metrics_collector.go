package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// MetricsCollector centralizes all metrics recording for Render Service.
// A nil *MetricsCollector is valid and records nothing, so components can
// run without metrics in tests.
type MetricsCollector struct {
	prometheus *PrometheusMetrics
	logger     *zap.Logger
}

// NewMetricsCollector creates a new MetricsCollector instance
func NewMetricsCollector(namespace string, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		prometheus: NewPrometheusMetrics(namespace, logger),
		logger:     logger,
	}
}

// NewMetricsCollectorWithRegistry creates a collector bound to a custom registry
func NewMetricsCollectorWithRegistry(namespace string, registry *prometheus.Registry, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		prometheus: NewPrometheusMetricsWithRegistry(namespace, registry, logger),
		logger:     logger,
	}
}

// UpdatePoolStats updates the session pool gauges
func (mc *MetricsCollector) UpdatePoolStats(capacity, available, busy int) {
	if mc == nil {
		return
	}
	mc.prometheus.UpdatePool(float64(capacity), float64(available), float64(busy))
}

// RecordOverflowSession records a temporary session created on exhaustion
func (mc *MetricsCollector) RecordOverflowSession() {
	if mc == nil {
		return
	}
	mc.prometheus.RecordOverflowSession()
}

// RecordSessionReplaced records a pooled session replaced after reset failure
func (mc *MetricsCollector) RecordSessionReplaced() {
	if mc == nil {
		return
	}
	mc.prometheus.RecordReplacedSession()
}

// RecordRender records a render outcome and its duration
func (mc *MetricsCollector) RecordRender(mode, status string, seconds float64) {
	if mc == nil {
		return
	}
	mc.prometheus.RecordRender(mode, status)
	mc.prometheus.RecordRenderDuration(mode, seconds)
}

// RecordCacheLookup records which tier served a job: hit, store or miss
func (mc *MetricsCollector) RecordCacheLookup(result string) {
	if mc == nil {
		return
	}
	mc.prometheus.RecordCacheLookup(result)
}

// RecordEngineLaunch records an engine launch attempt
func (mc *MetricsCollector) RecordEngineLaunch(success bool) {
	if mc == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	mc.prometheus.RecordEngineLaunch(status)
}

// RecordEngineTeardown records a teardown caused by a fatal failure kind
func (mc *MetricsCollector) RecordEngineTeardown(kind string) {
	if mc == nil {
		return
	}
	mc.prometheus.RecordEngineTeardown(kind)
	mc.logger.Debug("Recorded engine teardown", zap.String("kind", kind))
}

// RecordStoreError records a snapshot store failure
func (mc *MetricsCollector) RecordStoreError(op string) {
	if mc == nil {
		return
	}
	mc.prometheus.RecordStoreError(op)
}

// RecordHTTPRequest records an HTTP request
func (mc *MetricsCollector) RecordHTTPRequest(endpoint, status string) {
	if mc == nil {
		return
	}
	mc.prometheus.RecordHTTPRequest(endpoint, status)
}

// ServeHTTP serves Prometheus metrics via HTTP
func (mc *MetricsCollector) ServeHTTP(ctx *fasthttp.RequestCtx) {
	mc.prometheus.ServeHTTP(ctx)
}
