package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

type gatewayMetrics struct {
	requests    *prometheus.CounterVec
	upstream    *prometheus.HistogramVec
	rateLimited *prometheus.CounterVec
}

type indexerMetrics struct {
	frames     *prometheus.CounterVec
	reconnects prometheus.Counter
	exports    *prometheus.CounterVec
	exportTime prometheus.Histogram
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	gatewayMetricsOnce sync.Once
	gatewayRegistry    *gatewayMetrics

	indexerMetricsOnce sync.Once
	indexerRegistry    *indexerMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record
// JSON-RPC module activity on the node.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "memefi",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "memefi",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC module errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "memefi",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "memefi",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of module requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" or
// "auth_required" so dashboards and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// Gateway exposes the metrics registry for the public HTTP gateway.
func Gateway() *gatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &gatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "memefi",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Count of gateway requests segmented by route and status code.",
			}, []string{"route", "status"}),
			upstream: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "memefi",
				Subsystem: "gateway",
				Name:      "upstream_duration_seconds",
				Help:      "Latency distribution for calls the gateway forwards to the node.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "memefi",
				Subsystem: "gateway",
				Name:      "rate_limited_total",
				Help:      "Count of gateway requests rejected by the per-client rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.upstream,
			gatewayRegistry.rateLimited,
		)
	})
	return gatewayRegistry
}

// ObserveRequest records one proxied gateway request.
func (m *gatewayMetrics) ObserveRequest(route string, status int, upstream time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(labelRoute(route), fmt.Sprintf("%d", status)).Inc()
	m.upstream.WithLabelValues(labelRoute(route)).Observe(upstream.Seconds())
}

// RecordRateLimited increments the rejection counter for the route.
func (m *gatewayMetrics) RecordRateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(labelRoute(route)).Inc()
}

func labelRoute(route string) string {
	trimmed := strings.TrimSpace(route)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

// Indexer exposes the metrics registry for the read-model indexer service.
func Indexer() *indexerMetrics {
	indexerMetricsOnce.Do(func() {
		indexerRegistry = &indexerMetrics{
			frames: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "memefi",
				Subsystem: "indexer",
				Name:      "frames_total",
				Help:      "Count of activity stream frames applied, segmented by event type.",
			}, []string{"event"}),
			reconnects: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "memefi",
				Subsystem: "indexer",
				Name:      "reconnects_total",
				Help:      "Count of activity stream reconnect attempts.",
			}),
			exports: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "memefi",
				Subsystem: "indexer",
				Name:      "exports_total",
				Help:      "Count of registry snapshot export runs by outcome.",
			}, []string{"outcome"}),
			exportTime: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "memefi",
				Subsystem: "indexer",
				Name:      "export_duration_seconds",
				Help:      "Latency distribution for registry snapshot exports.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			indexerRegistry.frames,
			indexerRegistry.reconnects,
			indexerRegistry.exports,
			indexerRegistry.exportTime,
		)
	})
	return indexerRegistry
}

// RecordFrame counts one applied activity frame.
func (m *indexerMetrics) RecordFrame(eventType string) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.frames.WithLabelValues(eventType).Inc()
}

// RecordReconnect counts one stream reconnect attempt.
func (m *indexerMetrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// ObserveExport records the outcome and duration of one snapshot export.
func (m *indexerMetrics) ObserveExport(err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.exports.WithLabelValues(outcome).Inc()
	m.exportTime.Observe(duration.Seconds())
}
