package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	activity    *prometheus.CounterVec
	subscribers prometheus.Gauge
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking the ledger activity feed.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			activity: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "memefi",
				Subsystem: "events",
				Name:      "activity_total",
				Help:      "Count of published ledger activity events segmented by type.",
			}, []string{"type"}),
			subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "memefi",
				Subsystem: "events",
				Name:      "activity_subscribers",
				Help:      "Number of live activity feed subscribers.",
			}),
		}
		prometheus.MustRegister(eventRegistry.activity, eventRegistry.subscribers)
	})
	return eventRegistry
}

// RecordActivity increments the activity counter for the supplied event type.
func (m *eventMetrics) RecordActivity(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.activity.WithLabelValues(normalized).Inc()
}

// SubscriberAdded tracks a new activity feed subscription.
func (m *eventMetrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

// SubscriberRemoved tracks a released activity feed subscription.
func (m *eventMetrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}
