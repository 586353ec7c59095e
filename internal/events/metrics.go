package events

import "github.com/prometheus/client_golang/prometheus"

type busMetrics struct {
	published *prometheus.CounterVec
	dropped   *prometheus.CounterVec
}

func newBusMetrics(registry *prometheus.Registry) *busMetrics {
	if registry == nil {
		return nil
	}

	m := &busMetrics{
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "improver_events_published_total",
				Help: "Total number of events published by event type",
			},
			[]string{"event_type"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "improver_events_dropped_total",
				Help: "Total number of events dropped due to full subscriber buffers",
			},
			[]string{"event_type"},
		),
	}

	registry.MustRegister(m.published, m.dropped)
	return m
}

func (m *busMetrics) incPublished(eventType string) {
	if m != nil {
		m.published.WithLabelValues(eventType).Inc()
	}
}

func (m *busMetrics) incDropped(eventType string) {
	if m != nil {
		m.dropped.WithLabelValues(eventType).Inc()
	}
}
