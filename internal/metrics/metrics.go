// Package metrics defines the Prometheus collectors for chat sends.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry  *prometheus.Registry
	sends     *prometheus.CounterVec
	events    *prometheus.CounterVec
	malformed prometheus.Counter
	duration  prometheus.Histogram
}

// New registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamchat_sends_total",
			Help: "Chat sends by terminal outcome.",
		}, []string{"outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamchat_stream_events_total",
			Help: "Decoded stream events by kind.",
		}, []string{"kind"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamchat_malformed_frames_total",
			Help: "Stream frames dropped because they failed to decode.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamchat_send_duration_seconds",
			Help:    "Wall time from send to terminal state.",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
	}
	m.registry.MustRegister(m.sends, m.events, m.malformed, m.duration)
	return m
}

// ObserveSend records one terminal send.
func (m *Metrics) ObserveSend(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
	m.duration.Observe(seconds)
}

// ObserveEvent counts one decoded event.
func (m *Metrics) ObserveEvent(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

// AddMalformed counts dropped frames.
func (m *Metrics) AddMalformed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.malformed.Add(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry, mainly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
