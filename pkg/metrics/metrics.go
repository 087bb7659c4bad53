// Package metrics exposes Prometheus instrumentation for the discovery cycle.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the controller's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Polls          *prometheus.CounterVec
	ProbeAttempts  prometheus.Counter
	TransmitErrors *prometheus.CounterVec
	Registered     prometheus.Gauge
	PollDuration   prometheus.Histogram
	EventsDropped  *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "licd",
				Subsystem: "discovery",
				Name:      "polls_total",
				Help:      "Discovery cycles by outcome",
			},
			[]string{"outcome"},
		),
		ProbeAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "licd",
				Subsystem: "discovery",
				Name:      "probe_attempts_total",
				Help:      "Query transmissions sent to the discovery address",
			},
		),
		TransmitErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "licd",
				Subsystem: "bus",
				Name:      "transmit_errors_total",
				Help:      "Failed transmissions by two-wire status code",
			},
			[]string{"status"},
		),
		Registered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "licd",
				Subsystem: "registry",
				Name:      "devices",
				Help:      "Occupied registry slots",
			},
		),
		PollDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "licd",
				Subsystem: "discovery",
				Name:      "poll_duration_seconds",
				Help:      "Wall time of one discovery cycle",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1},
			},
		),
		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "licd",
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Discovery events not delivered to a slow subscriber",
			},
			[]string{"event"},
		),
		gatherer: reg,
	}

	reg.MustRegister(m.Polls, m.ProbeAttempts, m.TransmitErrors, m.Registered, m.PollDuration, m.EventsDropped)
	return m
}

// ObservePoll records a finished cycle.
func (m *Metrics) ObservePoll(outcome string, attempts int, d time.Duration) {
	if m == nil {
		return
	}
	m.Polls.WithLabelValues(outcome).Inc()
	m.ProbeAttempts.Add(float64(attempts))
	m.PollDuration.Observe(d.Seconds())
}

// TransmitError records a failed transmission.
func (m *Metrics) TransmitError(status uint8) {
	if m == nil {
		return
	}
	m.TransmitErrors.WithLabelValues(strconv.Itoa(int(status))).Inc()
}

// SetRegistered updates the registry occupancy gauge.
func (m *Metrics) SetRegistered(n int) {
	if m == nil {
		return
	}
	m.Registered.Set(float64(n))
}

// EventDropped records an event a subscriber missed.
func (m *Metrics) EventDropped(event string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(event).Inc()
}

// Handler serves the collected metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
