// Package metrics exposes the Prometheus collectors of the dispatch pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "outbound"

// Admission outcomes.
const (
	OutcomeAdmitted = "admitted"
	OutcomeDenied   = "denied"
	OutcomeBuffered = "buffered"
	OutcomeRejected = "rejected"
	OutcomeRetry    = "retry"
	OutcomeFailed   = "failed"
	OutcomeMissing  = "missing"
	OutcomeSkipped  = "skipped"
)

// Metrics groups the collectors. A nil *Metrics records nothing.
type Metrics struct {
	admissions    *prometheus.CounterVec
	bufferSize    prometheus.Gauge
	evictions     prometheus.Counter
	activeSlots   prometheus.Gauge
	callbacks     *prometheus.CounterVec
	expired       prometheus.Counter
	sweepDuration prometheus.Histogram
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "admissions_total",
			Help:      "Admission attempts by outcome.",
		}, []string{"outcome"}),
		bufferSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "size",
			Help:      "Calls waiting in the pending buffer.",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "evictions_total",
			Help:      "Buffered calls evicted for exceeding the max age.",
		}),
		activeSlots: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "active_slots",
			Help:      "Global slots currently held.",
		}),
		callbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "callback",
			Name:      "received_total",
			Help:      "Provider callbacks by reported status and whether they transitioned the call.",
		}, []string{"status", "transitioned"}),
		expired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "expired_slots_total",
			Help:      "Slots reclaimed because their holder outlived the lock TTL.",
		}),
		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of buffer sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
}

// ObserveAdmission counts one admission outcome.
func (m *Metrics) ObserveAdmission(outcome string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(outcome).Inc()
}

// SetBufferSize records the buffer size.
func (m *Metrics) SetBufferSize(n int) {
	if m == nil {
		return
	}
	m.bufferSize.Set(float64(n))
}

// AddEvictions counts evicted buffer entries.
func (m *Metrics) AddEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evictions.Add(float64(n))
}

// SetActiveSlots records the global slot count.
func (m *Metrics) SetActiveSlots(n int) {
	if m == nil {
		return
	}
	m.activeSlots.Set(float64(n))
}

// ObserveCallback counts a provider callback.
func (m *Metrics) ObserveCallback(status string, transitioned bool) {
	if m == nil {
		return
	}
	label := "false"
	if transitioned {
		label = "true"
	}
	m.callbacks.WithLabelValues(status, label).Inc()
}

// AddExpired counts slots reclaimed by the reaper.
func (m *Metrics) AddExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.Add(float64(n))
}

// ObserveSweep records a sweep duration.
func (m *Metrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}
