package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorsRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveAdmission(OutcomeAdmitted)
	m.ObserveAdmission(OutcomeAdmitted)
	m.ObserveAdmission(OutcomeBuffered)
	m.SetBufferSize(4)
	m.AddEvictions(2)
	m.AddEvictions(0)
	m.SetActiveSlots(7)
	m.ObserveCallback("COMPLETED", true)
	m.ObserveSweep(3 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.admissions.WithLabelValues(OutcomeAdmitted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.admissions.WithLabelValues(OutcomeBuffered)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.bufferSize))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.evictions))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.activeSlots))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callbacks.WithLabelValues("COMPLETED", "true")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveAdmission(OutcomeDenied)
		m.SetBufferSize(1)
		m.AddEvictions(1)
		m.SetActiveSlots(1)
		m.ObserveCallback("BUSY", false)
		m.AddExpired(1)
		m.ObserveSweep(time.Second)
	})
}
