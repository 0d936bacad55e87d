package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.MessageReceived("heart-sound-data")
	m.MessageReceived("heart-sound-data")
	m.MessageDropped("control", "invalid_payload")
	m.SetActiveSessions(3)
	m.Prediction("heart-sound", "completed", true)
	m.ObserveStage("primary", 15*time.Millisecond)
	m.TelemetryError("redis")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesReceived.WithLabelValues("heart-sound-data")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesDropped.WithLabelValues("control", "invalid_payload")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.predictions.WithLabelValues("heart-sound", "completed", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.telemetryErrors.WithLabelValues("redis")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.inferenceDuration))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.MessageReceived("control")
		m.MessageDropped("control", "x")
		m.SetActiveSessions(1)
		m.SessionTransition("done")
		m.SessionFinalized("complete")
		m.Prediction("electrical", "error", false)
		m.ObserveStage("persist", time.Second)
		m.TelemetryPublished("mqtt")
		m.TelemetryError("mqtt")
		m.PersistFailed("save_results")
	})
}
