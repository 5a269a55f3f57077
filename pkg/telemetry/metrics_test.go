package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.SampleIngested()
		m.SampleRejected("indoorTemperature")
		m.GuardExhausted()
		m.HardLimitEvent()
		m.PersistFailed("thermal_raw_data")
		m.Rebalanced(time.Millisecond, 1, 2, 3, 4)
		m.ModelUpdated(0.5)
		m.MaintenanceRun("model", nil)
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.GuardExhausted()
	m.GuardExhausted()
	m.HardLimitEvent()
	m.SampleRejected("timestamp")
	m.SampleRejected("")
	m.MaintenanceRun("cleanup", errors.New("boom"))
	m.ModelUpdated(0.25)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.guardExhausted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.hardLimitEvents))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.samplesRejected.WithLabelValues("timestamp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.samplesRejected.WithLabelValues("unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.maintenanceRuns.WithLabelValues("cleanup", "failure")))
	assert.Equal(t, 0.25, testutil.ToFloat64(m.modelConfidence))
}

func TestMetrics_HandlerExposesRegistry(t *testing.T) {
	m := New()
	m.HardLimitEvent()

	wrapped := m.WrapHandler("/metrics", m.Handler())
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "thermalstore_hard_limit_events_total 1")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("/metrics", "200")))
}
