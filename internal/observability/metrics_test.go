package observability

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	m.StepCompleted("click_element", "ok", 2*time.Second)
	m.StepCompleted("click_element", "ok", time.Second)
	m.StepCompleted("navigate", "failed", time.Second)
	m.CaptureFailed()
	m.StaleSnapshot()
	m.RunFinished("done")
	m.Tokens("gemini", 100, 20)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.stepsTotal.WithLabelValues("click_element", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepsTotal.WithLabelValues("navigate", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.captureFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.staleSnapshots))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("done")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.modelTokens.WithLabelValues("gemini", "prompt")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "pagepilot_steps_total")
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.StepCompleted("done", "ok", time.Second)
		m.ModelCall("gemini", "ok", time.Second)
		m.Tokens("gemini", 1, 1)
		m.CaptureFailed()
		m.StaleSnapshot()
		m.RunFinished("failed")
	})
	assert.Nil(t, m.Registry())
}
