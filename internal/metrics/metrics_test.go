package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.RunFinished("completed")
	m.RunFinished("completed")
	m.RunFinished("skipped")
	m.ExternalCall("task", time.Now(), nil)
	m.ExternalCall("subtask", time.Now(), errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.runs.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.externalCalls.WithLabelValues("subtask", "error")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.callDuration, "repairline_external_call_duration_seconds"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RunFinished("completed")
	m.ExternalCall("task", time.Now(), nil)
}

func TestHandlerExposesRuns(t *testing.T) {
	m := New()
	m.RunFinished("failed")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `repairline_runs_total{outcome="failed"} 1`))
}
