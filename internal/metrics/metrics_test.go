package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/lakehouse/internal/batch"
	"github.com/birdayz/lakehouse/internal/execution"
	"github.com/birdayz/lakehouse/trip"
	"github.com/birdayz/lakehouse/window"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsListener(t *testing.T) {
	m := New()
	t0 := time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)
	run := execution.Run{ID: "r", Window: window.Containing(t0.Add(-time.Hour)), StartedAt: t0}

	m.StageChanged(run, execution.StatusPending, execution.StageState{Stage: "load", Status: execution.StatusRunning, StartedAt: t0})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stagesRunning))

	m.StageChanged(run, execution.StatusRunning, execution.StageState{Stage: "load", Status: execution.StatusFailed, Retrying: true, StartedAt: t0})
	m.StageChanged(run, execution.StatusFailed, execution.StageState{Stage: "load", Status: execution.StatusRunning, StartedAt: t0})
	m.StageChanged(run, execution.StatusRunning, execution.StageState{Stage: "load", Status: execution.StatusSucceeded, StartedAt: t0, FinishedAt: t0.Add(time.Second)})
	m.StageChanged(run, execution.StatusPending, execution.StageState{Stage: "silver", Status: execution.StatusSkipped, Reason: execution.ReasonUpstreamSkipped, FinishedAt: t0})

	assert.Equal(t, 0.0, testutil.ToFloat64(m.stagesRunning))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageRetries.WithLabelValues("load")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageTransitions.WithLabelValues("load", "SUCCEEDED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageSkips.WithLabelValues("silver", "UPSTREAM_SKIPPED")))

	m.RunFinished(&execution.Report{
		Status:     execution.WindowSkipped,
		StartedAt:  t0,
		FinishedAt: t0.Add(time.Minute),
		Stages: []execution.StageState{{
			Stage:  "load",
			Status: execution.StatusSucceeded,
			Output: batch.Result{Read: 10, Accepted: 8, Written: 8, Rejected: map[trip.Reason]int64{trip.ReasonNegativeDuration: 2}},
		}},
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.windowRuns.WithLabelValues("SKIPPED")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.recordsRead))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.recordsRejected.WithLabelValues("NEGATIVE_DURATION")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "lakehouse_records_written_total 8"))
}
