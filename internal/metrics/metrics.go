// Package metrics exposes window and stage run metrics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/birdayz/lakehouse/internal/batch"
	"github.com/birdayz/lakehouse/internal/execution"
)

const namespace = "lakehouse"

// Metrics implements execution.Listener.
type Metrics struct {
	registry *prometheus.Registry

	stagesRunning    prometheus.Gauge
	stageTransitions *prometheus.CounterVec
	stageRetries     *prometheus.CounterVec
	stageSkips       *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	windowRuns       *prometheus.CounterVec
	windowDuration   prometheus.Histogram
	recordsRead      prometheus.Counter
	recordsAccepted  prometheus.Counter
	recordsRejected  *prometheus.CounterVec
	recordsWritten   prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		stagesRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stages_running",
			Help:      "Stage attempts currently running",
		}),
		stageTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_finished_total",
			Help:      "Stages reaching a terminal state",
		}, []string{"stage", "status"}),
		stageRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Failed stage attempts that were retried",
		}, []string{"stage"}),
		stageSkips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_skipped_total",
			Help:      "Skipped stages by reason",
		}, []string{"stage", "reason"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time from first attempt to terminal state",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 18),
		}, []string{"stage", "status"}),
		windowRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "window_runs_total",
			Help:      "Finished window runs by status",
		}, []string{"status"}),
		windowDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "window_run_duration_seconds",
			Help:      "Duration of window runs",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		recordsRead: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_read_total",
			Help:      "Raw trip records read by batch jobs",
		}),
		recordsAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_accepted_total",
			Help:      "Trip records passing validation",
		}),
		recordsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_rejected_total",
			Help:      "Trip records dropped by validation",
		}, []string{"reason"}),
		recordsWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_written_total",
			Help:      "Trip records appended to the warehouse",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) StageChanged(run execution.Run, from execution.Status, st execution.StageState) {
	if from == execution.StatusRunning {
		m.stagesRunning.Dec()
	}
	if st.Status == execution.StatusRunning {
		m.stagesRunning.Inc()
		return
	}
	stage := string(st.Stage)
	if st.Retrying {
		m.stageRetries.WithLabelValues(stage).Inc()
		return
	}
	if !st.Terminal() {
		return
	}
	m.stageTransitions.WithLabelValues(stage, st.Status.String()).Inc()
	if st.Status == execution.StatusSkipped {
		m.stageSkips.WithLabelValues(stage, string(st.Reason)).Inc()
	}
	if !st.StartedAt.IsZero() {
		m.stageDuration.WithLabelValues(stage, st.Status.String()).Observe(st.FinishedAt.Sub(st.StartedAt).Seconds())
	}
}

func (m *Metrics) RunFinished(rep *execution.Report) {
	m.windowRuns.WithLabelValues(string(rep.Status)).Inc()
	m.windowDuration.Observe(rep.FinishedAt.Sub(rep.StartedAt).Seconds())
	for _, st := range rep.Stages {
		res, ok := st.Output.(batch.Result)
		if !ok {
			continue
		}
		m.recordsRead.Add(float64(res.Read))
		m.recordsAccepted.Add(float64(res.Accepted))
		m.recordsWritten.Add(float64(res.Written))
		for reason, n := range res.Rejected {
			m.recordsRejected.WithLabelValues(string(reason)).Add(float64(n))
		}
	}
}
