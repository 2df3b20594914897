package execution

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/birdayz/lakehouse/dag"
	"github.com/birdayz/lakehouse/window"
)

// WindowStatus summarizes a window run.
type WindowStatus string

const (
	// WindowSucceeded means every stage succeeded.
	WindowSucceeded WindowStatus = "SUCCEEDED"
	// WindowSkipped means no stage failed and at least one was skipped.
	WindowSkipped WindowStatus = "SKIPPED"
	// WindowFailed means at least one stage failed, or the run was
	// interrupted before every stage finished.
	WindowFailed WindowStatus = "FAILED"
)

// Report is the result of one window run.
type Report struct {
	RunID      string
	Window     window.Window
	Status     WindowStatus
	Stages     []StageState
	StartedAt  time.Time
	FinishedAt time.Time

	// Err is set when the run was interrupted by its context.
	Err error
}

// Stage returns the state of a stage.
func (r *Report) Stage(id dag.StageID) (StageState, bool) {
	for _, s := range r.Stages {
		if s.Stage == id {
			return s, true
		}
	}
	return StageState{}, false
}

// Failed returns the failed stages.
func (r *Report) Failed() []StageState {
	return r.filter(StatusFailed)
}

// Skipped returns the skipped stages.
func (r *Report) Skipped() []StageState {
	return r.filter(StatusSkipped)
}

// Count returns the number of stages in status s.
func (r *Report) Count(s Status) int {
	return len(r.filter(s))
}

func (r *Report) filter(s Status) []StageState {
	var out []StageState
	for _, st := range r.Stages {
		if st.Status == s {
			out = append(out, st)
		}
	}
	return out
}

// SkipReasons returns the distinct reasons of skipped stages, in stage order.
func (r *Report) SkipReasons() []SkipReason {
	seen := map[SkipReason]bool{}
	var out []SkipReason
	for _, st := range r.Skipped() {
		if !seen[st.Reason] {
			seen[st.Reason] = true
			out = append(out, st.Reason)
		}
	}
	return out
}

// Summary is a one-line human readable description of the run outcome.
func (r *Report) Summary() string {
	switch r.Status {
	case WindowSucceeded:
		return fmt.Sprintf("window %s succeeded (%d stages)", r.Window.Key(), len(r.Stages))
	case WindowSkipped:
		reasons := make([]string, 0)
		for _, reason := range r.SkipReasons() {
			reasons = append(reasons, string(reason))
		}
		return fmt.Sprintf("window %s skipped %d stages: %s",
			r.Window.Key(), r.Count(StatusSkipped), strings.Join(reasons, ", "))
	default:
		if r.Err != nil && len(r.Failed()) == 0 {
			return fmt.Sprintf("window %s interrupted: %v", r.Window.Key(), r.Err)
		}
		parts := make([]string, 0)
		for _, st := range r.Failed() {
			parts = append(parts, fmt.Sprintf("%s after %d attempts: %v", st.Stage, st.Attempts, st.Err))
		}
		return fmt.Sprintf("window %s failed: %s", r.Window.Key(), strings.Join(parts, "; "))
	}
}

func (r *Report) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("run_id", r.RunID),
		slog.String("window", r.Window.Key()),
		slog.String("status", string(r.Status)),
		slog.Int("succeeded", r.Count(StatusSucceeded)),
		slog.Int("skipped", r.Count(StatusSkipped)),
		slog.Int("failed", r.Count(StatusFailed)),
		slog.Int("pending", r.Count(StatusPending)),
		slog.Duration("duration", r.FinishedAt.Sub(r.StartedAt)),
	)
}

func windowStatus(states []StageState, interrupted bool) WindowStatus {
	status := WindowSucceeded
	for _, st := range states {
		switch st.Status {
		case StatusFailed:
			return WindowFailed
		case StatusSkipped:
			status = WindowSkipped
		case StatusPending, StatusRunning:
			interrupted = true
		}
	}
	if interrupted {
		return WindowFailed
	}
	return status
}
