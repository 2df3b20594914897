package execution

import (
	"time"

	"github.com/birdayz/lakehouse/dag"
)

// Status is the state of one stage within one window run.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusSucceeded
	StatusSkipped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusRunning:
		return "RUNNING"
	case StatusSucceeded:
		return "SUCCEEDED"
	case StatusSkipped:
		return "SKIPPED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, bool) {
	for st := StatusPending; st <= StatusFailed; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return StatusPending, false
}

// SkipReason explains a SKIPPED stage.
type SkipReason string

const (
	ReasonNoInput         SkipReason = "NO_INPUT_FOR_WINDOW"
	ReasonUpstreamSkipped SkipReason = "UPSTREAM_SKIPPED"
	ReasonUpstreamFailed  SkipReason = "UPSTREAM_FAILED"
)

// Outcome is the non-error result of a stage: it either succeeded with an
// optional output handed to downstream stages, or chose to skip.
type Outcome struct {
	Skipped bool
	Reason  SkipReason
	Detail  string
	Output  any
}

// Succeed returns a successful outcome carrying output.
func Succeed(output any) Outcome {
	return Outcome{Output: output}
}

// Skip returns a skip outcome. Skips are never retried.
func Skip(reason SkipReason, detail string) Outcome {
	return Outcome{Skipped: true, Reason: reason, Detail: detail}
}

// StageState is the observable state of a stage in a window run.
type StageState struct {
	Stage    dag.StageID
	Status   Status
	Attempts int

	// Reason and Detail are set for SKIPPED stages.
	Reason SkipReason
	Detail string

	// Err is the last attempt error. For FAILED stages it wraps
	// ErrStageFailed.
	Err error

	Output any

	// Retrying is set while a FAILED stage waits for its next attempt.
	Retrying bool

	StartedAt  time.Time
	FinishedAt time.Time
}

// Terminal reports whether the stage will not change state again in this
// run.
func (s StageState) Terminal() bool {
	switch s.Status {
	case StatusSucceeded, StatusSkipped:
		return true
	case StatusFailed:
		return !s.Retrying
	}
	return false
}
