// Package notify connects window runs to Kafka: finished window reports are
// published, and object-store bucket notifications trigger window runs.
package notify

import (
	"time"

	"github.com/birdayz/lakehouse/internal/execution"
)

// StageMessage is the published state of one stage.
type StageMessage struct {
	Stage    string `json:"stage"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Reason   string `json:"reason,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ReportMessage is the JSON value of a report record. The record key is the
// window key.
type ReportMessage struct {
	RunID       string         `json:"run_id"`
	Window      string         `json:"window"`
	WindowStart time.Time      `json:"window_start"`
	WindowEnd   time.Time      `json:"window_end"`
	Status      string         `json:"status"`
	Summary     string         `json:"summary"`
	Stages      []StageMessage `json:"stages"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
}

func NewReportMessage(rep *execution.Report) ReportMessage {
	msg := ReportMessage{
		RunID:       rep.RunID,
		Window:      rep.Window.Key(),
		WindowStart: rep.Window.Start(),
		WindowEnd:   rep.Window.End(),
		Status:      string(rep.Status),
		Summary:     rep.Summary(),
		StartedAt:   rep.StartedAt.UTC(),
		FinishedAt:  rep.FinishedAt.UTC(),
	}
	for _, st := range rep.Stages {
		sm := StageMessage{
			Stage:    string(st.Stage),
			Status:   st.Status.String(),
			Attempts: st.Attempts,
			Reason:   string(st.Reason),
			Detail:   st.Detail,
		}
		if st.Err != nil {
			sm.Error = st.Err.Error()
		}
		msg.Stages = append(msg.Stages, sm)
	}
	return msg
}
