package batch

import (
	"log/slog"
	"sync/atomic"

	"github.com/birdayz/lakehouse/trip"
)

// Stats counts records through a batch run. Counters are safe for
// concurrent use by runner workers.
type Stats struct {
	read                 atomic.Int64
	accepted             atomic.Int64
	unparseableTimestamp atomic.Int64
	negativeDuration     atomic.Int64
	written              atomic.Int64
}

// Read returns the number of raw records consumed.
func (s *Stats) Read() int64 { return s.read.Load() }

// Accepted returns the number of records that passed validation.
func (s *Stats) Accepted() int64 { return s.accepted.Load() }

// Written returns the number of rows appended to the warehouse.
func (s *Stats) Written() int64 { return s.written.Load() }

// Rejected returns the number of dropped records for reason.
func (s *Stats) Rejected(reason trip.Reason) int64 {
	switch reason {
	case trip.ReasonUnparseableTimestamp:
		return s.unparseableTimestamp.Load()
	case trip.ReasonNegativeDuration:
		return s.negativeDuration.Load()
	}
	return 0
}

// RejectedTotal returns the number of dropped records.
func (s *Stats) RejectedTotal() int64 {
	return s.unparseableTimestamp.Load() + s.negativeDuration.Load()
}

func (s *Stats) reject(reason trip.Reason) {
	switch reason {
	case trip.ReasonUnparseableTimestamp:
		s.unparseableTimestamp.Add(1)
	case trip.ReasonNegativeDuration:
		s.negativeDuration.Add(1)
	}
}

// Result is a point-in-time copy of Stats, printed by the batch CLI and
// read back by the process submitter.
type Result struct {
	JobName  string                `json:"job_name"`
	Read     int64                 `json:"read"`
	Accepted int64                 `json:"accepted"`
	Rejected map[trip.Reason]int64 `json:"rejected"`
	Written  int64                 `json:"written"`
	NoInput  bool                  `json:"no_input,omitempty"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() Result {
	return Result{
		Read:     s.Read(),
		Accepted: s.Accepted(),
		Rejected: map[trip.Reason]int64{
			trip.ReasonUnparseableTimestamp: s.Rejected(trip.ReasonUnparseableTimestamp),
			trip.ReasonNegativeDuration:     s.Rejected(trip.ReasonNegativeDuration),
		},
		Written: s.Written(),
	}
}

// LogValue implements slog.LogValuer for structured logging.
func (s *Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("read", s.Read()),
		slog.Int64("accepted", s.Accepted()),
		slog.Int64("rejected_unparseable_timestamp", s.Rejected(trip.ReasonUnparseableTimestamp)),
		slog.Int64("rejected_negative_duration", s.Rejected(trip.ReasonNegativeDuration)),
		slog.Int64("written", s.Written()),
	)
}
