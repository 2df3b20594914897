// Package batch turns a window's raw input files into conformed warehouse
// rows.
package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/birdayz/lakehouse/trip"
)

// Runner validates and identifies raw records with a pool of workers.
type Runner struct {
	workers int
	now     func() time.Time
	log     *slog.Logger
}

type RunnerOption func(*Runner)

// WithWorkers sets the number of concurrent workers.
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		r.workers = max(n, 1)
	}
}

// WithNow replaces the ingestion clock.
func WithNow(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		r.now = now
	}
}

// WithRunnerLog sets the logger.
func WithRunnerLog(log *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.log = log
	}
}

func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		workers: 4,
		now:     time.Now,
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run consumes in until it is closed or ctx is done. Accepted records get
// their ID and an ingestion time and are sent on the returned channel, in no
// particular order; rejected records are only counted. The output channel
// is closed once every worker has returned.
func (r *Runner) Run(ctx context.Context, in <-chan trip.RawRecord) (<-chan trip.CanonicalRecord, *Stats) {
	stats := &Stats{}
	out := make(chan trip.CanonicalRecord, r.workers*16)

	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.work(ctx, in, out, stats)
		}()
	}
	go func() {
		wg.Wait()
		close(out)
		r.log.Info("Batch runner finished", "stats", stats)
	}()
	return out, stats
}

func (r *Runner) work(ctx context.Context, in <-chan trip.RawRecord, out chan<- trip.CanonicalRecord, stats *Stats) {
	for {
		var raw trip.RawRecord
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-in:
			if !ok {
				return
			}
			raw = rec
		}
		stats.read.Add(1)

		rec, err := trip.Validate(raw)
		if err != nil {
			reason, _ := trip.RejectionReason(err)
			stats.reject(reason)
			continue
		}
		rec.ID = trip.Identify(rec)
		rec.IngestedAt = r.now().UTC()
		stats.accepted.Add(1)

		select {
		case out <- rec:
		case <-ctx.Done():
			return
		}
	}
}

// Process runs records through a fresh runner and collects the accepted
// ones. Convenient for small inputs and tests.
func (r *Runner) Process(ctx context.Context, raws []trip.RawRecord) ([]trip.CanonicalRecord, *Stats) {
	in := make(chan trip.RawRecord)
	go func() {
		defer close(in)
		for _, raw := range raws {
			select {
			case in <- raw:
			case <-ctx.Done():
				return
			}
		}
	}()
	out, stats := r.Run(ctx, in)
	var recs []trip.CanonicalRecord
	for rec := range out {
		recs = append(recs, rec)
	}
	return recs, stats
}
