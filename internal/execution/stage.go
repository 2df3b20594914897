package execution

import (
	"context"
	"sync"

	"github.com/birdayz/lakehouse/dag"
	"github.com/birdayz/lakehouse/window"
	"github.com/cenkalti/backoff/v4"
)

// Request is handed to a stage for one attempt.
type Request struct {
	RunID   string
	Stage   dag.StageID
	Window  window.Window
	Attempt int

	// Inputs holds the outputs of upstream stages that succeeded.
	Inputs map[dag.StageID]any
}

// Input returns the output of a succeeded upstream stage.
func (r Request) Input(id dag.StageID) (any, bool) {
	v, ok := r.Inputs[id]
	return v, ok
}

// Job is a submitted, possibly long-running, stage attempt.
type Job interface {
	// Wait blocks until the job finishes or ctx is done.
	Wait(ctx context.Context) (Outcome, error)
	// Cancel asks the job to stop. It is safe to call more than once.
	Cancel()
}

// Stage submits work for one window. Submit must not block on the work
// itself; the engine waits on the returned Job.
type Stage interface {
	Submit(ctx context.Context, req Request) (Job, error)
}

// StageFunc adapts a blocking function to Stage by running it in its own
// goroutine.
type StageFunc func(ctx context.Context, req Request) (Outcome, error)

func (f StageFunc) Submit(ctx context.Context, req Request) (Job, error) {
	ctx, cancel := context.WithCancel(ctx)
	j := &funcJob{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(j.done)
		j.outcome, j.err = f(ctx, req)
	}()
	return j, nil
}

type funcJob struct {
	cancel context.CancelFunc
	done   chan struct{}

	outcome Outcome
	err     error
}

func (j *funcJob) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-j.done:
		return j.outcome, j.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (j *funcJob) Cancel() { j.cancel() }

// NewJob returns a Job completed by the returned function. It lets stages
// that wrap external asynchronous systems report their result.
func NewJob(cancel func()) (Job, func(Outcome, error)) {
	j := &funcJob{done: make(chan struct{})}
	var once sync.Once
	j.cancel = func() {
		if cancel != nil {
			once.Do(cancel)
		}
	}
	var finish sync.Once
	return j, func(o Outcome, err error) {
		finish.Do(func() {
			j.outcome, j.err = o, err
			close(j.done)
		})
	}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
