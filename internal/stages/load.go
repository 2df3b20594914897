package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/birdayz/lakehouse/dag"
	"github.com/birdayz/lakehouse/internal/batch"
	"github.com/birdayz/lakehouse/internal/discovery"
	"github.com/birdayz/lakehouse/internal/execution"
)

// BatchLoad submits the window's batch job and waits for it through the
// returned execution.Job.
type BatchLoad struct {
	submitter batch.Submitter
	source    dag.StageID
	template  batch.JobSpec
	jobPrefix string
	log       *slog.Logger
}

// NewBatchLoad creates the stage. source is the discovery stage whose
// output names the input; template carries the fixed job fields.
func NewBatchLoad(submitter batch.Submitter, source dag.StageID, template batch.JobSpec, jobPrefix string, log *slog.Logger) *BatchLoad {
	return &BatchLoad{submitter: submitter, source: source, template: template, jobPrefix: jobPrefix, log: log}
}

// Spec builds the job of a request.
func (b *BatchLoad) Spec(req execution.Request) (batch.JobSpec, error) {
	v, ok := req.Input(b.source)
	if !ok {
		return batch.JobSpec{}, fmt.Errorf("%w: %s", ErrMissingInput, b.source)
	}
	in, ok := v.(discovery.Input)
	if !ok {
		return batch.JobSpec{}, fmt.Errorf("%w: %s output is %T", ErrMissingInput, b.source, v)
	}
	spec := b.template
	spec.InputGlob = in.Glob()
	spec.JobName = req.Window.JobName(b.jobPrefix)
	return spec, nil
}

func (b *BatchLoad) Submit(ctx context.Context, req execution.Request) (execution.Job, error) {
	spec, err := b.Spec(req)
	if err != nil {
		return nil, execution.Permanent(err)
	}
	h, err := b.submitter.Submit(ctx, spec)
	if err != nil {
		if errors.Is(err, batch.ErrInvalidJob) {
			return nil, execution.Permanent(err)
		}
		return nil, err
	}
	b.log.Info("Submitted batch job", "job", spec.JobName, "input", spec.InputGlob, "attempt", req.Attempt)

	job, finish := execution.NewJob(h.Cancel)
	go func() {
		res, err := h.Wait(ctx)
		switch {
		case errors.Is(err, batch.ErrNoInputFiles):
			finish(execution.Skip(execution.ReasonNoInput, "input glob "+spec.InputGlob+" matched no files"), nil)
		case err != nil:
			finish(execution.Outcome{}, err)
		default:
			b.log.Info("Batch job finished", "job", spec.JobName, "result", res)
			finish(execution.Succeed(res), nil)
		}
	}()
	return job, nil
}
