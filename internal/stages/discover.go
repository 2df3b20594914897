package stages

import (
	"context"
	"fmt"

	"github.com/birdayz/lakehouse/internal/discovery"
	"github.com/birdayz/lakehouse/internal/execution"
	"github.com/birdayz/lakehouse/window"
)

// WindowDiscoverer is implemented by *discovery.Discoverer.
type WindowDiscoverer interface {
	Discover(ctx context.Context, w window.Window) (discovery.Input, error)
}

// Discover returns the stage that lists the window's input. It skips with
// NO_INPUT_FOR_WINDOW when there is none and otherwise outputs the
// discovery.Input.
func Discover(d WindowDiscoverer) execution.Stage {
	return execution.StageFunc(func(ctx context.Context, req execution.Request) (execution.Outcome, error) {
		in, err := d.Discover(ctx, req.Window)
		if err != nil {
			return execution.Outcome{}, err
		}
		if in.NoInput() {
			return execution.Skip(execution.ReasonNoInput,
				fmt.Sprintf("no parquet files in s3://%s/%s", in.Bucket, in.Prefix)), nil
		}
		return execution.Succeed(in), nil
	})
}
