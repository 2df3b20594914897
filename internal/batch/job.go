package batch

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

var ErrInvalidJob = errors.New("invalid batch job")

// Runner names accepted in JobSpec.Runner.
const (
	RunnerDirect  = "direct"
	RunnerProcess = "process"
)

// JobSpec describes one batch load. The field set matches the flags of the
// tripload command.
type JobSpec struct {
	Project         string
	Region          string
	InputGlob       string
	Runner          string
	OutputTable     string
	TempLocation    string
	StagingLocation string
	JobName         string
}

// Validate reports every missing or invalid field.
func (s JobSpec) Validate() error {
	var err error
	required := []struct {
		name, value string
	}{
		{"input_glob", s.InputGlob},
		{"output_table", s.OutputTable},
		{"job_name", s.JobName},
	}
	for _, r := range required {
		if r.value == "" {
			err = multierr.Append(err, fmt.Errorf("%w: %s is required", ErrInvalidJob, r.name))
		}
	}
	switch s.Runner {
	case "", RunnerDirect, RunnerProcess:
	default:
		err = multierr.Append(err, fmt.Errorf("%w: unknown runner %q", ErrInvalidJob, s.Runner))
	}
	return err
}

// Args renders the spec as tripload flags. Empty fields are omitted.
func (s JobSpec) Args() []string {
	fields := []struct {
		name, value string
	}{
		{"project", s.Project},
		{"region", s.Region},
		{"input_glob", s.InputGlob},
		{"runner", s.Runner},
		{"output_table", s.OutputTable},
		{"temp_location", s.TempLocation},
		{"staging_location", s.StagingLocation},
		{"job_name", s.JobName},
	}
	var args []string
	for _, f := range fields {
		if f.value != "" {
			args = append(args, "--"+f.name+"="+f.value)
		}
	}
	return args
}
