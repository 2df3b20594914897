package batch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// Handle tracks a submitted batch job.
type Handle interface {
	// Wait blocks until the job finishes or ctx is done.
	Wait(ctx context.Context) (Result, error)
	// Cancel stops the job. Safe to call more than once.
	Cancel()
}

// Submitter starts batch jobs without waiting for them.
type Submitter interface {
	Submit(ctx context.Context, spec JobSpec) (Handle, error)
}

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	res    Result
	err    error
}

func (h *handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.res, h.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (h *handle) Cancel() { h.cancel() }

// Executor runs a job to completion; *Pipeline implements it.
type Executor interface {
	Execute(ctx context.Context, spec JobSpec) (Result, error)
}

// DirectSubmitter runs jobs in-process on their own goroutine.
type DirectSubmitter struct {
	exec Executor
}

func NewDirectSubmitter(exec Executor) *DirectSubmitter {
	return &DirectSubmitter{exec: exec}
}

func (s *DirectSubmitter) Submit(ctx context.Context, spec JobSpec) (Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.res, h.err = s.exec.Execute(ctx, spec)
	}()
	return h, nil
}

// ErrProcessFailed wraps a non-zero exit of a batch process.
var ErrProcessFailed = errors.New("batch process failed")

// ProcessSubmitter runs each job as a child process of the tripload binary.
// The child prints its Result as a JSON line on stdout.
type ProcessSubmitter struct {
	binary    string
	extraArgs []string
	log       *slog.Logger
}

// NewProcessSubmitter returns a submitter spawning binary. extraArgs are
// passed before the job flags, e.g. a --config flag.
func NewProcessSubmitter(binary string, extraArgs []string, log *slog.Logger) *ProcessSubmitter {
	return &ProcessSubmitter{binary: binary, extraArgs: extraArgs, log: log}
}

func (s *ProcessSubmitter) Submit(ctx context.Context, spec JobSpec) (Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	// The child always runs its pipeline in-process.
	spec.Runner = RunnerDirect

	ctx, cancel := context.WithCancel(ctx)
	args := append(append([]string{}, s.extraArgs...), spec.Args()...)
	cmd := exec.CommandContext(ctx, s.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &tailWriter{max: 4096, buf: &stderr}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", s.binary, err)
	}
	s.log.Info("Started batch process", "job", spec.JobName, "pid", cmd.Process.Pid)

	h := &handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		err := cmd.Wait()
		res, perr := parseResult(&stdout)
		h.res = res
		switch {
		case err != nil:
			h.err = fmt.Errorf("%w: %s: %w: %s", ErrProcessFailed, spec.JobName, err, strings.TrimSpace(stderr.String()))
		case perr != nil:
			h.err = perr
		case res.NoInput:
			h.err = ErrNoInputFiles
		}
	}()
	return h, nil
}

// parseResult returns the last JSON object line of r.
func parseResult(r io.Reader) (Result, error) {
	var (
		res   Result
		found bool
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var candidate Result
		if err := json.Unmarshal(line, &candidate); err == nil {
			res, found = candidate, true
		}
	}
	if err := sc.Err(); err != nil {
		return Result{}, err
	}
	if !found {
		return Result{}, errors.New("batch process printed no result")
	}
	return res, nil
}

// tailWriter keeps the last max bytes written.
type tailWriter struct {
	mu  sync.Mutex
	max int
	buf *bytes.Buffer
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	if over := w.buf.Len() - w.max; over > 0 {
		w.buf.Next(over)
	}
	return len(p), nil
}
