package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/birdayz/lakehouse/dag"
	"github.com/birdayz/lakehouse/window"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

var (
	ErrStageFailed   = errors.New("stage execution failed")
	ErrStageTimeout  = errors.New("stage timed out")
	ErrMissingStage  = errors.New("no executor for stage")
	ErrUnknownStage  = errors.New("executor for unknown stage")
	ErrInvalidPolicy = errors.New("invalid stage policy")
)

// RetryPolicy bounds the attempts of a stage. Delays grow exponentially from
// InitialInterval by Multiplier up to MaxInterval.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
}

// DefaultRetryPolicy allows three attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 5 * time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      2,
		Jitter:          0.1,
	}
}

func (p RetryPolicy) validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1, got %d", ErrInvalidPolicy, p.MaxAttempts)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("%w: multiplier must be at least 1, got %v", ErrInvalidPolicy, p.Multiplier)
	}
	return nil
}

func (p RetryPolicy) backoff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1)), ctx)
}

// StagePolicy controls retries and the per-attempt timeout of a stage. A
// zero Timeout disables it.
type StagePolicy struct {
	Retry   RetryPolicy
	Timeout time.Duration
}

// Listener observes a window run. Calls are made from the run's coordinator
// goroutine and must not block for long.
type Listener interface {
	StageChanged(run Run, from Status, st StageState)
	RunFinished(rep *Report)
}

// Run identifies one execution of the graph for a window.
type Run struct {
	ID        string
	Window    window.Window
	StartedAt time.Time
}

// Engine executes the stage graph for a window. It holds no per-run state
// and may run many windows concurrently.
type Engine struct {
	graph  *dag.Graph
	stages map[dag.StageID]Stage

	log              *slog.Logger
	defaultPolicy    StagePolicy
	policies         map[dag.StageID]StagePolicy
	stageConcurrency int
	listeners        []Listener
	now              func() time.Time
	newRunID         func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLog sets the logger.
func WithLog(log *slog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithDefaultPolicy sets the policy of stages without their own.
func WithDefaultPolicy(p StagePolicy) Option {
	return func(e *Engine) {
		e.defaultPolicy = p
	}
}

// WithStagePolicy overrides the policy of one stage.
func WithStagePolicy(id dag.StageID, p StagePolicy) Option {
	return func(e *Engine) {
		e.policies[id] = p
	}
}

// WithStageConcurrency caps the stages running at once within a window.
func WithStageConcurrency(n int) Option {
	return func(e *Engine) {
		e.stageConcurrency = n
	}
}

// WithListener adds a run listener.
func WithListener(l Listener) Option {
	return func(e *Engine) {
		e.listeners = append(e.listeners, l)
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithRunIDs replaces the run ID generator.
func WithRunIDs(gen func() string) Option {
	return func(e *Engine) {
		e.newRunID = gen
	}
}

// NewEngine creates an engine. Every stage of the graph needs an executor
// and every executor a stage.
func NewEngine(g *dag.Graph, stages map[dag.StageID]Stage, opts ...Option) (*Engine, error) {
	e := &Engine{
		graph:            g,
		stages:           stages,
		log:              slog.New(slog.DiscardHandler),
		defaultPolicy:    StagePolicy{Retry: DefaultRetryPolicy()},
		policies:         map[dag.StageID]StagePolicy{},
		stageConcurrency: 4,
		now:              time.Now,
		newRunID:         func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, id := range g.Stages() {
		if _, ok := stages[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingStage, id)
		}
	}
	for id := range stages {
		if !g.Has(id) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStage, id)
		}
	}
	if err := e.defaultPolicy.Retry.validate(); err != nil {
		return nil, err
	}
	for id, p := range e.policies {
		if !g.Has(id) {
			return nil, fmt.Errorf("%w: policy for %s", ErrUnknownStage, id)
		}
		if err := p.Retry.validate(); err != nil {
			return nil, fmt.Errorf("stage %s: %w", id, err)
		}
	}
	if e.stageConcurrency < 1 {
		e.stageConcurrency = 1
	}
	return e, nil
}

// Graph returns the engine's stage graph.
func (e *Engine) Graph() *dag.Graph { return e.graph }

func (e *Engine) policy(id dag.StageID) StagePolicy {
	if p, ok := e.policies[id]; ok {
		return p
	}
	return e.defaultPolicy
}

// Run executes every stage of the graph once for w and blocks until all
// stages are terminal or ctx is cancelled. On cancellation, in-flight
// attempts are cancelled, stages that had not started stay PENDING and the
// context error is returned together with the report.
func (e *Engine) Run(ctx context.Context, w window.Window) (*Report, error) {
	r := &run{
		engine: e,
		info: Run{
			ID:        e.newRunID(),
			Window:    w,
			StartedAt: e.now(),
		},
		states: make(map[dag.StageID]*StageState, e.graph.Len()),
		queued: make(map[dag.StageID]bool, e.graph.Len()),
		events: make(chan event, e.graph.Len()),
	}
	r.log = e.log.With("run_id", r.info.ID, "window", w.Key())
	for _, id := range e.graph.Stages() {
		r.states[id] = &StageState{Stage: id, Status: StatusPending}
	}

	r.log.Info("Window run started", "stages", e.graph.Len())
	r.loop(ctx)

	rep := &Report{
		RunID:      r.info.ID,
		Window:     w,
		StartedAt:  r.info.StartedAt,
		FinishedAt: e.now(),
		Err:        ctx.Err(),
	}
	for _, id := range e.graph.Stages() {
		rep.Stages = append(rep.Stages, *r.states[id])
	}
	rep.Status = windowStatus(rep.Stages, rep.Err != nil)

	r.log.Info("Window run finished", "report", rep)
	for _, l := range e.listeners {
		l.RunFinished(rep)
	}
	return rep, rep.Err
}

type eventKind int

const (
	eventStarted eventKind = iota
	eventRetrying
	eventDone
)

type event struct {
	stage   dag.StageID
	kind    eventKind
	attempt int
	outcome Outcome
	err     error
}

// run is the coordinator of one window. Only the goroutine calling loop
// touches states; attempts report back over events.
type run struct {
	engine *Engine
	info   Run
	log    *slog.Logger

	states  map[dag.StageID]*StageState
	queued  map[dag.StageID]bool
	ready   []dag.StageID
	running int
	events  chan event
}

func (r *run) loop(ctx context.Context) {
	r.enqueueEligible()
	for {
		if ctx.Err() == nil {
			r.launchReady(ctx)
		}
		if r.running == 0 {
			return
		}
		ev := <-r.events
		r.apply(ev)
		if ev.kind == eventDone {
			r.running--
			if ctx.Err() == nil {
				r.enqueueEligible()
			}
		}
	}
}

// enqueueEligible resolves every pending stage whose upstreams are all
// terminal: it is either skipped or queued to run. Stages are visited in
// topological order so skips cascade in a single pass.
func (r *run) enqueueEligible() {
	g := r.engine.graph
	for _, id := range g.Stages() {
		st := r.states[id]
		if st.Status != StatusPending || r.queued[id] {
			continue
		}
		ups := g.Upstreams(id)
		allTerminal := true
		for _, up := range ups {
			if !r.states[up.From].Terminal() {
				allTerminal = false
				break
			}
		}
		if !allTerminal {
			continue
		}
		if reason, detail, skip := r.propagation(ups); skip {
			now := r.engine.now()
			r.transition(id, func(st *StageState) {
				st.Status = StatusSkipped
				st.Reason = reason
				st.Detail = detail
				st.FinishedAt = now
			})
			continue
		}
		r.queued[id] = true
		r.ready = append(r.ready, id)
	}
}

// propagation decides whether a stage with terminal upstreams must be
// skipped. A failed upstream wins over a skipped one.
func (r *run) propagation(ups []dag.Edge) (SkipReason, string, bool) {
	var skippedBy dag.StageID
	for _, up := range ups {
		switch r.states[up.From].Status {
		case StatusFailed:
			return ReasonUpstreamFailed, fmt.Sprintf("upstream %s failed", up.From), true
		case StatusSkipped:
			if up.Kind == dag.Requires && skippedBy == "" {
				skippedBy = up.From
			}
		}
	}
	if skippedBy != "" {
		return ReasonUpstreamSkipped, fmt.Sprintf("upstream %s skipped", skippedBy), true
	}
	return "", "", false
}

func (r *run) launchReady(ctx context.Context) {
	for len(r.ready) > 0 && r.running < r.engine.stageConcurrency {
		id := r.ready[0]
		r.ready = r.ready[1:]

		inputs := make(map[dag.StageID]any)
		for _, up := range r.engine.graph.Upstreams(id) {
			if st := r.states[up.From]; st.Status == StatusSucceeded && st.Output != nil {
				inputs[up.From] = st.Output
			}
		}
		req := Request{
			RunID:  r.info.ID,
			Stage:  id,
			Window: r.info.Window,
			Inputs: inputs,
		}

		r.running++
		go r.execute(ctx, req)
	}
}

// execute runs the attempts of one stage. It only communicates through
// events.
func (r *run) execute(ctx context.Context, req Request) {
	policy := r.engine.policy(req.Stage)
	stage := r.engine.stages[req.Stage]

	var (
		outcome Outcome
		attempt int
	)
	op := func() error {
		attempt++
		req.Attempt = attempt
		r.events <- event{stage: req.Stage, kind: eventStarted, attempt: attempt}

		out, err := r.attempt(ctx, stage, req, policy.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		outcome = out
		return nil
	}
	notify := func(err error, delay time.Duration) {
		r.events <- event{stage: req.Stage, kind: eventRetrying, attempt: attempt, err: err}
	}

	err := backoff.RetryNotify(op, policy.Retry.backoff(ctx), notify)
	if err == nil && attempt == 0 {
		err = ctx.Err()
	}
	r.events <- event{stage: req.Stage, kind: eventDone, attempt: attempt, outcome: outcome, err: err}
}

// attempt submits one attempt and waits for it, bounded by timeout.
func (r *run) attempt(ctx context.Context, stage Stage, req Request, timeout time.Duration) (Outcome, error) {
	actx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	job, err := stage.Submit(actx, req)
	if err != nil {
		return Outcome{}, fmt.Errorf("submit: %w", err)
	}
	out, err := job.Wait(actx)
	if err == nil {
		return out, nil
	}
	if actx.Err() != nil {
		job.Cancel()
		if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return Outcome{}, fmt.Errorf("%w after %s", ErrStageTimeout, timeout)
		}
	}
	return Outcome{}, err
}

func (r *run) apply(ev event) {
	now := r.engine.now()
	switch ev.kind {
	case eventStarted:
		r.transition(ev.stage, func(st *StageState) {
			st.Status = StatusRunning
			st.Retrying = false
			st.Attempts = ev.attempt
			if st.StartedAt.IsZero() {
				st.StartedAt = now
			}
		})
	case eventRetrying:
		r.log.Warn("Stage attempt failed, retrying", "stage", ev.stage, "attempt", ev.attempt, "error", ev.err)
		r.transition(ev.stage, func(st *StageState) {
			st.Status = StatusFailed
			st.Retrying = true
			st.Err = ev.err
		})
	case eventDone:
		r.transition(ev.stage, func(st *StageState) {
			st.FinishedAt = now
			st.Retrying = false
			switch {
			case ev.err != nil:
				st.Status = StatusFailed
				st.Err = fmt.Errorf("%w: %s after %d attempts: %w", ErrStageFailed, ev.stage, ev.attempt, ev.err)
			case ev.outcome.Skipped:
				st.Status = StatusSkipped
				st.Reason = ev.outcome.Reason
				st.Detail = ev.outcome.Detail
			default:
				st.Status = StatusSucceeded
				st.Output = ev.outcome.Output
			}
		})
	}
}

func (r *run) transition(id dag.StageID, mutate func(*StageState)) {
	st := r.states[id]
	from := st.Status
	mutate(st)
	r.log.Info("Change state", "stage", id, "from", from, "to", st.Status)
	for _, l := range r.engine.listeners {
		l.StageChanged(r.info, from, *st)
	}
}
