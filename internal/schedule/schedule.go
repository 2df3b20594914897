// Package schedule triggers window runs: hourly cron ticks, backfills and
// ad-hoc requests, with a ceiling on concurrently running windows.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/birdayz/lakehouse/internal/execution"
	"github.com/birdayz/lakehouse/window"
)

var ErrWindowInFlight = errors.New("window already in flight")

// Runner executes one window; *execution.Engine implements it.
type Runner interface {
	Run(ctx context.Context, w window.Window) (*execution.Report, error)
}

// CompletedFunc reports whether a window needs no further run.
type CompletedFunc func(ctx context.Context, w window.Window) (bool, error)

type Scheduler struct {
	runner      Runner
	log         *slog.Logger
	spec        string
	loc         *time.Location
	concurrency int
	catchUpFrom time.Time
	completed   CompletedFunc
	now         func() time.Time

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
}

type Option func(*Scheduler)

// WithLog sets the logger.
func WithLog(log *slog.Logger) Option {
	return func(s *Scheduler) {
		s.log = log
	}
}

// WithSpec sets the cron spec. Defaults to @hourly.
func WithSpec(spec string) Option {
	return func(s *Scheduler) {
		s.spec = spec
	}
}

// WithLocation sets the time zone cron specs are evaluated in. Windows stay
// aligned to UTC hours.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.loc = loc
	}
}

// WithWindowConcurrency caps the windows running at once.
func WithWindowConcurrency(n int) Option {
	return func(s *Scheduler) {
		s.concurrency = n
	}
}

// WithCatchUp makes Start backfill every window from t up to the last
// complete hour.
func WithCatchUp(t time.Time) Option {
	return func(s *Scheduler) {
		s.catchUpFrom = t
	}
}

// WithCompleted lets catch-up skip windows that already ran.
func WithCompleted(f CompletedFunc) Option {
	return func(s *Scheduler) {
		s.completed = f
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func New(runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:      runner,
		log:         slog.New(slog.DiscardHandler),
		spec:        "@hourly",
		loc:         time.UTC,
		concurrency: 1,
		now:         time.Now,
		inFlight:    map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.concurrency = max(s.concurrency, 1)
	s.sem = semaphore.NewWeighted(int64(s.concurrency))
	return s
}

// RunWindow runs w once the concurrency ceiling allows. A window that is
// already queued or running is rejected with ErrWindowInFlight.
func (s *Scheduler) RunWindow(ctx context.Context, w window.Window) (*execution.Report, error) {
	key := w.Key()
	s.mu.Lock()
	if _, ok := s.inFlight[key]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrWindowInFlight, key)
	}
	s.inFlight[key] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, key)
		s.mu.Unlock()
	}()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)
	return s.runner.Run(ctx, w)
}

// Trigger runs w in the background. Rejections and errors are logged.
func (s *Scheduler) Trigger(ctx context.Context, w window.Window) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		rep, err := s.RunWindow(ctx, w)
		switch {
		case errors.Is(err, ErrWindowInFlight):
			s.log.Warn("Window already in flight", "window", w.Key())
		case err != nil:
			s.log.Error("Window run aborted", "window", w.Key(), "error", err)
		default:
			s.log.Info("Window run done", "window", w.Key(), "status", rep.Status)
		}
	}()
}

// Backfill runs every window of ws, up to the concurrency ceiling at once,
// without ordering between windows. Reports are returned in the order of ws;
// windows rejected as in flight have none.
func (s *Scheduler) Backfill(ctx context.Context, ws []window.Window) ([]*execution.Report, error) {
	reports := make([]*execution.Report, len(ws))
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(s.concurrency)
	for i, w := range ws {
		grp.Go(func() error {
			rep, err := s.RunWindow(gctx, w)
			if errors.Is(err, ErrWindowInFlight) {
				s.log.Warn("Window already in flight", "window", w.Key())
				return nil
			}
			reports[i] = rep
			return err
		})
	}
	return reports, grp.Wait()
}

// CatchUp backfills every window from the one containing from up to the
// last complete hour. Windows reported completed are left out. A from in the
// current hour or later leaves nothing to do.
func (s *Scheduler) CatchUp(ctx context.Context, from time.Time) ([]*execution.Report, error) {
	last := Due(s.now())
	if !from.Before(last.End()) {
		s.log.Debug("Nothing to catch up", "from", from, "last", last.Key())
		return nil, nil
	}
	all, err := window.Range(from, last.End())
	if err != nil {
		return nil, err
	}
	var pending []window.Window
	for _, w := range all {
		if s.completed != nil {
			done, err := s.completed(ctx, w)
			if err != nil {
				return nil, err
			}
			if done {
				continue
			}
		}
		pending = append(pending, w)
	}
	s.log.Info("Catching up", "from", all[0].Key(), "to", last.Key(), "pending", len(pending), "completed", len(all)-len(pending))
	return s.Backfill(ctx, pending)
}

// Due returns the window a tick at t runs: the last complete hour.
func Due(t time.Time) window.Window {
	return window.Containing(t).Prev()
}

// Start runs the cron schedule until ctx is done, then waits for triggered
// windows to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(s.loc))
	if _, err := c.AddFunc(s.spec, func() {
		w := Due(s.now())
		s.log.Info("Scheduled tick", "window", w.Key())
		s.Trigger(ctx, w)
	}); err != nil {
		return fmt.Errorf("unable to add schedule %q: %w", s.spec, err)
	}

	if !s.catchUpFrom.IsZero() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.catchUp(ctx)
		}()
	}

	c.Start()
	s.log.Info("Scheduler started", "spec", s.spec, "location", s.loc.String())
	<-ctx.Done()
	<-c.Stop().Done()
	s.wg.Wait()
	s.log.Info("Scheduler stopped")
	return nil
}

func (s *Scheduler) catchUp(ctx context.Context) {
	if _, err := s.CatchUp(ctx, s.catchUpFrom); err != nil {
		s.log.Error("Catch-up aborted", "error", err)
	}
}
