package schedule

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/lakehouse/internal/execution"
	"github.com/birdayz/lakehouse/window"
)

type fakeRunner struct {
	release chan struct{}

	mu      sync.Mutex
	windows []string

	running atomic.Int32
	peak    atomic.Int32
}

func (f *fakeRunner) Run(ctx context.Context, w window.Window) (*execution.Report, error) {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.mu.Lock()
	f.windows = append(f.windows, w.Key())
	f.mu.Unlock()

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return &execution.Report{Window: w, Status: execution.WindowFailed, Err: ctx.Err()}, ctx.Err()
		}
	}
	return &execution.Report{Window: w, Status: execution.WindowSucceeded}, nil
}

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestRunWindowRejectsDuplicates(t *testing.T) {
	r := &fakeRunner{release: make(chan struct{})}
	s := New(r, WithWindowConcurrency(2))
	w := window.Containing(start)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunWindow(context.Background(), w)
		done <- err
	}()
	for r.running.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	_, err := s.RunWindow(context.Background(), w)
	assert.True(t, errors.Is(err, ErrWindowInFlight))

	close(r.release)
	assert.NoError(t, <-done)

	rep, err := s.RunWindow(context.Background(), w)
	assert.NoError(t, err)
	assert.Equal(t, execution.WindowSucceeded, rep.Status)
}

func TestBackfill(t *testing.T) {
	ws, err := window.Range(start, start.Add(6*time.Hour))
	assert.NoError(t, err)

	t.Run("bounded concurrency", func(t *testing.T) {
		r := &fakeRunner{release: make(chan struct{})}
		s := New(r, WithWindowConcurrency(2))
		go func() {
			time.Sleep(50 * time.Millisecond)
			close(r.release)
		}()
		reports, err := s.Backfill(context.Background(), ws)
		assert.NoError(t, err)
		assert.Equal(t, 6, len(reports))
		for i, rep := range reports {
			assert.Equal(t, ws[i].Key(), rep.Window.Key())
		}
		assert.True(t, r.peak.Load() <= 2)
		assert.Equal(t, 6, len(r.windows))
	})
}

func TestCatchUp(t *testing.T) {
	now := func() time.Time { return start.Add(6*time.Hour + 10*time.Minute) }

	t.Run("skips completed windows", func(t *testing.T) {
		r := &fakeRunner{}
		completed := func(ctx context.Context, w window.Window) (bool, error) {
			return w.Start().Hour()%2 == 0, nil
		}
		s := New(r, WithWindowConcurrency(3), WithCompleted(completed), WithClock(now))
		reports, err := s.CatchUp(context.Background(), start)
		assert.NoError(t, err)
		assert.Equal(t, 3, len(reports))
		assert.Equal(t, 3, len(r.windows))
		for _, rep := range reports {
			assert.Equal(t, 1, rep.Window.Start().Hour()%2)
		}
	})

	t.Run("completion check error aborts", func(t *testing.T) {
		r := &fakeRunner{}
		s := New(r, WithClock(now), WithCompleted(func(ctx context.Context, w window.Window) (bool, error) {
			return false, errors.New("ledger unavailable")
		}))
		_, err := s.CatchUp(context.Background(), start)
		assert.EqualError(t, err, "ledger unavailable")
		assert.Equal(t, 0, len(r.windows))
	})

	for _, tc := range []struct {
		name string
		from time.Time
		want int
	}{
		{"start in the previous hour", start.Add(5*time.Hour + 30*time.Minute), 1},
		{"start in the current hour", start.Add(6*time.Hour + 5*time.Minute), 0},
		{"start in the future", start.Add(24 * time.Hour), 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := &fakeRunner{}
			s := New(r, WithClock(now))
			reports, err := s.CatchUp(context.Background(), tc.from)
			assert.NoError(t, err)
			assert.Equal(t, tc.want, len(reports))
			assert.Equal(t, tc.want, len(r.windows))
		})
	}
}

func TestDue(t *testing.T) {
	tests := []struct {
		tick time.Time
		want string
	}{
		{time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), "2024010109"},
		{time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC), "2024010109"},
		{time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "2023123123"},
		{time.Date(2024, 1, 1, 16, 0, 0, 0, time.FixedZone("IST", 5*3600+1800)), "2024010109"},
	}
	for _, tt := range tests {
		t.Run(tt.tick.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, Due(tt.tick).Key())
		})
	}
}

func TestStartCatchesUp(t *testing.T) {
	r := &fakeRunner{}
	now := time.Date(2024, 1, 1, 3, 10, 0, 0, time.UTC)
	s := New(r,
		WithCatchUp(start),
		WithWindowConcurrency(2),
		WithClock(func() time.Time { return now }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Start(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		r.mu.Lock()
		n := len(r.windows)
		r.mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("caught up %d windows, want 3", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	assert.NoError(t, <-errc)
}

func TestStartRejectsBadSpec(t *testing.T) {
	err := New(&fakeRunner{}, WithSpec("every now and then")).Start(context.Background())
	assert.Error(t, err)
}
