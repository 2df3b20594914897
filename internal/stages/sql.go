package stages

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"slices"

	"github.com/birdayz/lakehouse/internal/execution"
	"github.com/birdayz/lakehouse/window"
)

// ScriptExecutor is implemented by *warehouse.Warehouse.
type ScriptExecutor interface {
	Exec(ctx context.Context, script string) error
}

var placeholder = regexp.MustCompile(`\{\{\s*params\.([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Render substitutes {{ params.NAME }} placeholders. A placeholder without a
// parameter is an error.
func Render(script string, params map[string]string) (string, error) {
	var missing []string
	out := placeholder.ReplaceAllStringFunc(script, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v, ok := params[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		slices.Sort(missing)
		return "", fmt.Errorf("%w: %v", ErrUnknownParam, slices.Compact(missing))
	}
	return out, nil
}

// WindowParams returns the per-window script parameters.
func WindowParams(w window.Window) map[string]string {
	const layout = "2006-01-02 15:04:05"
	return map[string]string{
		"window_start": w.Start().Format(layout),
		"window_end":   w.End().Format(layout),
		"ds":           w.Start().Format("2006-01-02"),
	}
}

// SQL runs a transformation script against the warehouse.
type SQL struct {
	name   string
	exec   ScriptExecutor
	script string
	params map[string]string
	log    *slog.Logger
}

// NewSQL creates a script stage. params are merged with WindowParams on
// every run.
func NewSQL(name string, exec ScriptExecutor, script string, params map[string]string, log *slog.Logger) *SQL {
	return &SQL{name: name, exec: exec, script: script, params: params, log: log}
}

// Script renders the script for w.
func (s *SQL) Script(w window.Window) (string, error) {
	params := maps.Clone(s.params)
	if params == nil {
		params = map[string]string{}
	}
	maps.Copy(params, WindowParams(w))
	return Render(s.script, params)
}

func (s *SQL) Submit(ctx context.Context, req execution.Request) (execution.Job, error) {
	return execution.StageFunc(s.run).Submit(ctx, req)
}

func (s *SQL) run(ctx context.Context, req execution.Request) (execution.Outcome, error) {
	script, err := s.Script(req.Window)
	if err != nil {
		return execution.Outcome{}, execution.Permanent(fmt.Errorf("%s: %w", s.name, err))
	}
	if err := s.exec.Exec(ctx, script); err != nil {
		return execution.Outcome{}, fmt.Errorf("%s: %w", s.name, err)
	}
	s.log.Debug("Script executed", "script", s.name, "window", req.Window.Key())
	return execution.Succeed(nil), nil
}
