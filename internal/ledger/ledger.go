// Package ledger persists window and stage run states in SQLite so past
// runs can be inspected and in-progress windows recognised.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/birdayz/lakehouse/internal/execution"
)

var ErrNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS window_runs (
	run_id TEXT PRIMARY KEY,
	window_key TEXT NOT NULL,
	status TEXT NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL,
	finished_at DATETIME
);
CREATE INDEX IF NOT EXISTS window_runs_window ON window_runs (window_key, started_at);
CREATE TABLE IF NOT EXISTS stage_runs (
	run_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (run_id, stage)
);
`

// StatusRunning marks a window run that has not finished.
const StatusRunning = "RUNNING"

// WindowRun is a row of window_runs.
type WindowRun struct {
	RunID      string
	Window     string
	Status     string
	Summary    string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// StageRun is a row of stage_runs.
type StageRun struct {
	RunID     string
	Stage     string
	Status    string
	Attempts  int
	Reason    string
	Error     string
	UpdatedAt time.Time
}

type Ledger struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time
}

// Open opens or creates the ledger database at path. ":memory:" keeps it
// in memory on a single connection.
func Open(path string, log *slog.Logger) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &Ledger{db: db, log: log, now: time.Now}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

// StageChanged implements execution.Listener.
func (l *Ledger) StageChanged(run execution.Run, from execution.Status, st execution.StageState) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.recordStage(ctx, run, st); err != nil {
		l.log.Error("failed to record stage state", "run_id", run.ID, "stage", st.Stage, "error", err)
	}
}

// RunFinished implements execution.Listener.
func (l *Ledger) RunFinished(rep *execution.Report) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.recordRun(ctx, rep); err != nil {
		l.log.Error("failed to record window run", "run_id", rep.RunID, "error", err)
	}
}

func (l *Ledger) recordStage(ctx context.Context, run execution.Run, st execution.StageState) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO window_runs (run_id, window_key, status, started_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id) DO NOTHING`,
		run.ID, run.Window.Key(), StatusRunning, run.StartedAt.UTC())
	if err != nil {
		return err
	}
	var msg string
	if st.Err != nil {
		msg = st.Err.Error()
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO stage_runs (run_id, stage, status, attempts, reason, error_message, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, stage) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			reason = excluded.reason,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at`,
		run.ID, string(st.Stage), st.Status.String(), st.Attempts, string(st.Reason), msg, l.now().UTC())
	return err
}

func (l *Ledger) recordRun(ctx context.Context, rep *execution.Report) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO window_runs (run_id, window_key, status, summary, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			status = excluded.status,
			summary = excluded.summary,
			finished_at = excluded.finished_at`,
		rep.RunID, rep.Window.Key(), string(rep.Status), rep.Summary(), rep.StartedAt.UTC(), rep.FinishedAt.UTC())
	return err
}

const runColumns = "run_id, window_key, status, summary, started_at, finished_at"

func scanRun(row interface{ Scan(...any) error }) (WindowRun, error) {
	var (
		r        WindowRun
		finished sql.NullTime
	)
	if err := row.Scan(&r.RunID, &r.Window, &r.Status, &r.Summary, &r.StartedAt, &finished); err != nil {
		return WindowRun{}, err
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return r, nil
}

// LatestRun returns the most recent run of a window.
func (l *Ledger) LatestRun(ctx context.Context, windowKey string) (WindowRun, error) {
	row := l.db.QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM window_runs WHERE window_key = ? ORDER BY started_at DESC LIMIT 1", windowKey)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return WindowRun{}, fmt.Errorf("%w: window %s", ErrNotFound, windowKey)
	}
	return r, err
}

// Runs returns the most recent runs, newest first.
func (l *Ledger) Runs(ctx context.Context, limit int) ([]WindowRun, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT "+runColumns+" FROM window_runs ORDER BY started_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []WindowRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Stages returns the stage rows of a run, ordered by stage name.
func (l *Ledger) Stages(ctx context.Context, runID string) ([]StageRun, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, stage, status, attempts, reason, error_message, updated_at
		FROM stage_runs WHERE run_id = ? ORDER BY stage`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StageRun
	for rows.Next() {
		var s StageRun
		if err := rows.Scan(&s.RunID, &s.Stage, &s.Status, &s.Attempts, &s.Reason, &s.Error, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Succeeded reports whether the latest run of a window finished with
// status SUCCEEDED or SKIPPED.
func (l *Ledger) Succeeded(ctx context.Context, windowKey string) (bool, error) {
	r, err := l.LatestRun(ctx, windowKey)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return r.Status == string(execution.WindowSucceeded) || r.Status == string(execution.WindowSkipped), nil
}
