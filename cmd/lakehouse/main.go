// Command lakehouse runs the hourly ingestion pipeline.
//
//	lakehouse run [--window YYYYMMDDHH]
//	lakehouse backfill --from TIME --to TIME
//	lakehouse schedule
//	lakehouse status [--window YYYYMMDDHH] [--limit N]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/birdayz/lakehouse"
	"github.com/birdayz/lakehouse/internal/config"
	"github.com/birdayz/lakehouse/internal/execution"
	"github.com/birdayz/lakehouse/internal/ledger"
	"github.com/birdayz/lakehouse/internal/schedule"
	"github.com/birdayz/lakehouse/window"
	logging "github.com/birdayz/lakehouse/pkg/log"
)

var log = logging.New(logging.ParseLevel(os.Getenv("LOG_LEVEL")))

var errWindowFailed = errors.New("window failed")

const usage = `usage: lakehouse [--config FILE] <command> [flags]

commands:
  run       run one window (default: the last completed hour)
  backfill  run every window in [--from, --to)
  schedule  run windows on the configured schedule until interrupted
  status    show recorded window runs
`

func main() {
	fs := flag.NewFlagSet("lakehouse", flag.ExitOnError)
	configPath := fs.String("config", "config/lakehouse.yaml", "config file")
	envFile := fs.String("env", ".env", "dotenv file loaded before the config")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	_ = fs.Parse(os.Args[1:])
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Error("Failed to load env file", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}

	cmd, args := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "run":
		err = runWindow(ctx, cfg, args)
	case "backfill":
		err = backfill(ctx, cfg, args)
	case "schedule":
		err = runSchedule(ctx, cfg)
	case "status":
		err = status(ctx, cfg, args)
	default:
		fs.Usage()
		os.Exit(2)
	}
	switch {
	case err == nil:
	case lakehouse.IsConfigurationError(err):
		log.Error("Invalid configuration", "error", err)
		os.Exit(2)
	default:
		log.Error("Command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func newApp(ctx context.Context, cfg config.Config) (*lakehouse.App, error) {
	return lakehouse.New(ctx, cfg, lakehouse.WithLog(log))
}

func runWindow(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	key := fs.String("window", "", "window key YYYYMMDDHH (UTC)")
	_ = fs.Parse(args)

	w := schedule.Due(time.Now())
	if *key != "" {
		var err error
		if w, err = window.Parse(*key); err != nil {
			return err
		}
	}

	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	rep, err := app.RunWindow(ctx, w)
	if err != nil {
		return err
	}
	return printReports(rep)
}

func backfill(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	from := fs.String("from", "", "start time, RFC 3339 or YYYYMMDDHH")
	to := fs.String("to", "", "end time (exclusive), RFC 3339 or YYYYMMDDHH")
	_ = fs.Parse(args)

	start, err := parseTime(*from)
	if err != nil {
		return fmt.Errorf("--from: %w", err)
	}
	end, err := parseTime(*to)
	if err != nil {
		return fmt.Errorf("--to: %w", err)
	}

	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	reports, err := app.Backfill(ctx, start, end)
	if perr := printReports(reports...); err == nil {
		err = perr
	}
	return err
}

func parseTime(s string) (time.Time, error) {
	if w, err := window.Parse(s); err == nil {
		return w.Start(), nil
	}
	return time.Parse(time.RFC3339, s)
}

func printReports(reports ...*execution.Report) error {
	var err error
	for _, rep := range reports {
		if rep == nil {
			continue
		}
		fmt.Println(rep.Summary())
		if rep.Status == execution.WindowFailed {
			err = errWindowFailed
		}
	}
	return err
}

func runSchedule(ctx context.Context, cfg config.Config) error {
	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", app.Metrics().Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info("Serving metrics", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics server failed", "error", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	log.Info("Starting scheduler", "schedule", cfg.Orchestrator.Schedule, "timezone", cfg.Orchestrator.Timezone)
	err = app.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func status(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	key := fs.String("window", "", "show the stages of the latest run of this window")
	limit := fs.Int("limit", 24, "number of runs to list")
	_ = fs.Parse(args)

	l, err := ledger.Open(cfg.Ledger.Path, log)
	if err != nil {
		return err
	}
	defer l.Close()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	if *key == "" {
		runs, err := l.Runs(ctx, *limit)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "WINDOW\tSTATUS\tSTARTED\tRUN\tSUMMARY")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Window, r.Status, r.StartedAt.Format(time.RFC3339), r.RunID, r.Summary)
		}
		return nil
	}

	run, err := l.LatestRun(ctx, *key)
	if err != nil {
		return err
	}
	stages, err := l.Stages(ctx, run.RunID)
	if err != nil {
		return err
	}
	fmt.Fprintf(tw, "window %s run %s: %s\n\n", run.Window, run.RunID, run.Status)
	fmt.Fprintln(tw, "STAGE\tSTATUS\tATTEMPTS\tREASON\tERROR")
	for _, s := range stages {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", s.Stage, s.Status, s.Attempts, s.Reason, s.Error)
	}
	return nil
}
