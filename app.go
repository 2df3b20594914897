// Package lakehouse wires the hourly trip ingestion pipeline: window
// discovery, the bronze batch load, the lookup load and the SQL stages,
// executed per window by the stage engine and triggered by the scheduler.
package lakehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/birdayz/lakehouse/dag"
	"github.com/birdayz/lakehouse/internal/batch"
	"github.com/birdayz/lakehouse/internal/config"
	"github.com/birdayz/lakehouse/internal/discovery"
	"github.com/birdayz/lakehouse/internal/execution"
	"github.com/birdayz/lakehouse/internal/ledger"
	"github.com/birdayz/lakehouse/internal/metrics"
	"github.com/birdayz/lakehouse/internal/notify"
	"github.com/birdayz/lakehouse/internal/objstore"
	"github.com/birdayz/lakehouse/internal/schedule"
	"github.com/birdayz/lakehouse/internal/stages"
	"github.com/birdayz/lakehouse/internal/warehouse"
	"github.com/birdayz/lakehouse/window"
)

type App struct {
	cfg config.Config
	log *slog.Logger

	store        ObjectStore
	warehouse    *warehouse.Warehouse
	ownWarehouse bool
	ledger       *ledger.Ledger
	ownLedger    bool
	metrics      *metrics.Metrics
	publisher    *notify.Publisher
	submitter    batch.Submitter
	listeners    []execution.Listener
	engineOpts   []execution.Option

	graph     *dag.Graph
	engine    *execution.Engine
	scheduler *schedule.Scheduler

	newTrigger func(k config.Kafka) (*notify.Trigger, error)
}

// New connects the storage, warehouse, ledger and Kafka backends named by
// cfg and builds the engine and scheduler. The bronze trip table is created
// when missing.
func New(ctx context.Context, cfg config.Config, opts ...Option) (a *App, err error) {
	a = &App{
		cfg:          cfg,
		log:          NullLogger(),
		ownWarehouse: true,
		ownLedger:    true,
	}
	a.newTrigger = a.kafkaTrigger
	for _, opt := range opts {
		opt(a)
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.store == nil {
		a.store, err = objstore.New(objstore.Config{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Region:    cfg.Storage.Region,
			UseSSL:    cfg.Storage.UseSSL,
		}, a.log)
		if err != nil {
			return nil, err
		}
	}
	if a.warehouse == nil {
		a.warehouse, err = warehouse.Open(warehouse.Driver(cfg.Warehouse.Driver), cfg.Warehouse.DSN, a.log)
		if err != nil {
			return nil, err
		}
		a.warehouse.SetBatchSize(cfg.Batch.WriteBatchSize)
	}
	if err := a.prepareWarehouse(ctx); err != nil {
		return nil, err
	}
	if a.ledger == nil {
		a.ledger, err = ledger.Open(cfg.Ledger.Path, a.log.With("component", "ledger"))
		if err != nil {
			return nil, err
		}
	}
	if a.metrics == nil {
		a.metrics = metrics.New()
	}
	if cfg.Kafka.Enabled() && cfg.Kafka.ReportTopic != "" {
		a.publisher, err = notify.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.ReportTopic, a.log.With("component", "notify"))
		if err != nil {
			return nil, err
		}
		if err := a.publisher.EnsureTopic(ctx, cfg.Kafka.Partitions, cfg.Kafka.Replication); err != nil {
			return nil, err
		}
	}
	if a.submitter == nil {
		a.submitter = a.defaultSubmitter()
	}

	a.graph, err = DefaultGraph(cfg.Orchestrator.LookupAllowSkipped)
	if err != nil {
		return nil, err
	}
	executors, err := a.stages()
	if err != nil {
		return nil, err
	}
	a.engine, err = execution.NewEngine(a.graph, executors, a.engineOptions()...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}

	loc, err := cfg.Orchestrator.Location()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	schedOpts := []schedule.Option{
		schedule.WithLog(a.log.With("component", "scheduler")),
		schedule.WithSpec(cfg.Orchestrator.Schedule),
		schedule.WithLocation(loc),
		schedule.WithWindowConcurrency(cfg.Orchestrator.WindowConcurrency),
		schedule.WithCompleted(a.completed),
	}
	if cfg.Orchestrator.Catchup {
		schedOpts = append(schedOpts, schedule.WithCatchUp(cfg.Orchestrator.StartDate))
	}
	a.scheduler = schedule.New(a.engine, schedOpts...)
	return a, nil
}

func (a *App) prepareWarehouse(ctx context.Context) error {
	table, err := warehouse.ParseTable(a.cfg.Tables.BronzeTrips)
	if err != nil {
		return fmt.Errorf("%w: tables.bronze_trips: %w", config.ErrConfiguration, err)
	}
	exists, err := a.warehouse.TableExists(ctx, table)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	a.log.Info("Creating bronze trip table", "table", table.String())
	return a.warehouse.CreateTripTable(ctx, table)
}

func (a *App) defaultSubmitter() batch.Submitter {
	log := a.log.With("component", "batch")
	if a.cfg.Batch.Runner == batch.RunnerProcess {
		var args []string
		if a.cfg.Path != "" {
			args = append(args, "--config="+a.cfg.Path)
		}
		return batch.NewProcessSubmitter(a.cfg.Batch.Binary, args, log)
	}
	runner := batch.NewRunner(batch.WithWorkers(a.cfg.Batch.Workers), batch.WithRunnerLog(log))
	return batch.NewDirectSubmitter(batch.NewPipeline(a.store, a.warehouse, runner, log,
		batch.WithWriteBatchSize(a.cfg.Batch.WriteBatchSize)))
}

func (a *App) stages() (map[dag.StageID]execution.Stage, error) {
	cfg := a.cfg
	log := a.log.With("component", "stages")

	lookupTable, err := warehouse.ParseTable(cfg.Tables.BronzeLookup)
	if err != nil {
		return nil, fmt.Errorf("%w: tables.bronze_lookup: %w", config.ErrConfiguration, err)
	}
	out := map[dag.StageID]execution.Stage{
		StageFindParquetFiles: stages.Discover(discovery.New(a.store, cfg.Storage.Bucket, cfg.Storage.BasePrefix, log)),
		StageLoadBronzeTrips: stages.NewBatchLoad(a.submitter, StageFindParquetFiles, batch.JobSpec{
			Project:         cfg.Project.ID,
			Region:          cfg.Project.Region,
			Runner:          cfg.Batch.Runner,
			OutputTable:     cfg.Tables.BronzeTrips,
			TempLocation:    cfg.Batch.TempLocation,
			StagingLocation: cfg.Batch.StagingLocation,
		}, cfg.Batch.JobNamePrefix, log),
		StageLoadBronzeLookup: stages.NewLookupLoad(a.store, a.warehouse,
			objstore.Location{Bucket: cfg.Storage.Bucket, Key: cfg.Storage.LookupFilePath}, lookupTable, log),
	}
	params := cfg.Params()
	for id, key := range scriptStages {
		script, ok := cfg.Scripts[key]
		if !ok {
			return nil, fmt.Errorf("%w: sql.%s was not loaded", config.ErrConfiguration, key)
		}
		out[id] = stages.NewSQL(string(id), a.warehouse, script, params, log)
	}
	return out, nil
}

func (a *App) engineOptions() []execution.Option {
	o := a.cfg.Orchestrator
	retry := execution.RetryPolicy{
		MaxAttempts:     o.Retry.MaxAttempts,
		InitialInterval: o.Retry.InitialInterval,
		MaxInterval:     o.Retry.MaxInterval,
		Multiplier:      o.Retry.Multiplier,
		Jitter:          o.Retry.Jitter,
	}
	opts := []execution.Option{
		execution.WithLog(a.log.With("component", "engine")),
		execution.WithDefaultPolicy(execution.StagePolicy{Retry: retry, Timeout: o.StageTimeout}),
		execution.WithStageConcurrency(o.StageConcurrency),
		execution.WithListener(a.ledger),
		execution.WithListener(a.metrics),
	}
	for name, ov := range o.Stages {
		p := execution.StagePolicy{Retry: retry, Timeout: o.StageTimeout}
		if ov.MaxAttempts > 0 {
			p.Retry.MaxAttempts = ov.MaxAttempts
		}
		if ov.Timeout > 0 {
			p.Timeout = ov.Timeout
		}
		opts = append(opts, execution.WithStagePolicy(dag.StageID(name), p))
	}
	if a.publisher != nil {
		opts = append(opts, execution.WithListener(a.publisher))
	}
	for _, l := range a.listeners {
		opts = append(opts, execution.WithListener(l))
	}
	return append(opts, a.engineOpts...)
}

func (a *App) completed(ctx context.Context, w window.Window) (bool, error) {
	return a.ledger.Succeeded(ctx, w.Key())
}

// Graph returns the stage graph.
func (a *App) Graph() *dag.Graph { return a.graph }

// Ledger returns the run ledger.
func (a *App) Ledger() *ledger.Ledger { return a.ledger }

// Metrics returns the metrics collectors.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// RunWindow runs the pipeline once for w.
func (a *App) RunWindow(ctx context.Context, w window.Window) (*execution.Report, error) {
	return a.scheduler.RunWindow(ctx, w)
}

// Backfill runs every window covering [from, to).
func (a *App) Backfill(ctx context.Context, from, to time.Time) ([]*execution.Report, error) {
	ws, err := window.Range(from, to)
	if err != nil {
		return nil, err
	}
	return a.scheduler.Backfill(ctx, ws)
}

// Run blocks until ctx is done, running windows on the schedule, catching up
// when configured, and, with a Kafka events topic, on bucket notifications.
func (a *App) Run(ctx context.Context) error {
	var trigger *notify.Trigger
	if k := a.cfg.Kafka; k.Enabled() && k.EventsTopic != "" {
		var err error
		if trigger, err = a.newTrigger(k); err != nil {
			return fmt.Errorf("create bucket event trigger: %w", err)
		}
		defer trigger.Close()
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return a.scheduler.Start(gctx)
	})
	if trigger != nil {
		grp.Go(func() error {
			return trigger.Run(gctx, a.scheduler.Trigger)
		})
	}
	return grp.Wait()
}

func (a *App) kafkaTrigger(k config.Kafka) (*notify.Trigger, error) {
	return notify.NewTrigger(k.Brokers, k.Group, k.EventsTopic, a.cfg.Storage.Bucket, a.cfg.Storage.BasePrefix,
		a.log.With("component", "trigger"))
}

// Close releases the backends the App opened.
func (a *App) Close() error {
	var err error
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.ledger != nil && a.ownLedger {
		err = multierr.Append(err, a.ledger.Close())
	}
	if a.warehouse != nil && a.ownWarehouse {
		err = multierr.Append(err, a.warehouse.Close())
	}
	return err
}

// IsConfigurationError reports whether err is a fatal configuration problem.
func IsConfigurationError(err error) bool {
	return errors.Is(err, config.ErrConfiguration)
}
