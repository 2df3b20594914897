// Command tripload runs one bronze batch load: it validates and conforms the
// trips matched by --input_glob and appends them to --output_table. The
// final stdout line is the job result as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/birdayz/lakehouse/internal/batch"
	"github.com/birdayz/lakehouse/internal/config"
	"github.com/birdayz/lakehouse/internal/objstore"
	"github.com/birdayz/lakehouse/internal/warehouse"
	logging "github.com/birdayz/lakehouse/pkg/log"
)

var log = logging.New(logging.ParseLevel(os.Getenv("LOG_LEVEL")))

func main() {
	var (
		spec       batch.JobSpec
		configPath string
	)
	flag.StringVar(&spec.Project, "project", "", "project id")
	flag.StringVar(&spec.Region, "region", "", "region")
	flag.StringVar(&spec.InputGlob, "input_glob", "", "s3://bucket/prefix/*.parquet")
	flag.StringVar(&spec.Runner, "runner", batch.RunnerDirect, "runner name")
	flag.StringVar(&spec.OutputTable, "output_table", "", "[project.]dataset.table")
	flag.StringVar(&spec.TempLocation, "temp_location", os.TempDir(), "directory for downloaded input files")
	flag.StringVar(&spec.StagingLocation, "staging_location", "", "staging location")
	flag.StringVar(&spec.JobName, "job_name", "", "job name")
	flag.StringVar(&configPath, "config", "config/lakehouse.yaml", "lakehouse config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := run(ctx, configPath, spec)
	if errors.Is(err, batch.ErrNoInputFiles) {
		err = nil
	}
	if err != nil {
		log.Error("Batch job failed", "job", spec.JobName, "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := json.NewEncoder(os.Stdout).Encode(res); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, spec batch.JobSpec) (batch.Result, error) {
	if err := config.LoadDotEnv(); err != nil {
		return batch.Result{}, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return batch.Result{}, err
	}
	if err := spec.Validate(); err != nil {
		return batch.Result{}, err
	}

	store, err := objstore.New(objstore.Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Region:    cfg.Storage.Region,
		UseSSL:    cfg.Storage.UseSSL,
	}, log)
	if err != nil {
		return batch.Result{}, err
	}
	wh, err := warehouse.Open(warehouse.Driver(cfg.Warehouse.Driver), cfg.Warehouse.DSN, log)
	if err != nil {
		return batch.Result{}, err
	}
	defer wh.Close()
	wh.SetBatchSize(cfg.Batch.WriteBatchSize)

	runner := batch.NewRunner(batch.WithWorkers(cfg.Batch.Workers), batch.WithRunnerLog(log))
	log.Info("Starting batch job", "job", spec.JobName, "input", spec.InputGlob, "output", spec.OutputTable)
	p := batch.NewPipeline(store, wh, runner, log, batch.WithWriteBatchSize(cfg.Batch.WriteBatchSize))
	return p.Execute(ctx, spec)
}
