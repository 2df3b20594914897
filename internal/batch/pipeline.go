package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/birdayz/lakehouse/internal/objstore"
	"github.com/birdayz/lakehouse/internal/parquet"
	"github.com/birdayz/lakehouse/internal/warehouse"
	"github.com/birdayz/lakehouse/trip"
)

var ErrNoInputFiles = errors.New("input glob matched no files")

// ObjectStore is the storage the pipeline reads input files from.
type ObjectStore interface {
	objstore.Lister
	Download(ctx context.Context, bucket, key, dst string) error
}

// TripWriter appends conformed trips; *warehouse.Warehouse implements it.
type TripWriter interface {
	AppendTrips(ctx context.Context, t warehouse.Table, recs []trip.CanonicalRecord) (int, error)
}

// Pipeline executes a JobSpec: expand the glob, download the files, decode
// them, run the records through the Runner and append the result.
type Pipeline struct {
	store     ObjectStore
	writer    TripWriter
	runner    *Runner
	batchSize int
	log       *slog.Logger
}

// DefaultWriteBatchSize is the number of records handed to the writer at once.
const DefaultWriteBatchSize = 1000

type PipelineOption func(*Pipeline)

// WithWriteBatchSize sets how many records are appended per writer call.
func WithWriteBatchSize(n int) PipelineOption {
	return func(p *Pipeline) {
		p.batchSize = max(n, 1)
	}
}

func NewPipeline(store ObjectStore, writer TripWriter, runner *Runner, log *slog.Logger, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{store: store, writer: writer, runner: runner, batchSize: DefaultWriteBatchSize, log: log}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute runs the job to completion. A glob matching nothing returns
// ErrNoInputFiles together with an empty result.
func (p *Pipeline) Execute(ctx context.Context, spec JobSpec) (Result, error) {
	if err := spec.Validate(); err != nil {
		return Result{}, err
	}
	log := p.log.With("job", spec.JobName)

	glob, err := objstore.ParseGlob(spec.InputGlob)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}
	table, err := warehouse.ParseTable(spec.OutputTable)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}

	objs, err := objstore.Expand(ctx, p.store, glob)
	if err != nil {
		return Result{}, err
	}
	if len(objs) == 0 {
		log.Info("No input files", "glob", glob.String())
		return Result{JobName: spec.JobName, NoInput: true}, ErrNoInputFiles
	}

	tmp, err := os.MkdirTemp(spec.TempLocation, spec.JobName+"-*")
	if err != nil {
		return Result{}, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	files := make([]string, len(objs))
	for i, o := range objs {
		files[i] = filepath.Join(tmp, fmt.Sprintf("%04d-%s", i, path.Base(o.Key)))
		if err := p.store.Download(ctx, glob.Bucket, o.Key, files[i]); err != nil {
			return Result{}, err
		}
	}
	log.Info("Downloaded input files", "files", len(files))

	reader, err := parquet.NewReader()
	if err != nil {
		return Result{}, err
	}
	defer reader.Close()

	grp, gctx := errgroup.WithContext(ctx)
	raw := make(chan trip.RawRecord, 1024)
	grp.Go(func() error {
		defer close(raw)
		_, err := reader.Read(gctx, files, raw)
		return err
	})

	out, stats := p.runner.Run(gctx, raw)
	grp.Go(func() error {
		return p.write(gctx, table, out, stats)
	})

	err = grp.Wait()
	res := stats.Snapshot()
	res.JobName = spec.JobName
	if err != nil {
		return res, err
	}
	log.Info("Batch job finished", "stats", stats)
	return res, nil
}

func (p *Pipeline) write(ctx context.Context, table warehouse.Table, in <-chan trip.CanonicalRecord, stats *Stats) error {
	buf := make([]trip.CanonicalRecord, 0, p.batchSize)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		n, err := p.writer.AppendTrips(ctx, table, buf)
		stats.written.Add(int64(n))
		buf = buf[:0]
		return err
	}
	for rec := range in {
		buf = append(buf, rec)
		if len(buf) == p.batchSize {
			// On error the group context is cancelled, which stops the
			// runner workers and the reader.
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return flush()
}
