package stages

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/lakehouse/dag"
	"github.com/birdayz/lakehouse/internal/batch"
	"github.com/birdayz/lakehouse/internal/discovery"
	"github.com/birdayz/lakehouse/internal/execution"
	"github.com/birdayz/lakehouse/internal/objstore"
	"github.com/birdayz/lakehouse/internal/warehouse"
	"github.com/birdayz/lakehouse/window"
	"github.com/cenkalti/backoff/v4"
)

var (
	discard = slog.New(slog.DiscardHandler)
	hour    = window.Containing(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
)

func wait(t *testing.T, s execution.Stage, req execution.Request) (execution.Outcome, error) {
	t.Helper()
	job, err := s.Submit(context.Background(), req)
	if err != nil {
		return execution.Outcome{}, err
	}
	return job.Wait(context.Background())
}

func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

type fakeDiscoverer struct {
	in  discovery.Input
	err error
}

func (f fakeDiscoverer) Discover(ctx context.Context, w window.Window) (discovery.Input, error) {
	f.in.Window = w
	return f.in, f.err
}

func TestDiscover(t *testing.T) {
	t.Run("no input skips", func(t *testing.T) {
		out, err := wait(t, Discover(fakeDiscoverer{in: discovery.Input{Bucket: "lake", Prefix: "raw/2024/01/01/10/"}}), execution.Request{Window: hour})
		assert.NoError(t, err)
		assert.True(t, out.Skipped)
		assert.Equal(t, execution.ReasonNoInput, out.Reason)
		assert.Contains(t, out.Detail, "s3://lake/raw/2024/01/01/10/")
	})

	t.Run("input is the output", func(t *testing.T) {
		in := discovery.Input{Bucket: "lake", Prefix: "p/", Objects: []objstore.ObjectInfo{{Key: "p/a.parquet"}}}
		out, err := wait(t, Discover(fakeDiscoverer{in: in}), execution.Request{Window: hour})
		assert.NoError(t, err)
		assert.False(t, out.Skipped)
		got := out.Output.(discovery.Input)
		assert.Equal(t, []string{"p/a.parquet"}, got.Keys())
	})

	t.Run("listing error fails", func(t *testing.T) {
		_, err := wait(t, Discover(fakeDiscoverer{err: errors.New("unreachable")}), execution.Request{Window: hour})
		assert.EqualError(t, err, "unreachable")
	})
}

type fakeHandle struct {
	res batch.Result
	err error
}

func (h fakeHandle) Wait(ctx context.Context) (batch.Result, error) { return h.res, h.err }
func (h fakeHandle) Cancel()                                         {}

type fakeSubmitter struct {
	specs []batch.JobSpec
	res   batch.Result
	err   error
}

func (f *fakeSubmitter) Submit(ctx context.Context, spec batch.JobSpec) (batch.Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	f.specs = append(f.specs, spec)
	return fakeHandle{res: f.res, err: f.err}, nil
}

func TestBatchLoad(t *testing.T) {
	const source = dag.StageID("find_parquet_files")
	in := discovery.Input{Window: hour, Bucket: "lake", Prefix: "raw/2024/01/01/10/", Objects: []objstore.ObjectInfo{{Key: "raw/2024/01/01/10/a.parquet"}}}
	req := execution.Request{Window: hour, Attempt: 1, Inputs: map[dag.StageID]any{source: in}}
	template := batch.JobSpec{Project: "lake", Runner: batch.RunnerDirect, OutputTable: "bronze.trips"}

	t.Run("submits the window job", func(t *testing.T) {
		sub := &fakeSubmitter{res: batch.Result{Written: 5}}
		out, err := wait(t, NewBatchLoad(sub, source, template, "nyc-green-taxi-bronze", discard), req)
		assert.NoError(t, err)
		assert.Equal(t, int64(5), out.Output.(batch.Result).Written)
		assert.Equal(t, 1, len(sub.specs))
		assert.Equal(t, "s3://lake/raw/2024/01/01/10/*.parquet", sub.specs[0].InputGlob)
		assert.Equal(t, "nyc-green-taxi-bronze-2024010110", sub.specs[0].JobName)
		assert.Equal(t, "bronze.trips", sub.specs[0].OutputTable)
	})

	t.Run("no input files skips", func(t *testing.T) {
		sub := &fakeSubmitter{err: batch.ErrNoInputFiles}
		out, err := wait(t, NewBatchLoad(sub, source, template, "job", discard), req)
		assert.NoError(t, err)
		assert.True(t, out.Skipped)
		assert.Equal(t, execution.ReasonNoInput, out.Reason)
	})

	t.Run("job error fails", func(t *testing.T) {
		sub := &fakeSubmitter{err: batch.ErrProcessFailed}
		_, err := wait(t, NewBatchLoad(sub, source, template, "job", discard), req)
		assert.True(t, errors.Is(err, batch.ErrProcessFailed))
		assert.False(t, isPermanent(err))
	})

	t.Run("missing upstream output is permanent", func(t *testing.T) {
		_, err := wait(t, NewBatchLoad(&fakeSubmitter{}, source, template, "job", discard), execution.Request{Window: hour})
		assert.True(t, errors.Is(err, ErrMissingInput))
		assert.True(t, isPermanent(err))
	})

	t.Run("invalid job is permanent", func(t *testing.T) {
		_, err := wait(t, NewBatchLoad(&fakeSubmitter{}, source, batch.JobSpec{}, "job", discard), req)
		assert.True(t, errors.Is(err, batch.ErrInvalidJob))
		assert.True(t, isPermanent(err))
	})
}

type memObjects map[string]string

func (m memObjects) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	data, ok := m[bucket+"/"+key]
	if !ok {
		return nil, objstore.ErrNotFound
	}
	return io.NopCloser(bytes.NewBufferString(data)), nil
}

func TestLookupLoad(t *testing.T) {
	ctx := context.Background()
	wh, err := warehouse.Open(warehouse.DriverDuckDB, "", discard)
	assert.NoError(t, err)
	defer wh.Close()

	table := warehouse.Table{Schema: "bronze", Name: "taxi_zone_lookup"}
	src := objstore.Location{Bucket: "lake", Key: "lookup/taxi_zone_lookup.csv"}
	csv := "LocationID,Borough,Zone,service_zone\n1,EWR,Newark Airport,EWR\n2,Queens,Jamaica Bay,Boro Zone\n"

	t.Run("truncate load", func(t *testing.T) {
		stage := NewLookupLoad(memObjects{"lake/lookup/taxi_zone_lookup.csv": csv}, wh, src, table, discard)
		for range 2 {
			out, err := wait(t, stage, execution.Request{Window: hour})
			assert.NoError(t, err)
			assert.Equal(t, 2, out.Output.(int))
		}
		n, err := wh.Count(ctx, table)
		assert.NoError(t, err)
		assert.Equal(t, int64(2), n)

		var zone string
		assert.NoError(t, wh.DB().QueryRowContext(ctx, `SELECT "Zone" FROM bronze.taxi_zone_lookup WHERE "LocationID" = '2'`).Scan(&zone))
		assert.Equal(t, "Jamaica Bay", zone)
	})

	t.Run("missing object fails", func(t *testing.T) {
		_, err := wait(t, NewLookupLoad(memObjects{}, wh, src, table, discard), execution.Request{Window: hour})
		assert.True(t, errors.Is(err, ErrMissingLookup))
		assert.True(t, isPermanent(err))
		assert.Contains(t, err.Error(), "s3://lake/lookup/taxi_zone_lookup.csv")
	})

	t.Run("malformed csv is permanent", func(t *testing.T) {
		stage := NewLookupLoad(memObjects{"lake/lookup/taxi_zone_lookup.csv": "a,b\n1,2,3\n"}, wh, src, table, discard)
		_, err := wait(t, stage, execution.Request{Window: hour})
		assert.Error(t, err)
		assert.True(t, isPermanent(err))
	})
}

func TestRender(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		params  map[string]string
		want    string
		wantErr error
	}{
		{
			name:   "substitutes",
			script: "INSERT INTO {{ params.silver_dataset }}.trips SELECT * FROM {{params.bronze_dataset}}.trips",
			params: map[string]string{"silver_dataset": "silver", "bronze_dataset": "bronze"},
			want:   "INSERT INTO silver.trips SELECT * FROM bronze.trips",
		},
		{
			name:   "no placeholders",
			script: "SELECT 1",
			want:   "SELECT 1",
		},
		{
			name:    "unknown parameter",
			script:  "SELECT * FROM {{ params.gold_dataset }}.x",
			params:  map[string]string{},
			wantErr: ErrUnknownParam,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.script, tt.params)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSQLStage(t *testing.T) {
	ctx := context.Background()
	wh, err := warehouse.Open(warehouse.DriverDuckDB, "", discard)
	assert.NoError(t, err)
	defer wh.Close()
	assert.NoError(t, wh.Exec(ctx, `CREATE SCHEMA gold; CREATE TABLE gold.hours (ds TEXT, window_start TIMESTAMP, PRIMARY KEY (ds, window_start))`))

	script := `INSERT OR REPLACE INTO {{ params.gold_dataset }}.hours VALUES ('{{ params.ds }}', TIMESTAMP '{{ params.window_start }}')`
	stage := NewSQL("hours", wh, script, map[string]string{"gold_dataset": "gold"}, discard)

	rendered, err := stage.Script(hour)
	assert.NoError(t, err)
	assert.Equal(t, `INSERT OR REPLACE INTO gold.hours VALUES ('2024-01-01', TIMESTAMP '2024-01-01 10:00:00')`, rendered)

	for range 2 {
		_, err := wait(t, stage, execution.Request{Window: hour})
		assert.NoError(t, err)
	}
	n, err := wh.Count(ctx, warehouse.Table{Schema: "gold", Name: "hours"})
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n)

	broken := NewSQL("broken", wh, "SELECT {{ params.nope }}", nil, discard)
	_, err = wait(t, broken, execution.Request{Window: hour})
	assert.True(t, errors.Is(err, ErrUnknownParam))
	assert.True(t, isPermanent(err))

	failing := NewSQL("failing", wh, "SELECT * FROM missing_table", nil, discard)
	_, err = wait(t, failing, execution.Request{Window: hour})
	assert.Error(t, err)
	assert.False(t, isPermanent(err))
}
