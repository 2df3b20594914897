package batch

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/lakehouse/trip"
)

func rawTrip(vendor int, pickup, dropoff string) trip.RawRecord {
	return trip.RawRecord{
		trip.FieldVendorID:     vendor,
		trip.FieldPickup:       pickup,
		trip.FieldDropoff:      dropoff,
		trip.FieldPULocationID: 74,
		trip.FieldDOLocationID: 42,
	}
}

func sampleInput() []trip.RawRecord {
	return []trip.RawRecord{
		rawTrip(2, "2024-01-01T10:00:00", "2024-01-01T10:15:00"),
		rawTrip(1, "2024-01-01T10:05:00", "2024-01-01T10:25:00"),
		rawTrip(1, "not a time", "2024-01-01T10:25:00"),
		rawTrip(1, "2024-01-01T11:00:00", "2024-01-01T10:00:00"),
		rawTrip(2, "2024-01-01T10:30:00", "2024-01-01T10:31:00"),
	}
}

func ids(recs []trip.CanonicalRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	slices.Sort(out)
	return out
}

func TestRunnerCounts(t *testing.T) {
	ingested := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewRunner(WithWorkers(3), WithNow(func() time.Time { return ingested }))

	recs, stats := r.Process(context.Background(), sampleInput())
	assert.Equal(t, 3, len(recs))
	assert.Equal(t, int64(5), stats.Read())
	assert.Equal(t, int64(3), stats.Accepted())
	assert.Equal(t, int64(1), stats.Rejected(trip.ReasonUnparseableTimestamp))
	assert.Equal(t, int64(1), stats.Rejected(trip.ReasonNegativeDuration))
	assert.Equal(t, int64(2), stats.RejectedTotal())

	for _, rec := range recs {
		assert.Equal(t, 32, len(rec.ID))
		assert.Equal(t, ingested, rec.IngestedAt)
		assert.Equal(t, trip.UnknownFlag, rec.Flag)
	}
}

func TestRunnerIsIdempotent(t *testing.T) {
	first, _ := NewRunner(WithWorkers(4)).Process(context.Background(), sampleInput())
	second, _ := NewRunner(WithWorkers(1)).Process(context.Background(), sampleInput())
	assert.Equal(t, ids(first), ids(second))
	assert.Equal(t, len(first), len(slices.Compact(ids(first))))
}

func TestRunnerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan trip.RawRecord)
	out, _ := NewRunner(WithWorkers(2)).Run(ctx, in)
	cancel()

	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestJobSpec(t *testing.T) {
	spec := JobSpec{
		Project:      "lake",
		InputGlob:    "s3://lake/raw/2024/01/01/10/*.parquet",
		OutputTable:  "bronze.trips",
		TempLocation: "/tmp",
		JobName:      "nyc-green-taxi-bronze-2024010110",
	}
	assert.NoError(t, spec.Validate())
	assert.Equal(t, []string{
		"--project=lake",
		"--input_glob=s3://lake/raw/2024/01/01/10/*.parquet",
		"--output_table=bronze.trips",
		"--temp_location=/tmp",
		"--job_name=nyc-green-taxi-bronze-2024010110",
	}, spec.Args())

	err := JobSpec{Runner: "dataflow"}.Validate()
	assert.True(t, errors.Is(err, ErrInvalidJob))
	for _, want := range []string{"input_glob", "output_table", "job_name", "dataflow"} {
		assert.Contains(t, err.Error(), want)
	}
}
