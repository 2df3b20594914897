package parquet

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/lakehouse/trip"
)

func TestReadWrite(t *testing.T) {
	ctx := context.Background()
	r, err := NewReader()
	assert.NoError(t, err)
	defer r.Close()

	dir := t.TempDir()
	a := filepath.Join(dir, "a.parquet")
	b := filepath.Join(dir, "b.parquet")
	assert.NoError(t, r.Write(ctx, a,
		[]string{trip.FieldVendorID, trip.FieldPickup, trip.FieldDropoff},
		[][]any{{"2", "2024-01-01T10:00:00", "2024-01-01T10:15:00"}, {"1", "bad", "2024-01-01T10:15:00"}}))
	assert.NoError(t, r.Write(ctx, b,
		[]string{trip.FieldPickup, trip.FieldDropoff, trip.FieldFlag},
		[][]any{{"2024-01-01T10:20:00", "2024-01-01T10:30:00", "N"}}))

	out := make(chan trip.RawRecord, 10)
	n, err := r.Read(ctx, []string{a, b}, out)
	close(out)
	assert.NoError(t, err)
	assert.Equal(t, 3, n)

	var recs []trip.RawRecord
	for rec := range out {
		recs = append(recs, rec)
	}
	assert.Equal(t, 3, len(recs))
	for _, rec := range recs {
		_, ok := rec[trip.FieldFlag]
		assert.True(t, ok, "union_by_name fills missing columns")
	}
}

func TestReadNoFiles(t *testing.T) {
	r, err := NewReader()
	assert.NoError(t, err)
	defer r.Close()
	_, err = r.Read(context.Background(), nil, make(chan trip.RawRecord))
	assert.True(t, errors.Is(err, ErrNoFiles))
}

func TestReadCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r, err := NewReader()
	assert.NoError(t, err)
	defer r.Close()

	f := filepath.Join(t.TempDir(), "x.parquet")
	assert.NoError(t, r.Write(ctx, f, []string{"a"}, [][]any{{"1"}, {"2"}}))

	cancel()
	_, err = r.Read(ctx, []string{f}, make(chan trip.RawRecord))
	assert.True(t, errors.Is(err, context.Canceled))
}
