package discovery

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/lakehouse/internal/objstore"
	"github.com/birdayz/lakehouse/window"
)

type fakeLister struct {
	objects map[string][]objstore.ObjectInfo
	err     error
	calls   []string
}

func (f *fakeLister) List(ctx context.Context, bucket, prefix string) ([]objstore.ObjectInfo, error) {
	f.calls = append(f.calls, bucket+"/"+prefix)
	return f.objects[prefix], f.err
}

var w = window.Containing(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))

func TestDiscover(t *testing.T) {
	t.Run("parquet files under the hour prefix", func(t *testing.T) {
		l := &fakeLister{objects: map[string][]objstore.ObjectInfo{
			"raw/green/2024/01/01/10/": {
				{Key: "raw/green/2024/01/01/10/part-0.parquet"},
				{Key: "raw/green/2024/01/01/10/part-1.parquet"},
				{Key: "raw/green/2024/01/01/10/_SUCCESS"},
				{Key: "raw/green/2024/01/01/10/nested/part-2.parquet"},
			},
		}}
		d := New(l, "lake", "raw/green", slog.New(slog.DiscardHandler))

		in, err := d.Discover(context.Background(), w)
		assert.NoError(t, err)
		assert.False(t, in.NoInput())
		assert.Equal(t, []string{"lake/raw/green/2024/01/01/10/"}, l.calls)
		assert.Equal(t, []string{
			"raw/green/2024/01/01/10/part-0.parquet",
			"raw/green/2024/01/01/10/part-1.parquet",
		}, in.Keys())
		assert.Equal(t, "s3://lake/raw/green/2024/01/01/10/*.parquet", in.Glob())
	})

	t.Run("empty hour is no input", func(t *testing.T) {
		d := New(&fakeLister{}, "lake", "raw/green", slog.New(slog.DiscardHandler))
		in, err := d.Discover(context.Background(), w)
		assert.NoError(t, err)
		assert.True(t, in.NoInput())
	})

	t.Run("listing error", func(t *testing.T) {
		boom := errors.New("connection refused")
		d := New(&fakeLister{err: boom}, "lake", "raw/green", slog.New(slog.DiscardHandler))
		_, err := d.Discover(context.Background(), w)
		assert.True(t, errors.Is(err, boom))
	})
}

func TestWindowOf(t *testing.T) {
	tests := []struct {
		base, key string
		want      string
		ok        bool
	}{
		{"raw/green", "raw/green/2024/01/01/10/part-0.parquet", "2024010110", true},
		{"raw/green/", "raw/green/2024/01/01/10/part-0.parquet", "2024010110", true},
		{"", "2024/12/31/23/x.parquet", "2024123123", true},
		{"raw/green", "raw/green/2024/01/01/10/_SUCCESS", "", false},
		{"raw/green", "raw/green/2024/01/01/10/nested/x.parquet", "", false},
		{"raw/green", "raw/yellow/2024/01/01/10/x.parquet", "", false},
		{"raw/green", "raw/green/2024/13/01/10/x.parquet", "", false},
		{"raw/green", "raw/green/2024/1/01/10/x.parquet", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, ok := WindowOf(tt.base, tt.key)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, got.Key())
				assert.Equal(t, got.Prefix(tt.base), tt.key[:len(got.Prefix(tt.base))])
			}
		})
	}
}
