// Package discovery finds the input files of an hourly window.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/birdayz/lakehouse/internal/objstore"
	"github.com/birdayz/lakehouse/window"
)

// Extension selects the input objects of a window.
const Extension = ".parquet"

// Input is the discovered input of one window.
type Input struct {
	Window  window.Window
	Bucket  string
	Prefix  string
	Objects []objstore.ObjectInfo
}

// NoInput reports whether the window has nothing to process.
func (in Input) NoInput() bool { return len(in.Objects) == 0 }

// Glob is the pattern matching the window's input objects, handed to the
// batch runner.
func (in Input) Glob() string {
	return objstore.Scheme + in.Bucket + "/" + in.Prefix + "*" + Extension
}

// Keys returns the object keys.
func (in Input) Keys() []string {
	keys := make([]string, len(in.Objects))
	for i, o := range in.Objects {
		keys[i] = o.Key
	}
	return keys
}

type Discoverer struct {
	lister     objstore.Lister
	bucket     string
	basePrefix string
	log        *slog.Logger
}

func New(lister objstore.Lister, bucket, basePrefix string, log *slog.Logger) *Discoverer {
	return &Discoverer{lister: lister, bucket: bucket, basePrefix: basePrefix, log: log}
}

// Discover lists {base}/{YYYY}/{MM}/{DD}/{HH}/ and keeps the parquet files
// directly below it. An empty result is not an error.
func (d *Discoverer) Discover(ctx context.Context, w window.Window) (Input, error) {
	prefix := w.Prefix(d.basePrefix)
	objs, err := d.lister.List(ctx, d.bucket, prefix)
	if err != nil {
		return Input{}, fmt.Errorf("discover %s: %w", w.Key(), err)
	}

	in := Input{Window: w, Bucket: d.bucket, Prefix: prefix}
	for _, o := range objs {
		name := strings.TrimPrefix(o.Key, prefix)
		if strings.Contains(name, "/") || !strings.HasSuffix(name, Extension) {
			continue
		}
		in.Objects = append(in.Objects, o)
	}

	d.log.Info("Discovered window input", "window", w.Key(), "prefix", prefix, "objects", len(in.Objects))
	return in, nil
}

// WindowOf returns the window whose input holds key, the inverse of the
// window prefix layout. ok is false for keys outside any window input.
func WindowOf(basePrefix, key string) (w window.Window, ok bool) {
	base := strings.TrimSuffix(basePrefix, "/")
	if base != "" {
		rest, found := strings.CutPrefix(key, base+"/")
		if !found {
			return window.Window{}, false
		}
		key = rest
	}
	parts := strings.Split(key, "/")
	if len(parts) != 5 || !strings.HasSuffix(parts[4], Extension) {
		return window.Window{}, false
	}
	for i, n := range []int{4, 2, 2, 2} {
		if len(parts[i]) != n {
			return window.Window{}, false
		}
	}
	w, err := window.Parse(parts[0] + parts[1] + parts[2] + parts[3])
	if err != nil {
		return window.Window{}, false
	}
	return w, true
}
