// Package window models the hourly processing unit.
package window

import (
	"errors"
	"fmt"
	"path"
	"time"
)

// Size is the length of every window.
const Size = time.Hour

var ErrInvalidRange = errors.New("invalid window range")

// Window is the half-open interval [Start, Start+Size). Start is always
// aligned to the hour and in UTC.
type Window struct {
	start time.Time
}

// Containing returns the window that contains t.
func Containing(t time.Time) Window {
	return Window{start: t.UTC().Truncate(Size)}
}

// Parse reads a window key as produced by Key.
func Parse(key string) (Window, error) {
	t, err := time.ParseInLocation(keyLayout, key, time.UTC)
	if err != nil {
		return Window{}, fmt.Errorf("parse window %q: %w", key, err)
	}
	return Window{start: t}, nil
}

const keyLayout = "2006010215"

func (w Window) Start() time.Time { return w.start }
func (w Window) End() time.Time   { return w.start.Add(Size) }

// Contains reports whether t falls in the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.start) && t.Before(w.End())
}

func (w Window) Next() Window { return Window{start: w.start.Add(Size)} }
func (w Window) Prev() Window { return Window{start: w.start.Add(-Size)} }

// Key is a compact identifier, YYYYMMDDHH.
func (w Window) Key() string { return w.start.Format(keyLayout) }

// Prefix returns the object prefix holding this window's input files:
// {base}/{YYYY}/{MM}/{DD}/{HH}/.
func (w Window) Prefix(base string) string {
	return path.Join(base, w.start.Format("2006"), w.start.Format("01"), w.start.Format("02"), w.start.Format("15")) + "/"
}

// JobName is the per-window name of a batch job, e.g. trips-2024010110.
func (w Window) JobName(prefix string) string {
	return prefix + "-" + w.Key()
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.start.Format(time.RFC3339), w.End().Format(time.RFC3339))
}

// Range returns the windows covering [from, to), in order. from is aligned
// down and to is aligned up to the hour.
func Range(from, to time.Time) ([]Window, error) {
	first := Containing(from)
	last := Containing(to)
	if !to.UTC().Equal(last.start) {
		last = last.Next()
	}
	if !first.start.Before(last.start) {
		return nil, fmt.Errorf("%w: %s is not before %s", ErrInvalidRange, from, to)
	}
	var out []Window
	for w := first; w.start.Before(last.start); w = w.Next() {
		out = append(out, w)
	}
	return out, nil
}
