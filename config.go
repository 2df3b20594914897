package lakehouse

import (
	"context"
	"io"
	"log/slog"

	"github.com/birdayz/lakehouse/internal/batch"
	"github.com/birdayz/lakehouse/internal/execution"
	"github.com/birdayz/lakehouse/internal/ledger"
	"github.com/birdayz/lakehouse/internal/metrics"
	"github.com/birdayz/lakehouse/internal/objstore"
	"github.com/birdayz/lakehouse/internal/warehouse"
)

// ObjectStore is the object storage the pipeline reads from;
// *objstore.Client implements it.
type ObjectStore interface {
	List(ctx context.Context, bucket, prefix string) ([]objstore.ObjectInfo, error)
	Download(ctx context.Context, bucket, key, dst string) error
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Option is a function that configures an App
type Option func(*App)

// WithLog sets the logger for the application
var WithLog = func(log *slog.Logger) Option {
	return func(a *App) {
		a.log = log
	}
}

// WithObjectStore replaces the MinIO client built from the storage section
var WithObjectStore = func(store ObjectStore) Option {
	return func(a *App) {
		a.store = store
	}
}

// WithWarehouse replaces the warehouse opened from the warehouse section.
// The App does not close it.
var WithWarehouse = func(wh *warehouse.Warehouse) Option {
	return func(a *App) {
		a.warehouse = wh
		a.ownWarehouse = false
	}
}

// WithSubmitter replaces the batch job submitter selected by batch.runner
var WithSubmitter = func(s batch.Submitter) Option {
	return func(a *App) {
		a.submitter = s
	}
}

// WithLedger replaces the ledger opened from the ledger section. The App
// does not close it.
var WithLedger = func(l *ledger.Ledger) Option {
	return func(a *App) {
		a.ledger = l
		a.ownLedger = false
	}
}

// WithMetrics sets the metrics collectors
var WithMetrics = func(m *metrics.Metrics) Option {
	return func(a *App) {
		a.metrics = m
	}
}

// WithListener adds a window run listener
var WithListener = func(l execution.Listener) Option {
	return func(a *App) {
		a.listeners = append(a.listeners, l)
	}
}

// WithEngineOptions passes extra options to the execution engine
var WithEngineOptions = func(opts ...execution.Option) Option {
	return func(a *App) {
		a.engineOpts = append(a.engineOpts, opts...)
	}
}

// NullLogger returns a logger that discards everything
func NullLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
