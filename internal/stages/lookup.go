package stages

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/birdayz/lakehouse/internal/execution"
	"github.com/birdayz/lakehouse/internal/objstore"
	"github.com/birdayz/lakehouse/internal/warehouse"
)

// ObjectOpener is implemented by *objstore.Client.
type ObjectOpener interface {
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// RowReplacer is implemented by *warehouse.Warehouse.
type RowReplacer interface {
	ReplaceRows(ctx context.Context, t warehouse.Table, columns []string, rows [][]any) error
}

// LookupLoad truncates and reloads a lookup table from a CSV object with a
// header row.
type LookupLoad struct {
	store  ObjectOpener
	dst    RowReplacer
	source objstore.Location
	table  warehouse.Table
	log    *slog.Logger
}

func NewLookupLoad(store ObjectOpener, dst RowReplacer, source objstore.Location, table warehouse.Table, log *slog.Logger) *LookupLoad {
	return &LookupLoad{store: store, dst: dst, source: source, table: table, log: log}
}

func (l *LookupLoad) Submit(ctx context.Context, req execution.Request) (execution.Job, error) {
	return execution.StageFunc(l.run).Submit(ctx, req)
}

func (l *LookupLoad) run(ctx context.Context, req execution.Request) (execution.Outcome, error) {
	rc, err := l.store.Open(ctx, l.source.Bucket, l.source.Key)
	if errors.Is(err, objstore.ErrNotFound) {
		return execution.Outcome{}, execution.Permanent(fmt.Errorf("%w: %s", ErrMissingLookup, l.source))
	}
	if err != nil {
		return execution.Outcome{}, err
	}
	defer rc.Close()

	columns, rows, err := readCSV(rc)
	if err != nil {
		return execution.Outcome{}, execution.Permanent(fmt.Errorf("lookup %s: %w", l.source, err))
	}
	if err := l.dst.ReplaceRows(ctx, l.table, columns, rows); err != nil {
		return execution.Outcome{}, err
	}
	l.log.Info("Loaded lookup table", "table", l.table.String(), "rows", len(rows))
	return execution.Succeed(len(rows)), nil
}

func readCSV(r io.Reader) ([]string, [][]any, error) {
	cr := csv.NewReader(r)
	cr.LazyQuotes = true
	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	var rows [][]any
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		row := make([]any, len(rec))
		for i, v := range rec {
			row[i] = v
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}
