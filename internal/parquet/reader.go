// Package parquet decodes parquet files into raw trip records using an
// embedded DuckDB.
package parquet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/birdayz/lakehouse/trip"
)

var ErrNoFiles = errors.New("no parquet files")

// Reader reads local parquet files. It is safe for sequential use only.
type Reader struct {
	db *sql.DB
}

func NewReader() (*Reader, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Reader{db: db}, nil
}

func (r *Reader) Close() error { return r.db.Close() }

// Read streams every row of files to out until all rows are sent or ctx is
// done. Files may have differing column sets; missing columns read as nil.
// Read does not close out.
func (r *Reader) Read(ctx context.Context, files []string, out chan<- trip.RawRecord) (int, error) {
	if len(files) == 0 {
		return 0, ErrNoFiles
	}
	quoted := make([]string, len(files))
	for i, f := range files {
		quoted[i] = "'" + strings.ReplaceAll(f, "'", "''") + "'"
	}
	query := fmt.Sprintf("SELECT * FROM read_parquet([%s], union_by_name = true)", strings.Join(quoted, ", "))

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("read parquet: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, err
	}

	n := 0
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return n, fmt.Errorf("scan row %d: %w", n, err)
		}
		rec := make(trip.RawRecord, len(cols))
		for i, c := range cols {
			rec[c] = values[i]
		}
		select {
		case out <- rec:
			n++
		case <-ctx.Done():
			return n, ctx.Err()
		}
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("read parquet: %w", err)
	}
	return n, nil
}

// Write exports rows to a parquet file. Used to produce fixtures and local
// test inputs.
func (r *Reader) Write(ctx context.Context, dst string, columns []string, rows [][]any) error {
	if _, err := r.db.ExecContext(ctx, "DROP TABLE IF EXISTS export"); err != nil {
		return err
	}
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = `"` + strings.ReplaceAll(c, `"`, `""`) + `" VARCHAR`
	}
	if _, err := r.db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE export (%s)", strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("create export table: %w", err)
	}
	ph := make([]string, len(columns))
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	for _, row := range rows {
		if _, err := r.db.ExecContext(ctx, fmt.Sprintf("INSERT INTO export VALUES (%s)", strings.Join(ph, ", ")), row...); err != nil {
			return fmt.Errorf("insert export row: %w", err)
		}
	}
	stmt := fmt.Sprintf("COPY export TO '%s' (FORMAT PARQUET)", strings.ReplaceAll(dst, "'", "''"))
	if _, err := r.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("write parquet %s: %w", dst, err)
	}
	_, err := r.db.ExecContext(ctx, "DROP TABLE export")
	return err
}
