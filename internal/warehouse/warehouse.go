// Package warehouse writes conformed records and runs transformation SQL
// against a database/sql warehouse. DuckDB is the embedded default; Postgres
// is reachable through pgx.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/birdayz/lakehouse/trip"
)

var (
	ErrTableNotFound     = errors.New("table not found")
	ErrUnsupportedDriver = errors.New("unsupported warehouse driver")
	ErrInvalidTable      = errors.New("invalid table name")
)

// Driver selects the warehouse backend.
type Driver string

const (
	DriverDuckDB   Driver = "duckdb"
	DriverPostgres Driver = "postgres"
)

func (d Driver) sqlDriver() (string, error) {
	switch d {
	case DriverDuckDB:
		return "duckdb", nil
	case DriverPostgres:
		return "pgx", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedDriver, d)
}

type Warehouse struct {
	db        *sql.DB
	driver    Driver
	batchSize int
	log       *slog.Logger
}

// Open connects to the warehouse. An empty DuckDB DSN is an in-memory
// database, which is only visible to a single connection.
func Open(driver Driver, dsn string, log *slog.Logger) (*Warehouse, error) {
	name, err := driver.sqlDriver()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s warehouse: %w", driver, err)
	}
	if driver == DriverDuckDB && (dsn == "" || dsn == ":memory:") {
		db.SetMaxOpenConns(1)
	}
	return &Warehouse{db: db, driver: driver, batchSize: 1000, log: log.With("warehouse", string(driver))}, nil
}

func (w *Warehouse) DB() *sql.DB { return w.db }

func (w *Warehouse) Driver() Driver { return w.driver }

func (w *Warehouse) Close() error { return w.db.Close() }

// SetBatchSize sets the number of rows per INSERT statement.
func (w *Warehouse) SetBatchSize(n int) { w.batchSize = max(n, 1) }

func (w *Warehouse) Ping(ctx context.Context) error {
	return w.db.PingContext(ctx)
}

// Table is a schema qualified table name.
type Table struct {
	Schema string
	Name   string
}

// ParseTable reads "schema.table" or "table". A leading project qualifier,
// as in "project.schema.table", is dropped.
func ParseTable(s string) (Table, error) {
	parts := strings.Split(s, ".")
	for _, p := range parts {
		if p == "" {
			return Table{}, fmt.Errorf("%w: %q", ErrInvalidTable, s)
		}
	}
	switch len(parts) {
	case 1:
		return Table{Name: parts[0]}, nil
	case 2:
		return Table{Schema: parts[0], Name: parts[1]}, nil
	case 3:
		return Table{Schema: parts[1], Name: parts[2]}, nil
	}
	return Table{}, fmt.Errorf("%w: %q", ErrInvalidTable, s)
}

func (t Table) String() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

func (t Table) quoted() string {
	if t.Schema == "" {
		return quoteIdent(t.Name)
	}
	return quoteIdent(t.Schema) + "." + quoteIdent(t.Name)
}

func (w *Warehouse) defaultSchema() string {
	if w.driver == DriverPostgres {
		return "public"
	}
	return "main"
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func placeholders(n, offset int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", offset+i+1)
	}
	return strings.Join(ph, ", ")
}

// EnsureSchema creates a schema if it does not exist.
func (w *Warehouse) EnsureSchema(ctx context.Context, schema string) error {
	if _, err := w.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoteIdent(schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	return nil
}

// TableExists reports whether t exists.
func (w *Warehouse) TableExists(ctx context.Context, t Table) (bool, error) {
	schema := t.Schema
	if schema == "" {
		schema = w.defaultSchema()
	}
	var n int
	err := w.db.QueryRowContext(ctx,
		"SELECT count(*) FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2",
		schema, t.Name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup table %s: %w", t, err)
	}
	return n > 0, nil
}

// CreateTripTable creates the conformed trip table if it does not exist.
func (w *Warehouse) CreateTripTable(ctx context.Context, t Table) error {
	if t.Schema != "" {
		if err := w.EnsureSchema(ctx, t.Schema); err != nil {
			return err
		}
	}
	cols := make([]string, len(trip.Columns))
	for i, c := range trip.Columns {
		def := quoteIdent(c.Name) + " " + w.columnType(c.Type)
		if c.Required {
			def += " NOT NULL"
		}
		cols[i] = def
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", t.quoted(), strings.Join(cols, ", "))
	if _, err := w.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s: %w", t, err)
	}
	return nil
}

func (w *Warehouse) columnType(ct trip.ColumnType) string {
	if w.driver == DriverPostgres && ct == trip.TypeDouble {
		return "DOUBLE PRECISION"
	}
	return string(ct)
}

// AppendTrips appends records to an existing table. The table is never
// created here; a missing table yields ErrTableNotFound.
func (w *Warehouse) AppendTrips(ctx context.Context, t Table, recs []trip.CanonicalRecord) (int, error) {
	exists, err := w.TableExists(ctx, t)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("%w: %s", ErrTableNotFound, t)
	}

	cols := trip.ColumnNames()
	quotedCols := make([]string, len(cols))
	for i, c := range cols {
		quotedCols[i] = quoteIdent(c)
	}
	head := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", t.quoted(), strings.Join(quotedCols, ", "))

	written := 0
	for start := 0; start < len(recs); start += w.batchSize {
		end := min(start+w.batchSize, len(recs))
		if err := w.insertBatch(ctx, head, len(cols), recs[start:end]); err != nil {
			return written, fmt.Errorf("append to %s: %w", t, err)
		}
		written += end - start
	}
	w.log.Debug("Appended trips", "table", t.String(), "rows", written)
	return written, nil
}

func (w *Warehouse) insertBatch(ctx context.Context, head string, ncols int, recs []trip.CanonicalRecord) error {
	rows := make([]string, len(recs))
	args := make([]any, 0, len(recs)*ncols)
	for i, rec := range recs {
		rows[i] = "(" + placeholders(ncols, i*ncols) + ")"
		args = append(args, rec.Values()...)
	}
	_, err := w.db.ExecContext(ctx, head+strings.Join(rows, ", "), args...)
	return err
}

// ReplaceRows replaces the full content of t with rows in one transaction.
// The table is created with TEXT columns when missing.
func (w *Warehouse) ReplaceRows(ctx context.Context, t Table, columns []string, rows [][]any) (err error) {
	if len(columns) == 0 {
		return fmt.Errorf("replace %s: no columns", t)
	}
	if t.Schema != "" {
		if err := w.EnsureSchema(ctx, t.Schema); err != nil {
			return err
		}
	}

	quotedCols := make([]string, len(columns))
	defs := make([]string, len(columns))
	for i, c := range columns {
		quotedCols[i] = quoteIdent(c)
		defs[i] = quoteIdent(c) + " TEXT"
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", t.quoted(), strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("create %s: %w", t, err)
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM "+t.quoted()); err != nil {
		return fmt.Errorf("truncate %s: %w", t, err)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.quoted(), strings.Join(quotedCols, ", "), placeholders(len(columns), 0)))
	if err != nil {
		return fmt.Errorf("prepare insert into %s: %w", t, err)
	}
	defer stmt.Close()
	for i, row := range rows {
		if len(row) != len(columns) {
			err = fmt.Errorf("row %d has %d values, want %d", i, len(row), len(columns))
			return err
		}
		if _, err = stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("insert into %s: %w", t, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	w.log.Debug("Replaced table", "table", t.String(), "rows", len(rows))
	return nil
}

// Exec runs a script. Scripts may hold several statements.
func (w *Warehouse) Exec(ctx context.Context, script string) error {
	if _, err := w.db.ExecContext(ctx, script); err != nil {
		return err
	}
	return nil
}

// Count returns the number of rows in t.
func (w *Warehouse) Count(ctx context.Context, t Table) (int64, error) {
	var n int64
	if err := w.db.QueryRowContext(ctx, "SELECT count(*) FROM "+t.quoted()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", t, err)
	}
	return n, nil
}
