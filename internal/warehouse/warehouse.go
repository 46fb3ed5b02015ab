// Package warehouse owns the destination side of the pipeline: connecting
// to the analytical store, evolving its schema to match incoming staged
// data, and bulk-loading staged files into it. It wraps pgx the same way
// the teacher's db.PostgresDB does — a thin pool wrapper with no ORM
// overhead — since bulk COPY-style loads benefit from direct SQL control.
package warehouse

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mpraes/single-node-dw/internal/contract"
	"github.com/mpraes/single-node-dw/internal/staging"
)

// DW wraps a pooled Postgres connection used as the analytical warehouse.
type DW struct {
	pool *pgxpool.Pool
}

// Connect opens a pooled connection to dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*DW, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("warehouse: creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("warehouse: pinging: %w", err)
	}
	return &DW{pool: pool}, nil
}

// Close releases the underlying pool. It satisfies cache.Closer.
func (d *DW) Close() error {
	d.pool.Close()
	return nil
}

func qualifiedName(schema, table string) string {
	if schema == "" {
		return pgx.Identifier{table}.Sanitize()
	}
	return pgx.Identifier{schema, table}.Sanitize()
}

func sqlType(t contract.ColumnType) string {
	switch t {
	case contract.ColumnTypeInt:
		return "BIGINT"
	case contract.ColumnTypeFloat:
		return "DOUBLE PRECISION"
	case contract.ColumnTypeBool:
		return "BOOLEAN"
	case contract.ColumnTypeTime:
		return "TIMESTAMPTZ"
	case contract.ColumnTypeJSON:
		return "JSONB"
	default:
		return "TEXT"
	}
}

// lineageColumns are appended to every target table regardless of what the
// observed frame carries: _loaded_at records when a row was appended,
// _source_file records which staged file it came from.
var lineageColumns = []string{"_loaded_at", "_source_file"}

func lineageColumnDef(col string) string {
	if col == "_loaded_at" {
		return pgx.Identifier{col}.Sanitize() + " TIMESTAMPTZ NOT NULL DEFAULT now()"
	}
	return pgx.Identifier{col}.Sanitize() + " TEXT"
}

// EnsureTableExists creates table (schema-qualified) if it does not exist,
// and adds any column present in frame but missing from the existing table.
// It never drops or retypes an existing column: schema evolution here is
// additive-only, matching the invariant that a pipeline run must never lose
// previously loaded data.
func (d *DW) EnsureTableExists(ctx context.Context, table, schema string, frame contract.ColumnFrame) error {
	qualified := qualifiedName(schema, table)

	var colDefs []string
	for _, col := range frame.Columns {
		colDefs = append(colDefs, fmt.Sprintf("%s %s", pgx.Identifier{col}.Sanitize(), sqlType(frame.Types[col])))
	}
	for _, col := range lineageColumns {
		colDefs = append(colDefs, lineageColumnDef(col))
	}
	createSQL := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", qualified, strings.Join(colDefs, ", "))
	if _, err := d.pool.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("warehouse: creating table %s: %w", qualified, err)
	}

	existing, err := d.existingColumns(ctx, table, schema)
	if err != nil {
		return err
	}

	for _, col := range frame.Columns {
		if existing[col] {
			continue
		}
		alterSQL := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			qualified, pgx.Identifier{col}.Sanitize(), sqlType(frame.Types[col]))
		if _, err := d.pool.Exec(ctx, alterSQL); err != nil {
			return fmt.Errorf("warehouse: adding column %s to %s: %w", col, qualified, err)
		}
	}
	for _, col := range lineageColumns {
		if existing[col] {
			continue
		}
		alterSQL := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s", qualified, lineageColumnDef(col))
		if _, err := d.pool.Exec(ctx, alterSQL); err != nil {
			return fmt.Errorf("warehouse: adding column %s to %s: %w", col, qualified, err)
		}
	}
	return nil
}

func (d *DW) existingColumns(ctx context.Context, table, schema string) (map[string]bool, error) {
	if schema == "" {
		schema = "public"
	}
	rows, err := d.pool.Query(ctx,
		`SELECT column_name FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2`,
		schema, table)
	if err != nil {
		return nil, fmt.Errorf("warehouse: reading existing columns: %w", err)
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// Load reads each staged NDJSON.gz file in paths and inserts its rows into
// table, returning the total number of rows loaded. Loading is row-by-row
// batched in a single transaction per file rather than a COPY, since the
// staged column set can evolve file to file and COPY requires a fixed
// column list known up front.
func (d *DW) Load(ctx context.Context, paths []string, table, schema string) (int, error) {
	qualified := qualifiedName(schema, table)
	total := 0

	for _, path := range paths {
		n, err := d.loadFile(ctx, path, qualified)
		if err != nil {
			return total, fmt.Errorf("warehouse: loading %s: %w", path, err)
		}
		total += n
	}
	return total, nil
}

func (d *DW) loadFile(ctx context.Context, path, qualifiedTable string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, err
	}
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var header staging.Header
	if scanner.Scan() {
		if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
			return 0, fmt.Errorf("decoding header: %w", err)
		}
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	sourceFile := filepath.Base(path)

	loaded := 0
	for scanner.Scan() {
		var row map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			return loaded, fmt.Errorf("decoding row: %w", err)
		}
		row["_source_file"] = sourceFile
		if err := insertRow(ctx, tx, qualifiedTable, append(append([]string{}, header.Columns...), "_source_file"), row); err != nil {
			return loaded, err
		}
		loaded++
	}
	if err := scanner.Err(); err != nil {
		return loaded, err
	}

	if err := tx.Commit(ctx); err != nil {
		return loaded, err
	}
	return loaded, nil
}

func insertRow(ctx context.Context, tx pgx.Tx, qualifiedTable string, columns []string, row map[string]any) error {
	var idents []string
	var placeholders []string
	var args []any
	for i, col := range columns {
		idents = append(idents, pgx.Identifier{col}.Sanitize())
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		args = append(args, row[col])
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		qualifiedTable, strings.Join(idents, ", "), strings.Join(placeholders, ", "))
	_, err := tx.Exec(ctx, sql, args...)
	return err
}
