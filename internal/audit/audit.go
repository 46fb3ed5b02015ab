// Package audit records one row per pipeline run in the warehouse, giving
// operators a queryable history independent of the staged files and the
// in-memory run registry. The repository shape mirrors the teacher's
// PostgresMetricsRepository: a thin wrapper around *pgxpool.Pool storing a
// JSON blob alongside a few indexed columns.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Row is a single audited pipeline run.
type Row struct {
	RunID        string
	PipelineName string
	SourceName   string
	Protocol     string
	TargetTable  string
	State        string
	RowsLoaded   int
	ParquetFiles int
	Warnings     []string
	Error        string
	StartedAt    time.Time
	CompletedAt  time.Time
}

// Store writes and reads audit rows against a dedicated table.
type Store struct {
	pool  *pgxpool.Pool
	table string
}

// NewStore wraps pool for audit row storage. table is schema-unqualified;
// callers that need a non-default schema should pass a dotted name, e.g.
// "ops.pipeline_audit".
func NewStore(pool *pgxpool.Pool, table string) *Store {
	if table == "" {
		table = "etl_audit_log"
	}
	return &Store{pool: pool, table: table}
}

// EnsureTable creates the audit table if it does not already exist.
func (s *Store) EnsureTable(ctx context.Context) error {
	sql := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		run_id TEXT PRIMARY KEY,
		pipeline_name TEXT NOT NULL DEFAULT '',
		source_name TEXT NOT NULL,
		protocol TEXT NOT NULL DEFAULT '',
		target_table TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		rows_loaded INTEGER NOT NULL DEFAULT 0,
		parquet_files INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		details JSONB,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	)`, s.table)
	_, err := s.pool.Exec(ctx, sql)
	if err != nil {
		return fmt.Errorf("audit: creating table: %w", err)
	}
	return nil
}

// Record upserts a Row keyed by run_id, so a second Record for the same run
// updates the existing row in place. The orchestrator records each run once,
// when it finishes.
func (s *Store) Record(ctx context.Context, row Row) error {
	details, err := json.Marshal(map[string]any{"warnings": row.Warnings})
	if err != nil {
		return fmt.Errorf("audit: marshaling details: %w", err)
	}

	sql := fmt.Sprintf(`INSERT INTO %s
		(run_id, pipeline_name, source_name, protocol, target_table, state, rows_loaded, parquet_files, error, details, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (run_id) DO UPDATE SET
			pipeline_name = EXCLUDED.pipeline_name,
			protocol = EXCLUDED.protocol,
			target_table = EXCLUDED.target_table,
			state = EXCLUDED.state,
			rows_loaded = EXCLUDED.rows_loaded,
			parquet_files = EXCLUDED.parquet_files,
			error = EXCLUDED.error,
			details = EXCLUDED.details,
			completed_at = EXCLUDED.completed_at`, s.table)

	var completedAt *time.Time
	if !row.CompletedAt.IsZero() {
		completedAt = &row.CompletedAt
	}

	_, err = s.pool.Exec(ctx, sql,
		row.RunID, row.PipelineName, row.SourceName, row.Protocol, row.TargetTable, row.State,
		row.RowsLoaded, row.ParquetFiles, nullableString(row.Error), details,
		row.StartedAt, completedAt)
	if err != nil {
		return fmt.Errorf("audit: recording run %s: %w", row.RunID, err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// History returns the most recent limit audit rows for sourceName, newest
// first.
func (s *Store) History(ctx context.Context, sourceName string, limit int) ([]Row, error) {
	sql := fmt.Sprintf(`SELECT run_id, pipeline_name, source_name, protocol, target_table, state, rows_loaded, parquet_files, COALESCE(error, ''), started_at, COALESCE(completed_at, started_at)
		FROM %s WHERE source_name = $1 ORDER BY started_at DESC LIMIT $2`, s.table)

	rows, err := s.pool.Query(ctx, sql, sourceName, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: querying history: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.RunID, &r.PipelineName, &r.SourceName, &r.Protocol, &r.TargetTable, &r.State,
			&r.RowsLoaded, &r.ParquetFiles, &r.Error, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
