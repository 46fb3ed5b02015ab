// Package sql implements the SQL connector: a single Connector that speaks
// to Postgres (via pgx, the teacher's own preferred direct-SQL driver),
// SQLite (via mattn/go-sqlite3), MSSQL (via microsoft/go-mssqldb), or Oracle
// (via sijms/go-ora) depending on a "driver" config key, plus a secondary
// GORM-backed health check mirroring the teacher's pattern of keeping both a
// lightweight pgx path and a GORM path available.
package sql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"
	_ "github.com/sijms/go-ora/v2"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/mpraes/single-node-dw/internal/connectors"
	"github.com/mpraes/single-node-dw/internal/contract"
)

func init() {
	connectors.Register("sql", NewConnector)
}

// driverNames maps a connector-facing driver key to the database/sql driver
// name registered by the corresponding blank import.
var driverNames = map[string]string{
	"sqlite": "sqlite3",
	"mssql":  "sqlserver",
	"oracle": "oracle",
}

// Config keys recognized by this connector.
type Config struct {
	Driver         string // "postgres" (default), "sqlite", "mssql", or "oracle"
	DSN            string
	Table          string        // optional; parsed from config but not read by Connect, Fetch, or HealthCheck
	ConnectTimeout time.Duration // hard cap on Connect, independent of the caller's context
}

// Connector queries a SQL database and returns each result row as an
// IngestedItem carrying a RowPayload. Postgres is queried directly through
// pgx, SQLite through a bare database/sql handle, and MSSQL and Oracle
// through a shared sqlx.DB path with MapScan-based generic row scanning.
type Connector struct {
	cfg    Config
	pgPool *pgxpool.Pool
	liteDB *sql.DB
	sqlxDB *sqlx.DB
	gormDB *gorm.DB
}

// NewConnector builds a Connector from a raw config map, matching the
// connectors.Factory signature.
func NewConnector(raw map[string]any) (connectors.Connector, error) {
	cfg := Config{Driver: "postgres", ConnectTimeout: 10 * time.Second}
	if v, ok := raw["driver"].(string); ok && v != "" {
		cfg.Driver = v
	}
	if v, ok := raw["dsn"].(string); ok {
		cfg.DSN = v
	}
	if v, ok := raw["table"].(string); ok {
		cfg.Table = v
	}
	if v, ok := raw["connect_timeout"].(string); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("sql connector: connect_timeout: %w", err)
		}
		cfg.ConnectTimeout = d
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sql connector: dsn is required")
	}
	return &Connector{cfg: cfg}, nil
}

// Connect opens the underlying driver-specific handle. Postgres gets a
// pgxpool plus a GORM handle for health checks; sqlite gets a bare
// database/sql handle (the existing, already-tested generic scan path);
// mssql and oracle get a sqlx.DB wrapping the same database/sql machinery,
// giving them MapScan-based generic row scanning for free.
func (c *Connector) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	switch c.cfg.Driver {
	case "sqlite":
		db, err := sql.Open(driverNames["sqlite"], c.cfg.DSN)
		if err != nil {
			return fmt.Errorf("sql connector: opening sqlite: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return fmt.Errorf("sql connector: pinging sqlite: %w", err)
		}
		c.liteDB = db
		return nil
	case "mssql", "oracle":
		driverName := driverNames[c.cfg.Driver]
		db, err := sqlx.Open(driverName, c.cfg.DSN)
		if err != nil {
			return fmt.Errorf("sql connector: opening %s: %w", c.cfg.Driver, err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return fmt.Errorf("sql connector: pinging %s: %w", c.cfg.Driver, err)
		}
		c.sqlxDB = db
		return nil
	case "postgres", "":
		pool, err := pgxpool.New(ctx, c.cfg.DSN)
		if err != nil {
			return fmt.Errorf("sql connector: creating pgx pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("sql connector: pinging postgres: %w", err)
		}
		c.pgPool = pool

		gdb, err := gorm.Open(postgres.New(postgres.Config{DSN: c.cfg.DSN}), &gorm.Config{})
		if err != nil {
			pool.Close()
			return fmt.Errorf("sql connector: opening gorm: %w", err)
		}
		c.gormDB = gdb
		return nil
	default:
		return fmt.Errorf("sql connector: unsupported driver %q", c.cfg.Driver)
	}
}

// HealthCheck runs a trivial SELECT 1 through the GORM handle, mirroring the
// teacher's practice of keeping a GORM-backed path available purely for
// connectivity probes alongside the primary pgx path used for real queries.
func (c *Connector) HealthCheck(ctx context.Context) error {
	if c.gormDB == nil {
		return fmt.Errorf("sql connector: health check unavailable for driver %q", c.cfg.Driver)
	}
	var result int
	return c.gormDB.WithContext(ctx).Raw("SELECT 1").Scan(&result).Error
}

// Fetch executes query and returns one IngestedItem per row, with the row
// columns folded into a RowPayload keyed by column name.
func (c *Connector) Fetch(ctx context.Context, query string) (contract.IngestionResult, error) {
	connected := c.pgPool != nil || c.liteDB != nil || c.sqlxDB != nil
	if err := connectors.RequireConnected(connected); err != nil {
		return contract.IngestionResult{}, fmt.Errorf("sql connector: %w", err)
	}
	if err := connectors.RequireQuery(query); err != nil {
		return contract.IngestionResult{}, fmt.Errorf("sql connector: %w", err)
	}

	switch {
	case c.pgPool != nil:
		return c.fetchPostgres(ctx, query)
	case c.liteDB != nil:
		return c.fetchSQLite(ctx, query)
	default:
		return c.fetchSqlx(ctx, query)
	}
}

func (c *Connector) fetchPostgres(ctx context.Context, query string) (contract.IngestionResult, error) {
	rows, err := c.pgPool.Query(ctx, query)
	if err != nil {
		return contract.IngestionResult{}, fmt.Errorf("sql connector: query: %w", err)
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	colNames := make([]string, len(fieldDescs))
	for i, fd := range fieldDescs {
		colNames[i] = string(fd.Name)
	}

	var items []contract.IngestedItem
	now := time.Now()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return contract.IngestionResult{}, fmt.Errorf("sql connector: scanning row: %w", err)
		}
		row := make(map[string]any, len(colNames))
		for i, name := range colNames {
			row[name] = values[i]
		}
		items = append(items, contract.IngestedItem{
			Source:    c.cfg.DSN,
			Protocol:  "sql",
			FetchedAt: now,
			Payload:   contract.RowPayload{Row: row},
		})
	}
	if err := rows.Err(); err != nil {
		return contract.IngestionResult{}, fmt.Errorf("sql connector: iterating rows: %w", err)
	}
	return contract.IngestionResult{Protocol: "sql", Success: true, Items: items}, nil
}

func (c *Connector) fetchSQLite(ctx context.Context, query string) (contract.IngestionResult, error) {
	rows, err := c.liteDB.QueryContext(ctx, query)
	if err != nil {
		return contract.IngestionResult{}, fmt.Errorf("sql connector: query: %w", err)
	}
	defer rows.Close()

	colNames, err := rows.Columns()
	if err != nil {
		return contract.IngestionResult{}, fmt.Errorf("sql connector: reading columns: %w", err)
	}

	var items []contract.IngestedItem
	now := time.Now()
	for rows.Next() {
		raw := make([]any, len(colNames))
		ptrs := make([]any, len(colNames))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return contract.IngestionResult{}, fmt.Errorf("sql connector: scanning row: %w", err)
		}
		row := make(map[string]any, len(colNames))
		for i, name := range colNames {
			row[name] = raw[i]
		}
		items = append(items, contract.IngestedItem{
			Source:    c.cfg.DSN,
			Protocol:  "sql",
			FetchedAt: now,
			Payload:   contract.RowPayload{Row: row},
		})
	}
	return contract.IngestionResult{Protocol: "sql", Success: true, Items: items}, rows.Err()
}

// fetchSqlx serves the mssql and oracle dialects via sqlx's MapScan, which
// folds a row directly into map[string]any without the manual pointer-slice
// dance fetchSQLite does by hand against bare database/sql.
func (c *Connector) fetchSqlx(ctx context.Context, query string) (contract.IngestionResult, error) {
	rows, err := c.sqlxDB.QueryxContext(ctx, query)
	if err != nil {
		return contract.IngestionResult{}, fmt.Errorf("sql connector: query: %w", err)
	}
	defer rows.Close()

	var items []contract.IngestedItem
	now := time.Now()
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return contract.IngestionResult{}, fmt.Errorf("sql connector: scanning row: %w", err)
		}
		items = append(items, contract.IngestedItem{
			Source:    c.cfg.DSN,
			Protocol:  "sql",
			FetchedAt: now,
			Payload:   contract.RowPayload{Row: row},
		})
	}
	return contract.IngestionResult{Protocol: "sql", Success: true, Items: items}, rows.Err()
}

// FetchIncremental executes a deterministic watermark query: rows where
// watermarkCol > lastWatermark, ordered ascending, capped at batchSize. It
// returns the matching rows plus the watermark to resume from on the next
// call (the last row's watermarkCol value, or lastWatermark unchanged when
// nothing new was returned). Strict ">" plus ascending order makes repeated
// calls against a quiescent source idempotent: the second call returns zero
// rows and the same watermark it was given.
func (c *Connector) FetchIncremental(ctx context.Context, table, watermarkCol, lastWatermark string, batchSize int) (contract.IngestionResult, string, error) {
	switch {
	case c.pgPool != nil:
		return c.fetchIncrementalPostgres(ctx, table, watermarkCol, lastWatermark, batchSize)
	case c.liteDB != nil:
		return c.fetchIncrementalSQLite(ctx, table, watermarkCol, lastWatermark, batchSize)
	case c.sqlxDB != nil:
		return c.fetchIncrementalSqlx(ctx, table, watermarkCol, lastWatermark, batchSize)
	default:
		return contract.IngestionResult{}, lastWatermark, fmt.Errorf("sql connector: not connected")
	}
}

func (c *Connector) fetchIncrementalPostgres(ctx context.Context, table, watermarkCol, lastWatermark string, batchSize int) (contract.IngestionResult, string, error) {
	query := fmt.Sprintf(`SELECT * FROM %s WHERE %s > $1 ORDER BY %s ASC LIMIT $2`, table, watermarkCol, watermarkCol)
	rows, err := c.pgPool.Query(ctx, query, lastWatermark, batchSize)
	if err != nil {
		return contract.IngestionResult{}, lastWatermark, fmt.Errorf("sql connector: incremental query: %w", err)
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	colNames := make([]string, len(fieldDescs))
	watermarkIdx := -1
	for i, fd := range fieldDescs {
		colNames[i] = string(fd.Name)
		if colNames[i] == watermarkCol {
			watermarkIdx = i
		}
	}

	var items []contract.IngestedItem
	newWatermark := lastWatermark
	now := time.Now()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return contract.IngestionResult{}, lastWatermark, fmt.Errorf("sql connector: scanning row: %w", err)
		}
		row := make(map[string]any, len(colNames))
		for i, name := range colNames {
			row[name] = values[i]
		}
		items = append(items, contract.IngestedItem{
			Source:    c.cfg.DSN,
			Protocol:  "sql",
			FetchedAt: now,
			Payload:   contract.RowPayload{Row: row},
		})
		if watermarkIdx >= 0 {
			newWatermark = fmt.Sprint(values[watermarkIdx])
		}
	}
	if err := rows.Err(); err != nil {
		return contract.IngestionResult{}, lastWatermark, fmt.Errorf("sql connector: iterating rows: %w", err)
	}
	return contract.IngestionResult{Protocol: "sql", Success: true, Items: items}, newWatermark, nil
}

func (c *Connector) fetchIncrementalSQLite(ctx context.Context, table, watermarkCol, lastWatermark string, batchSize int) (contract.IngestionResult, string, error) {
	query := fmt.Sprintf(`SELECT * FROM %s WHERE %s > ? ORDER BY %s ASC LIMIT ?`, table, watermarkCol, watermarkCol)
	rows, err := c.liteDB.QueryContext(ctx, query, lastWatermark, batchSize)
	if err != nil {
		return contract.IngestionResult{}, lastWatermark, fmt.Errorf("sql connector: incremental query: %w", err)
	}
	defer rows.Close()

	colNames, err := rows.Columns()
	if err != nil {
		return contract.IngestionResult{}, lastWatermark, fmt.Errorf("sql connector: reading columns: %w", err)
	}
	watermarkIdx := -1
	for i, name := range colNames {
		if name == watermarkCol {
			watermarkIdx = i
		}
	}

	var items []contract.IngestedItem
	newWatermark := lastWatermark
	now := time.Now()
	for rows.Next() {
		raw := make([]any, len(colNames))
		ptrs := make([]any, len(colNames))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return contract.IngestionResult{}, lastWatermark, fmt.Errorf("sql connector: scanning row: %w", err)
		}
		row := make(map[string]any, len(colNames))
		for i, name := range colNames {
			row[name] = raw[i]
		}
		items = append(items, contract.IngestedItem{
			Source:    c.cfg.DSN,
			Protocol:  "sql",
			FetchedAt: now,
			Payload:   contract.RowPayload{Row: row},
		})
		if watermarkIdx >= 0 {
			newWatermark = fmt.Sprint(raw[watermarkIdx])
		}
	}
	return contract.IngestionResult{Protocol: "sql", Success: true, Items: items}, newWatermark, rows.Err()
}

// fetchIncrementalSqlx mirrors fetchIncrementalSQLite for the mssql/oracle
// dialects, using sqlx's positional "?" rebind so the same call site works
// against either driver's native placeholder syntax.
func (c *Connector) fetchIncrementalSqlx(ctx context.Context, table, watermarkCol, lastWatermark string, batchSize int) (contract.IngestionResult, string, error) {
	query := c.sqlxDB.Rebind(fmt.Sprintf(`SELECT * FROM %s WHERE %s > ? ORDER BY %s ASC LIMIT ?`, table, watermarkCol, watermarkCol))
	rows, err := c.sqlxDB.QueryxContext(ctx, query, lastWatermark, batchSize)
	if err != nil {
		return contract.IngestionResult{}, lastWatermark, fmt.Errorf("sql connector: incremental query: %w", err)
	}
	defer rows.Close()

	var items []contract.IngestedItem
	newWatermark := lastWatermark
	now := time.Now()
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return contract.IngestionResult{}, lastWatermark, fmt.Errorf("sql connector: scanning row: %w", err)
		}
		items = append(items, contract.IngestedItem{
			Source:    c.cfg.DSN,
			Protocol:  "sql",
			FetchedAt: now,
			Payload:   contract.RowPayload{Row: row},
		})
		if v, ok := row[watermarkCol]; ok {
			newWatermark = fmt.Sprint(v)
		}
	}
	return contract.IngestionResult{Protocol: "sql", Success: true, Items: items}, newWatermark, rows.Err()
}

// Close releases every open handle.
func (c *Connector) Close() error {
	var firstErr error
	if c.pgPool != nil {
		c.pgPool.Close()
	}
	if c.liteDB != nil {
		if err := c.liteDB.Close(); err != nil {
			firstErr = err
		}
	}
	if c.sqlxDB != nil {
		if err := c.sqlxDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
