package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/mpraes/single-node-dw/internal/audit"
	"github.com/mpraes/single-node-dw/internal/config"
	"github.com/mpraes/single-node-dw/internal/contract"
	"github.com/mpraes/single-node-dw/internal/orchestrator"
	"github.com/mpraes/single-node-dw/internal/runstate"
	"github.com/mpraes/single-node-dw/internal/staging"
	"github.com/mpraes/single-node-dw/internal/warehouse"

	_ "github.com/mpraes/single-node-dw/internal/connectors/filex"
	_ "github.com/mpraes/single-node-dw/internal/connectors/httpx"
	_ "github.com/mpraes/single-node-dw/internal/connectors/nosql"
	_ "github.com/mpraes/single-node-dw/internal/connectors/sql"
	_ "github.com/mpraes/single-node-dw/internal/connectors/stream"
)

var (
	runQuery    string
	runSource   string
	runTable    string
	runLake     string
	runSchema   string
	runPipeline string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run the configured pipeline for a single source",
	Args:  cobra.NoArgs,
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&runQuery, "query", "", "query passed to the connector's Fetch (SQL text, filter, path, ...)")
	runCmd.Flags().StringVar(&runSource, "source", "", "name of the source to run, as defined in the config file's sources map")
	runCmd.Flags().StringVar(&runTable, "table", "", "override the source's configured target table")
	runCmd.Flags().StringVar(&runLake, "lake", "", "override the configured lake root")
	runCmd.Flags().StringVar(&runSchema, "schema", "", "override the target schema")
	runCmd.Flags().StringVar(&runPipeline, "pipeline", "", "name recorded alongside this run in the audit trail")
	runCmd.MarkFlagRequired("source")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	src, ok := cfg.Sources[runSource]
	if !ok {
		return fmt.Errorf("pipeline: unknown source %q", runSource)
	}

	if runLake != "" {
		cfg.LakeRoot = runLake
	}

	ctx := context.Background()
	orch, closeFn, err := buildOrchestrator(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	req := contract.RunRequest{
		PipelineName:  runPipeline,
		SourceName:    runSource,
		ConnectorType: src.ConnectorType,
		ConnectorConf: src.Settings,
		Query:         runQuery,
		TargetTable:   firstNonEmpty(runTable, src.TargetTable),
		TargetSchema:  firstNonEmpty(runSchema, src.TargetSchema, cfg.DefaultSchema),
		LakeRoot:      cfg.LakeRoot,
	}

	outcome, runErr := orch.Run(ctx, req)
	logger.WithFields(map[string]any{
		"source":      runSource,
		"run_id":      outcome.RunID,
		"rows_loaded": outcome.RowsLoaded,
		"staged":      len(outcome.StagedPaths),
	}).Info("pipeline run completed")

	encoded, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("pipeline: encoding run outcome: %w", err)
	}
	fmt.Println(string(encoded))

	if runErr != nil {
		logger.WithError(runErr).Error("pipeline run failed")
		fmt.Fprintln(os.Stderr, "run failed:", runErr)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "run %s succeeded: %d row(s) loaded, %d file(s) staged\n", outcome.RunID, outcome.RowsLoaded, len(outcome.StagedPaths))
	return nil
}

// buildOrchestrator wires the connector registry (via the blank imports
// above), the staging writer, the warehouse, and the audit store into a
// single Orchestrator, returning a cleanup func that releases the
// warehouse connection pool.
func buildOrchestrator(ctx context.Context, cfg config.Config) (*orchestrator.Orchestrator, func(), error) {
	runs := runstate.NewRegistry(1000)
	writer := staging.NewWriter(cfg.LakeRoot)

	var lakeS3 *staging.S3Backend
	if cfg.LakeS3Bucket != "" {
		backend, err := staging.NewS3Backend(ctx, cfg.LakeS3Endpoint, cfg.LakeS3Region, cfg.LakeS3AccessKey, cfg.LakeS3SecretKey, cfg.LakeS3Bucket, cfg.LakeS3UsePathStyle)
		if err != nil {
			return nil, func() {}, fmt.Errorf("pipeline: configuring lake s3 backend: %w", err)
		}
		if err := backend.EnsureBucket(ctx); err != nil {
			return nil, func() {}, fmt.Errorf("pipeline: ensuring lake s3 bucket: %w", err)
		}
		lakeS3 = backend
	}

	noop := func() {}
	if cfg.WarehouseDSN == "" {
		return &orchestrator.Orchestrator{Runs: runs, Staging: writer, LakeS3: lakeS3}, noop, nil
	}

	dw, err := warehouse.Connect(ctx, cfg.WarehouseDSN)
	if err != nil {
		return nil, noop, fmt.Errorf("pipeline: connecting warehouse: %w", err)
	}

	auditPool, err := pgxpool.New(ctx, cfg.WarehouseDSN)
	if err != nil {
		dw.Close()
		return nil, noop, fmt.Errorf("pipeline: connecting audit store: %w", err)
	}
	store := audit.NewStore(auditPool, "")
	if err := store.EnsureTable(ctx); err != nil {
		dw.Close()
		auditPool.Close()
		return nil, noop, fmt.Errorf("pipeline: ensuring audit table: %w", err)
	}

	cleanup := func() {
		dw.Close()
		auditPool.Close()
	}
	orch := &orchestrator.Orchestrator{Runs: runs, Staging: writer, Warehouse: dw, Audit: store, LakeS3: lakeS3}
	return orch, cleanup, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
