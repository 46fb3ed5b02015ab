// Package orchestrator runs the end-to-end pipeline for a single source:
// connect, fetch, stage, evolve the warehouse schema, load, and audit. It
// is the component common/flows.go's state-machine philosophy maps onto
// most directly in this system, generalized from a RabbitMQ/CouchDB
// message-driven flow into a direct, synchronous run invoked by the CLI.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mpraes/single-node-dw/internal/audit"
	"github.com/mpraes/single-node-dw/internal/connectors"
	"github.com/mpraes/single-node-dw/internal/contract"
	"github.com/mpraes/single-node-dw/internal/runstate"
	"github.com/mpraes/single-node-dw/internal/staging"
	"github.com/mpraes/single-node-dw/internal/warehouse"
)

// Orchestrator wires together the connector registry, the staging writer,
// the warehouse, the audit store, and the run registry into a single
// entry point: Run.
type Orchestrator struct {
	Runs      *runstate.Registry
	Staging   *staging.Writer
	Warehouse *warehouse.DW
	Audit     *audit.Store       // optional; nil disables audit recording
	LakeS3    *staging.S3Backend // optional; nil skips the object-store mirror
}

// Run executes one pipeline invocation end to end:
//  1. register the run as started
//  2. build the named connector from req.ConnectorConf
//  3. connect
//  4. fetch
//  5. stage the fetched items to the lake
//  6. evolve the target table's schema to match the staged columns
//  7. load the staged files into the target table
//  8. record the outcome (audit + run registry) and return it
//
// Run never retries on its own; per-connector retry policy, where
// meaningful, is the connector's own responsibility.
func (o *Orchestrator) Run(ctx context.Context, req contract.RunRequest) (contract.RunOutcome, error) {
	run := o.Runs.Start(req.SourceName)
	outcome := contract.RunOutcome{
		RunID:        run.ID,
		PipelineName: req.PipelineName,
		SourceName:   req.SourceName,
		TargetTable:  req.TargetTable,
		StartedAt:    run.StartedAt,
	}

	if err := o.Runs.Transition(run.ID, runstate.StateRunning, nil); err != nil {
		return outcome, err
	}

	result, protocol, err := o.fetch(ctx, req)
	if err != nil {
		return o.fail(run.ID, outcome, err)
	}
	outcome.Protocol = protocol
	outcome.Warnings = append(outcome.Warnings, result.Warnings...)

	paths, err := o.Staging.WriteResult(result, protocol, req.SourceName)
	if err != nil {
		return o.fail(run.ID, outcome, fmt.Errorf("staging: %w", err))
	}
	outcome.StagedPaths = paths
	outcome.ParquetFiles = len(paths)

	if o.LakeS3 != nil {
		if err := o.mirrorToS3(ctx, paths); err != nil {
			return o.fail(run.ID, outcome, fmt.Errorf("lake s3 mirror: %w", err))
		}
	}

	if o.Warehouse != nil && len(paths) > 0 {
		loaded, err := o.loadToWarehouse(ctx, req, result, paths)
		if err != nil {
			return o.fail(run.ID, outcome, err)
		}
		outcome.RowsLoaded = loaded
	}

	outcome.CompletedAt = time.Now()
	outcome.DurationSeconds = outcome.CompletedAt.Sub(outcome.StartedAt).Seconds()
	outcome.Status = "success"
	if err := o.Runs.Transition(run.ID, runstate.StateSuccessful, nil); err != nil {
		return outcome, err
	}
	if err := o.recordAudit(ctx, run.ID, req.SourceName, outcome.Status, outcome); err != nil {
		return outcome, fmt.Errorf("audit: %w", err)
	}
	return outcome, nil
}

func (o *Orchestrator) fetch(ctx context.Context, req contract.RunRequest) (contract.IngestionResult, string, error) {
	conn, err := connectors.New(req.ConnectorType, req.ConnectorConf)
	if err != nil {
		return contract.IngestionResult{}, "", fmt.Errorf("connector: %w", err)
	}
	defer conn.Close()

	if err := conn.Connect(ctx); err != nil {
		return contract.IngestionResult{}, "", fmt.Errorf("connect: %w", err)
	}

	result, err := conn.Fetch(ctx, req.Query)
	if err != nil {
		return contract.IngestionResult{}, "", fmt.Errorf("fetch: %w", err)
	}
	if !result.Success {
		cause, _ := result.Metadata["error"].(string)
		if cause == "" {
			cause = "connector reported failure"
		}
		return contract.IngestionResult{}, "", fmt.Errorf("fetch: %s", cause)
	}

	protocol := result.Protocol
	if protocol == "" {
		protocol = req.ConnectorType
	}
	return result, protocol, nil
}

// mirrorToS3 uploads every newly staged file to the configured object
// store, keyed by its path relative to the local lake root so the remote
// layout mirrors the local partition layout exactly.
func (o *Orchestrator) mirrorToS3(ctx context.Context, paths []string) error {
	root := o.Staging.Root()
	for _, path := range paths {
		key, err := filepath.Rel(root, path)
		if err != nil {
			key = filepath.Base(path)
		}
		if err := o.LakeS3.Upload(ctx, path, filepath.ToSlash(key)); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) loadToWarehouse(ctx context.Context, req contract.RunRequest, result contract.IngestionResult, paths []string) (int, error) {
	rows := rowsFromResult(result)
	if len(rows) == 0 {
		return 0, nil
	}
	frame := staging.InferFrame(rows)
	// The staged files also carry the _ingested_at column that
	// staging.WriteResult stamps on every row, and Load inserts it.
	if _, ok := frame.Types["_ingested_at"]; !ok {
		frame.Columns = append(frame.Columns, "_ingested_at")
		frame.Types["_ingested_at"] = contract.ColumnTypeString
	}

	if err := o.Warehouse.EnsureTableExists(ctx, req.TargetTable, req.TargetSchema, frame); err != nil {
		return 0, fmt.Errorf("warehouse schema: %w", err)
	}

	loaded, err := o.Warehouse.Load(ctx, paths, req.TargetTable, req.TargetSchema)
	if err != nil {
		return loaded, fmt.Errorf("warehouse load: %w", err)
	}
	return loaded, nil
}

func rowsFromResult(result contract.IngestionResult) []map[string]any {
	var rows []map[string]any
	for _, item := range result.Items {
		switch p := item.Payload.(type) {
		case contract.RowPayload:
			rows = append(rows, p.Row)
		case contract.RowsPayload:
			rows = append(rows, p.Rows...)
		case contract.ScalarPayload:
			rows = append(rows, map[string]any{"value": p.Value})
		}
	}
	return rows
}

func (o *Orchestrator) fail(runID string, outcome contract.RunOutcome, cause error) (contract.RunOutcome, error) {
	outcome.CompletedAt = time.Now()
	outcome.DurationSeconds = outcome.CompletedAt.Sub(outcome.StartedAt).Seconds()
	outcome.Status = "failure"
	outcome.Error = cause.Error()
	o.Runs.Transition(runID, runstate.StateFailed, cause)
	o.recordAudit(context.Background(), runID, outcome.SourceName, outcome.Status, outcome)
	return outcome, cause
}

func (o *Orchestrator) recordAudit(ctx context.Context, runID, sourceName, state string, outcome contract.RunOutcome) error {
	if o.Audit == nil {
		return nil
	}
	return o.Audit.Record(ctx, audit.Row{
		RunID:        runID,
		PipelineName: outcome.PipelineName,
		SourceName:   sourceName,
		Protocol:     outcome.Protocol,
		TargetTable:  outcome.TargetTable,
		State:        state,
		RowsLoaded:   outcome.RowsLoaded,
		ParquetFiles: outcome.ParquetFiles,
		Warnings:     outcome.Warnings,
		Error:        outcome.Error,
		StartedAt:    outcome.StartedAt,
		CompletedAt:  outcome.CompletedAt,
	})
}
