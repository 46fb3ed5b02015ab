// Package contract defines the data types exchanged between connectors, the
// staging writer, the warehouse loader, and the orchestrator. Every connector
// produces an IngestionResult; every staged file is described by a
// ColumnFrame; every pipeline run produces a RunOutcome.
package contract

import "time"

// Payload is the tagged variant carried by an IngestedItem. Exactly one of
// RowPayload, RowsPayload, ScalarPayload, or PreStagedPayload implements it.
type Payload interface {
	isPayload()
}

// RowPayload carries a single record as column name -> value.
type RowPayload struct {
	Row map[string]any
}

func (RowPayload) isPayload() {}

// RowsPayload carries a batch of records sharing the same column set.
type RowsPayload struct {
	Rows []map[string]any
}

func (RowsPayload) isPayload() {}

// ScalarPayload carries a single non-tabular value, e.g. a raw file body or a
// counter returned by a connector that has no row concept.
type ScalarPayload struct {
	Value any
}

func (ScalarPayload) isPayload() {}

// PreStagedPayload is emitted by connectors that write their own staging
// files directly (e.g. a file connector streaming a large download straight
// to the lake) and therefore bypass the staging writer's own serialization.
type PreStagedPayload struct {
	Paths []string
}

func (PreStagedPayload) isPayload() {}

// IngestedItem is one unit of data produced by a connector's Fetch call.
type IngestedItem struct {
	Source    string
	Protocol  string
	FetchedAt time.Time
	Payload   Payload
}

// IngestionResult is the complete output of a single connector Fetch call.
// Success and Metadata carry the envelope shape every connector's Fetch is
// expected to report: on a soft failure (one the connector can describe
// without returning a Go error, e.g. a non-2xx HTTP response), Success is
// false and Metadata["error"] holds the failure description. Hard failures
// (a broken connection, a malformed query) still surface as a Go error
// alongside an IngestionResult whose Success is false — usually the zero
// value, though a stream connector cancelled mid-batch also returns the
// items it had already read — which is how the connectors report the
// failures they cannot themselves characterize.
type IngestionResult struct {
	Protocol string
	Success  bool
	Items    []IngestedItem
	Warnings []string
	Metadata map[string]any
}

// ColumnType is the inferred type of a staged column.
type ColumnType string

const (
	ColumnTypeString   ColumnType = "string"
	ColumnTypeInt      ColumnType = "int"
	ColumnTypeFloat    ColumnType = "float"
	ColumnTypeBool     ColumnType = "bool"
	ColumnTypeTime     ColumnType = "time"
	ColumnTypeJSON     ColumnType = "json"
)

// ColumnFrame describes the inferred schema of a batch of rows before they
// are written to a staged file and before the warehouse table is evolved to
// match.
type ColumnFrame struct {
	Columns []string
	Types   map[string]ColumnType
	Rows    []map[string]any
}

// RunRequest describes a single pipeline invocation.
type RunRequest struct {
	RunID         string
	PipelineName  string
	SourceName    string
	ConnectorType string
	ConnectorConf map[string]any
	Query         string
	TargetTable   string
	TargetSchema  string
	LakeRoot      string
}

// RunOutcome is the complete record of a pipeline run.
type RunOutcome struct {
	RunID        string
	PipelineName string
	SourceName   string
	Protocol     string
	TargetTable  string
	Status       string
	StagedPaths  []string
	ParquetFiles int
	RowsLoaded   int
	Warnings     []string
	StartedAt    time.Time
	CompletedAt  time.Time
	DurationSeconds float64
	Error        string
}
