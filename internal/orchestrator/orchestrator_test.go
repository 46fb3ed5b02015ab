package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpraes/single-node-dw/internal/connectors"
	"github.com/mpraes/single-node-dw/internal/contract"
	"github.com/mpraes/single-node-dw/internal/runstate"
	"github.com/mpraes/single-node-dw/internal/staging"
)

type fakeConnector struct {
	fetchResult contract.IngestionResult
	fetchErr    error
	connectErr  error
	closed      bool
}

func (f *fakeConnector) Connect(ctx context.Context) error { return f.connectErr }
func (f *fakeConnector) Fetch(ctx context.Context, query string) (contract.IngestionResult, error) {
	return f.fetchResult, f.fetchErr
}
func (f *fakeConnector) Close() error { f.closed = true; return nil }

func registerFake(t *testing.T, name string, conn *fakeConnector) {
	t.Helper()
	connectors.Register(name, func(config map[string]any) (connectors.Connector, error) {
		return conn, nil
	})
}

func TestRunSucceedsAndStagesWithoutWarehouse(t *testing.T) {
	conn := &fakeConnector{
		fetchResult: contract.IngestionResult{
			Success: true,
			Items: []contract.IngestedItem{
				{Payload: contract.RowPayload{Row: map[string]any{"id": 1, "name": "widget"}}},
			},
		},
	}
	registerFake(t, "fake-run-succeeds", conn)

	o := &Orchestrator{
		Runs:    runstate.NewRegistry(0),
		Staging: staging.NewWriter(t.TempDir()),
	}

	outcome, err := o.Run(t.Context(), contract.RunRequest{
		SourceName:    "widgets",
		ConnectorType: "fake-run-succeeds",
		TargetTable:   "widgets",
	})
	require.NoError(t, err)
	assert.Len(t, outcome.StagedPaths, 1)
	assert.True(t, conn.closed)

	run := o.Runs.Get(outcome.RunID)
	assert.Equal(t, runstate.StateSuccessful, run.State)
}

func TestRunFailsWhenConnectReturnsError(t *testing.T) {
	conn := &fakeConnector{connectErr: errors.New("refused")}
	registerFake(t, "fake-run-connect-fails", conn)

	o := &Orchestrator{
		Runs:    runstate.NewRegistry(0),
		Staging: staging.NewWriter(t.TempDir()),
	}

	outcome, err := o.Run(t.Context(), contract.RunRequest{
		SourceName:    "widgets",
		ConnectorType: "fake-run-connect-fails",
	})
	require.Error(t, err)
	assert.NotEmpty(t, outcome.Error)

	run := o.Runs.Get(outcome.RunID)
	assert.Equal(t, runstate.StateFailed, run.State)
}

func TestRunFailsWhenFetchReturnsError(t *testing.T) {
	conn := &fakeConnector{fetchErr: errors.New("timeout")}
	registerFake(t, "fake-run-fetch-fails", conn)

	o := &Orchestrator{
		Runs:    runstate.NewRegistry(0),
		Staging: staging.NewWriter(t.TempDir()),
	}

	_, err := o.Run(t.Context(), contract.RunRequest{
		SourceName:    "widgets",
		ConnectorType: "fake-run-fetch-fails",
	})
	assert.Error(t, err)
}

func TestRunFailsWhenFetchReportsSoftFailure(t *testing.T) {
	conn := &fakeConnector{fetchResult: contract.IngestionResult{
		Success:  false,
		Metadata: map[string]any{"error": "404 not found"},
	}}
	registerFake(t, "fake-run-soft-failure", conn)

	o := &Orchestrator{
		Runs:    runstate.NewRegistry(0),
		Staging: staging.NewWriter(t.TempDir()),
	}

	outcome, err := o.Run(t.Context(), contract.RunRequest{
		SourceName:    "widgets",
		ConnectorType: "fake-run-soft-failure",
	})
	require.Error(t, err)
	assert.Contains(t, outcome.Error, "404 not found")

	run := o.Runs.Get(outcome.RunID)
	assert.Equal(t, runstate.StateFailed, run.State)
}

func TestRunWithUnknownConnectorTypeFails(t *testing.T) {
	o := &Orchestrator{
		Runs:    runstate.NewRegistry(0),
		Staging: staging.NewWriter(t.TempDir()),
	}

	_, err := o.Run(t.Context(), contract.RunRequest{
		SourceName:    "widgets",
		ConnectorType: "does-not-exist",
	})
	assert.Error(t, err)
}

func TestRunWithNoRowsProducesNoStagedPaths(t *testing.T) {
	conn := &fakeConnector{fetchResult: contract.IngestionResult{Success: true}}
	registerFake(t, "fake-run-no-rows", conn)

	o := &Orchestrator{
		Runs:    runstate.NewRegistry(0),
		Staging: staging.NewWriter(t.TempDir()),
	}

	outcome, err := o.Run(t.Context(), contract.RunRequest{
		SourceName:    "widgets",
		ConnectorType: "fake-run-no-rows",
	})
	require.NoError(t, err)
	assert.Empty(t, outcome.StagedPaths)
	assert.Equal(t, 0, outcome.RowsLoaded)
}
