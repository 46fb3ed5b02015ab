//go:build integration

package audit

import (
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

func pool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("WAREHOUSE_TEST_DSN")
	if dsn == "" {
		t.Skip("WAREHOUSE_TEST_DSN not set, skipping audit integration test")
	}
	p, err := pgxpool.New(t.Context(), dsn)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestRecordAndHistoryRoundTrip(t *testing.T) {
	ctx := t.Context()
	p := pool(t)
	store := NewStore(p, "audit_integration_runs")
	require.NoError(t, store.EnsureTable(ctx))
	defer p.Exec(ctx, "DROP TABLE IF EXISTS audit_integration_runs")

	started := time.Now().Add(-time.Minute)
	require.NoError(t, store.Record(ctx, Row{
		RunID:      "run-1",
		SourceName: "widgets",
		State:      "running",
		StartedAt:  started,
	}))

	completed := started.Add(30 * time.Second)
	require.NoError(t, store.Record(ctx, Row{
		RunID:       "run-1",
		SourceName:  "widgets",
		State:       "succeeded",
		RowsLoaded:  42,
		StartedAt:   started,
		CompletedAt: completed,
	}))

	rows, err := store.History(ctx, "widgets", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "succeeded", rows[0].State)
	require.Equal(t, 42, rows[0].RowsLoaded)
}
