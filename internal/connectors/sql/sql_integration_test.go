//go:build integration

package sql

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFetchPostgresReturnsOneItemPerRow(t *testing.T) {
	dsn := os.Getenv("WAREHOUSE_TEST_DSN")
	if dsn == "" {
		t.Skip("WAREHOUSE_TEST_DSN not set, skipping sql connector integration test")
	}

	conn, err := NewConnector(map[string]any{"dsn": dsn})
	require.NoError(t, err)
	require.NoError(t, conn.Connect(t.Context()))
	defer conn.Close()

	result, err := conn.Fetch(t.Context(), "SELECT 1 AS id")
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
}
