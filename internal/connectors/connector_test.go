package connectors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpraes/single-node-dw/internal/contract"
)

type stubConnector struct{ connected bool }

func (s *stubConnector) Connect(ctx context.Context) error { s.connected = true; return nil }
func (s *stubConnector) Fetch(ctx context.Context, query string) (contract.IngestionResult, error) {
	return contract.IngestionResult{}, nil
}
func (s *stubConnector) Close() error { return nil }

func TestRegisterAndNew(t *testing.T) {
	Register("stub-register-and-new", func(raw map[string]any) (Connector, error) {
		return &stubConnector{}, nil
	})

	conn, err := New("stub-register-and-new", nil)
	require.NoError(t, err)
	require.NoError(t, conn.Connect(t.Context()))
	assert.True(t, conn.(*stubConnector).connected)
}

func TestNewUnknownConnectorType(t *testing.T) {
	_, err := New("does-not-exist", nil)
	assert.Error(t, err)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	Register("stub-duplicate", func(raw map[string]any) (Connector, error) { return &stubConnector{}, nil })
	assert.Panics(t, func() {
		Register("stub-duplicate", func(raw map[string]any) (Connector, error) { return &stubConnector{}, nil })
	})
}

func TestRegisteredListsNames(t *testing.T) {
	Register("stub-registered-list", func(raw map[string]any) (Connector, error) { return &stubConnector{}, nil })
	names := Registered()
	assert.Contains(t, names, "stub-registered-list")
}

func TestRequireConnectedRejectsWhenNotConnected(t *testing.T) {
	assert.ErrorIs(t, RequireConnected(false), ErrNotConnected)
	assert.NoError(t, RequireConnected(true))
}

func TestRequireQueryRejectsEmptyQuery(t *testing.T) {
	assert.ErrorIs(t, RequireQuery(""), ErrEmptyQuery)
	assert.NoError(t, RequireQuery("select 1"))
}
