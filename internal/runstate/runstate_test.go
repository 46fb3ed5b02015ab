package runstate

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartCreatesRunInStartedState(t *testing.T) {
	r := NewRegistry(0)
	run := r.Start("widgets")
	require.NotEmpty(t, run.ID)
	assert.Equal(t, StateStarted, run.State)
	assert.Equal(t, "widgets", run.SourceName)
}

func TestTransitionAllowsStartedToRunning(t *testing.T) {
	r := NewRegistry(0)
	run := r.Start("widgets")
	require.NoError(t, r.Transition(run.ID, StateRunning, nil))
	assert.Equal(t, StateRunning, r.Get(run.ID).State)
}

func TestTransitionAllowsRunningToSuccessfulAndSetsCompletedAt(t *testing.T) {
	r := NewRegistry(0)
	run := r.Start("widgets")
	require.NoError(t, r.Transition(run.ID, StateRunning, nil))
	require.NoError(t, r.Transition(run.ID, StateSuccessful, nil))

	got := r.Get(run.ID)
	assert.Equal(t, StateSuccessful, got.State)
	require.NotNil(t, got.CompletedAt)
}

func TestTransitionRejectsSkippingRunning(t *testing.T) {
	r := NewRegistry(0)
	run := r.Start("widgets")
	err := r.Transition(run.ID, StateSuccessful, nil)
	assert.Error(t, err)
}

func TestTransitionRecordsErrorMessage(t *testing.T) {
	r := NewRegistry(0)
	run := r.Start("widgets")
	require.NoError(t, r.Transition(run.ID, StateRunning, nil))
	require.NoError(t, r.Transition(run.ID, StateFailed, errors.New("connector timeout")))

	assert.Equal(t, "connector timeout", r.Get(run.ID).Error)
}

func TestTransitionUnknownRunErrors(t *testing.T) {
	r := NewRegistry(0)
	err := r.Transition("does-not-exist", StateRunning, nil)
	assert.Error(t, err)
}

func TestGetReturnsACopyNotTheSharedRun(t *testing.T) {
	r := NewRegistry(0)
	run := r.Start("widgets")
	copy1 := r.Get(run.ID)
	copy1.SourceName = "mutated"

	assert.Equal(t, "widgets", r.Get(run.ID).SourceName)
}

func TestSetMetadataOnUnknownRunIsNoOp(t *testing.T) {
	r := NewRegistry(0)
	assert.NotPanics(t, func() { r.SetMetadata("does-not-exist", "k", "v") })
}

func TestSetMetadataIsVisibleOnGet(t *testing.T) {
	r := NewRegistry(0)
	run := r.Start("widgets")
	r.SetMetadata(run.ID, "rows", 42)
	assert.Equal(t, 42, r.Get(run.ID).Metadata["rows"])
}

func TestListReturnsAllTrackedRuns(t *testing.T) {
	r := NewRegistry(0)
	r.Start("a")
	r.Start("b")
	assert.Len(t, r.List(), 2)
}

func TestStartEvictsOldestRunAtCapacity(t *testing.T) {
	r := NewRegistry(2)
	first := r.Start("a")
	time.Sleep(time.Millisecond)
	r.Start("b")
	time.Sleep(time.Millisecond)
	r.Start("c")

	assert.Nil(t, r.Get(first.ID))
	assert.Len(t, r.List(), 2)
}
