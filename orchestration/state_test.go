package orchestration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstack-io/flowstack/storage"
)

func TestTransitionLifecycle(t *testing.T) {
	exec := &storage.Execution{ID: "e1", Status: storage.StatusPending}

	require.NoError(t, Transition(exec, storage.StatusRunning))
	assert.Equal(t, storage.StatusRunning, exec.Status)
	require.NotNil(t, exec.StartedAt)
	assert.Nil(t, exec.CompletedAt)

	require.NoError(t, Transition(exec, storage.StatusCompleted))
	require.NotNil(t, exec.CompletedAt)
	assert.GreaterOrEqual(t, exec.Metrics.TotalDurationMs, int64(0))
}

func TestTransitionPendingToCancelled(t *testing.T) {
	exec := &storage.Execution{ID: "e1", Status: storage.StatusPending}
	require.NoError(t, Transition(exec, storage.StatusCancelled))
	assert.Equal(t, storage.StatusCancelled, exec.Status)
	assert.NotNil(t, exec.CompletedAt)
}

func TestIllegalTransitions(t *testing.T) {
	cases := []struct {
		from, to storage.ExecutionStatus
	}{
		{storage.StatusPending, storage.StatusCompleted},
		{storage.StatusPending, storage.StatusFailed},
		{storage.StatusCompleted, storage.StatusRunning},
		{storage.StatusCompleted, storage.StatusCancelled},
		{storage.StatusFailed, storage.StatusRunning},
		{storage.StatusCancelled, storage.StatusRunning},
		{storage.StatusRunning, storage.StatusPending},
	}
	for _, tc := range cases {
		exec := &storage.Execution{ID: "e1", Status: tc.from}
		err := Transition(exec, tc.to)
		require.Error(t, err, "%s -> %s must be rejected", tc.from, tc.to)
		var ite *InvalidTransitionError
		require.ErrorAs(t, err, &ite)
		assert.Equal(t, tc.from, ite.From)
		assert.Equal(t, tc.to, ite.To)
		assert.Equal(t, tc.from, exec.Status, "status must be untouched on rejection")
	}
}

func TestMetricsRecorder(t *testing.T) {
	exec := &storage.Execution{ID: "e1"}
	m := &metricsRecorder{exec: exec}

	m.SetNodeCount(3)
	m.IncCompletedNodes()
	m.IncCompletedNodes()
	m.IncFailedNodes()
	m.AddTokens(100, 40)
	m.AddTokens(20, 5)

	snap := m.Snapshot()
	assert.Equal(t, 3, snap.TotalNodes)
	assert.Equal(t, 2, snap.CompletedNodes)
	assert.Equal(t, 1, snap.FailedNodes)
	assert.Equal(t, int64(120), snap.TokensIn)
	assert.Equal(t, int64(45), snap.TokensOut)
}
