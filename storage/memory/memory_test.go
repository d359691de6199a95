package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstack-io/flowstack/core"
	"github.com/flowstack-io/flowstack/events"
	"github.com/flowstack-io/flowstack/storage"
)

func TestFlowRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.GetFlow(ctx, "missing")
	require.True(t, errors.Is(err, core.ErrFlowNotFound))

	flow := &storage.Flow{ID: "f1", Version: 2, Nodes: []storage.Node{{ID: "a", Kind: storage.NodeSource}}}
	require.NoError(t, s.SaveFlow(ctx, flow))

	got, err := s.GetFlow(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)

	// The stored copy is isolated from later caller mutations.
	flow.Version = 9
	got, err = s.GetFlow(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
}

func TestBlockAndConnectionRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.GetBlock(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, core.KindResourceNotFound, core.KindOf(err))

	require.NoError(t, s.SaveBlock(ctx, &storage.Block{ID: "b1", Kind: "ai", Prompt: "classify"}))
	b, err := s.GetBlock(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "classify", b.Prompt)

	require.NoError(t, s.SaveConnection(ctx, &storage.Connection{ID: "c1", Provider: "openai"}))
	c, err := s.GetConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "openai", c.Provider)
}

func TestExecutionLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	exec := &storage.Execution{
		ID:        "e1",
		FlowID:    "f1",
		Status:    storage.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateExecution(ctx, exec))
	require.Error(t, s.CreateExecution(ctx, exec))

	exec.Status = storage.StatusRunning
	require.NoError(t, s.UpdateExecution(ctx, exec))

	got, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRunning, got.Status)

	_, err = s.GetExecution(ctx, "missing")
	require.True(t, errors.Is(err, core.ErrExecutionNotFound))
	require.Error(t, s.UpdateExecution(ctx, &storage.Execution{ID: "missing"}))
}

func TestGetExecutionNormalizesLegacyStatus(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateExecution(ctx, &storage.Execution{ID: "e1", Status: "complete"}))
	got, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, got.Status)
}

func TestListRecentExecutionsNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, s.CreateExecution(ctx, &storage.Execution{ID: id}))
	}

	out, err := s.ListRecentExecutions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "e3", out[0].ID)
	assert.Equal(t, "e2", out[1].ID)

	all, err := s.ListRecentExecutions(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestBlockExecutionsKeepStartOrder(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, id := range []string{"be1", "be2", "be3"} {
		require.NoError(t, s.CreateBlockExecution(ctx, &storage.BlockExecution{
			ID: id, ExecutionID: "e1", NodeID: "n-" + id, Status: storage.StatusRunning,
		}))
	}

	d := int64(12)
	require.NoError(t, s.UpdateBlockExecution(ctx, &storage.BlockExecution{
		ID: "be2", ExecutionID: "e1", NodeID: "n-be2",
		Status: storage.StatusCompleted, DurationMs: &d,
	}))
	require.Error(t, s.UpdateBlockExecution(ctx, &storage.BlockExecution{ID: "ghost", ExecutionID: "e1"}))

	rows, err := s.ListBlockExecutions(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "be1", rows[0].ID)
	assert.Equal(t, "be2", rows[1].ID)
	assert.Equal(t, storage.StatusCompleted, rows[1].Status)
	require.NotNil(t, rows[1].DurationMs)
	assert.Equal(t, int64(12), *rows[1].DurationMs)
}

func TestEventLogUniquenessAndOrder(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		require.NoError(t, s.AppendEvent(ctx, events.EventRecord{
			ExecutionID: "e1", Index: i, Kind: events.EventNodeStream,
		}))
	}
	err := s.AppendEvent(ctx, events.EventRecord{ExecutionID: "e1", Index: 2, Kind: events.EventNodeStream})
	require.Error(t, err)

	// Same index on another execution is fine.
	require.NoError(t, s.AppendEvent(ctx, events.EventRecord{
		ExecutionID: "e2", Index: 2, Kind: events.EventNodeStream,
	}))

	rows, err := s.ListEvents(ctx, "e1", 2)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, r := range rows {
		assert.Equal(t, int64(2+i), r.Index)
	}
}

func TestStoreWorksAsEmitterBackend(t *testing.T) {
	s := New()
	ctx := context.Background()

	f := events.NewFlowEmitter("e1", s, nil)
	f.ExecutionStart(ctx, "f1", nil)
	f.Node("n1", "be1").Complete(ctx, "done", 5)
	f.ExecutionComplete(ctx, "done", nil)

	rows, err := s.ListEvents(ctx, "e1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, events.EventExecutionStart, rows[0].Kind)
	assert.True(t, rows[2].Kind.IsTerminal())
}
