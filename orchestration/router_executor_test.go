package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstack-io/flowstack/ai"
	"github.com/flowstack-io/flowstack/ai/providers/mock"
	"github.com/flowstack-io/flowstack/core"
	"github.com/flowstack-io/flowstack/resilience"
	"github.com/flowstack-io/flowstack/storage"
	"github.com/flowstack-io/flowstack/storage/memory"
)

func newTestRouterExecutor(t *testing.T, scripted *mock.Client) (*RouterExecutor, *memory.Store) {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.SaveConnection(context.Background(), &storage.Connection{
		ID: "conn-1", Provider: "scripted",
	}))
	clients := ai.NewRegistry()
	clients.Register("scripted", func(conn *storage.Connection, logger core.Logger) (ai.Client, error) {
		return scripted, nil
	})
	policy := resilience.DefaultRetryPolicy()
	policy.InitialDelay = time.Millisecond
	breakers := resilience.NewRegistry(core.DefaultConfig().Breaker, nil)
	return NewRouterExecutor(store, clients, breakers, policy, nil), store
}

func routerNode(data map[string]interface{}) *storage.Node {
	return &storage.Node{ID: "route-1", Kind: storage.NodeRouter, Data: data}
}

func TestRouterFieldRouting(t *testing.T) {
	e, _ := newTestRouterExecutor(t, mock.NewClient())
	node := routerNode(map[string]interface{}{
		"routeField": "ticket.kind",
		"routes": map[string]interface{}{
			"billing": "billing-node",
			"bug":     "bug-node",
		},
	})

	input := map[string]interface{}{"ticket": map[string]interface{}{"kind": "bug"}}
	out, err := e.Execute(context.Background(), node, input, &ExecContext{})
	require.NoError(t, err)

	result := out.(map[string]interface{})
	assert.Equal(t, "bug", result["routeKey"])
	assert.Equal(t, "bug-node", result["targetNodeId"])
	assert.Equal(t, input, result["input"])
}

func TestRouterDefaultRoute(t *testing.T) {
	e, _ := newTestRouterExecutor(t, mock.NewClient())
	node := routerNode(map[string]interface{}{
		"routeField":   "kind",
		"routes":       map[string]interface{}{"billing": "billing-node"},
		"defaultRoute": "catchall-node",
	})

	out, err := e.Execute(context.Background(), node,
		map[string]interface{}{"kind": "other"}, &ExecContext{})
	require.NoError(t, err)
	assert.Equal(t, "catchall-node", out.(map[string]interface{})["targetNodeId"])
}

func TestRouterMissingRouteNoDefaultFails(t *testing.T) {
	e, _ := newTestRouterExecutor(t, mock.NewClient())
	node := routerNode(map[string]interface{}{
		"routeField": "kind",
		"routes":     map[string]interface{}{"billing": "billing-node"},
	})

	_, err := e.Execute(context.Background(), node,
		map[string]interface{}{"kind": "other"}, &ExecContext{})
	require.Error(t, err)
	assert.Equal(t, core.KindExecutionFailed, core.KindOf(err))
	assert.Contains(t, err.Error(), "no route")
}

func TestRouterClassifierJSONRoute(t *testing.T) {
	scripted := mock.NewClient().Respond(`{"route": "billing"}`)
	e, _ := newTestRouterExecutor(t, scripted)
	node := routerNode(map[string]interface{}{
		"prompt":       "Classify this ticket.",
		"connectionId": "conn-1",
		"routes":       map[string]interface{}{"billing": "billing-node"},
	})

	out, err := e.Execute(context.Background(), node,
		map[string]interface{}{"text": "refund please"}, &ExecContext{})
	require.NoError(t, err)
	assert.Equal(t, "billing-node", out.(map[string]interface{})["targetNodeId"])
	assert.Equal(t, 1, scripted.CallCount())
}

func TestRouterClassifierNormalization(t *testing.T) {
	cases := []struct {
		response string
		key      string
	}{
		{`{"route": "billing"}`, "billing"},
		{`{"category": "bug"}`, "bug"},
		{`{"class": "question"}`, "question"},
		{`billing`, "billing"},
		{`"billing"`, "billing"},
		{"  billing\n", "billing"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.key, extractRouteKey(tc.response), "response %q", tc.response)
	}
}

func TestRouterClassifierUsesBlock(t *testing.T) {
	scripted := mock.NewClient().Respond("bug")
	e, store := newTestRouterExecutor(t, scripted)
	require.NoError(t, store.SaveBlock(context.Background(), &storage.Block{
		ID:           "block-9",
		Kind:         "router",
		Prompt:       "Pick a category.",
		ConnectionID: "conn-1",
	}))
	node := routerNode(map[string]interface{}{
		"blockId": "block-9",
		"routes":  map[string]interface{}{"bug": "bug-node"},
	})

	out, err := e.Execute(context.Background(), node,
		map[string]interface{}{"text": "it crashes"}, &ExecContext{})
	require.NoError(t, err)
	assert.Equal(t, "bug-node", out.(map[string]interface{})["targetNodeId"])
}

func TestRouterRequiresRoutes(t *testing.T) {
	e, _ := newTestRouterExecutor(t, mock.NewClient())
	_, err := e.Execute(context.Background(), routerNode(nil), nil, &ExecContext{})
	require.Error(t, err)
	assert.Equal(t, core.KindValidationFailed, core.KindOf(err))
}

func TestRouterRequiresClassifierOrField(t *testing.T) {
	e, _ := newTestRouterExecutor(t, mock.NewClient())
	node := routerNode(map[string]interface{}{
		"routes": map[string]interface{}{"a": "a-node"},
	})

	_, err := e.Execute(context.Background(), node, map[string]interface{}{}, &ExecContext{})
	require.Error(t, err)
	assert.Equal(t, core.KindValidationFailed, core.KindOf(err))
}
