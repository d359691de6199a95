package orchestration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstack-io/flowstack/core"
	"github.com/flowstack-io/flowstack/storage"
)

func loopNode(data map[string]interface{}) *storage.Node {
	return &storage.Node{ID: "loop-1", Kind: storage.NodeLoop, Data: data}
}

// counterBody increments a counter field on every invocation.
func counterBody() func(ctx context.Context, nodeID string, input interface{}) (interface{}, error) {
	return func(ctx context.Context, nodeID string, input interface{}) (interface{}, error) {
		count := 0.0
		if m, ok := input.(map[string]interface{}); ok {
			if v, ok := core.ToFloat(m["count"]); ok {
				count = v
			}
		}
		return map[string]interface{}{"count": count + 1}, nil
	}
}

func TestLoopFieldConditionMet(t *testing.T) {
	e := NewLoopExecutor(nil)
	ec := &ExecContext{RunNode: counterBody()}
	node := loopNode(map[string]interface{}{
		"bodyNodeId": "body",
		"condition": map[string]interface{}{
			"type":     "field",
			"field":    "count",
			"operator": "gte",
			"value":    3,
		},
	})

	out, err := e.Execute(context.Background(), node, map[string]interface{}{"count": 0}, ec)
	require.NoError(t, err)

	result := out.(map[string]interface{})
	assert.Equal(t, "condition_met", result["exitReason"])
	assert.Equal(t, 3, result["totalIterations"])
	final := result["finalOutput"].(map[string]interface{})
	assert.Equal(t, 3.0, final["count"])
	assert.Len(t, result["iterations"], 3)
}

func TestLoopMaxIterations(t *testing.T) {
	e := NewLoopExecutor(nil)
	ec := &ExecContext{RunNode: counterBody()}
	node := loopNode(map[string]interface{}{
		"bodyNodeId":    "body",
		"maxIterations": 4,
		"condition": map[string]interface{}{
			"type":     "field",
			"field":    "count",
			"operator": "gte",
			"value":    100,
		},
	})

	out, err := e.Execute(context.Background(), node, map[string]interface{}{"count": 0}, ec)
	require.NoError(t, err)

	result := out.(map[string]interface{})
	assert.Equal(t, "max_iterations", result["exitReason"])
	assert.Equal(t, 4, result["totalIterations"])
}

func TestLoopDefaultsToTenIterations(t *testing.T) {
	e := NewLoopExecutor(nil)
	ec := &ExecContext{RunNode: counterBody()}
	node := loopNode(map[string]interface{}{"bodyNodeId": "body"})

	out, err := e.Execute(context.Background(), node, map[string]interface{}{"count": 0}, ec)
	require.NoError(t, err)
	assert.Equal(t, 10, out.(map[string]interface{})["totalIterations"])
}

func TestLoopExpressionCondition(t *testing.T) {
	e := NewLoopExecutor(nil)
	ec := &ExecContext{RunNode: counterBody()}
	node := loopNode(map[string]interface{}{
		"bodyNodeId": "body",
		"condition": map[string]interface{}{
			"type":       "expression",
			"expression": "data.count >= 2 || iteration >= 5",
		},
	})

	out, err := e.Execute(context.Background(), node, map[string]interface{}{"count": 0}, ec)
	require.NoError(t, err)

	result := out.(map[string]interface{})
	assert.Equal(t, "condition_met", result["exitReason"])
	assert.Equal(t, 2, result["totalIterations"])
}

func TestLoopExpressionRejectsFunctionCalls(t *testing.T) {
	e := NewLoopExecutor(nil)
	ec := &ExecContext{RunNode: counterBody()}
	node := loopNode(map[string]interface{}{
		"bodyNodeId": "body",
		"condition": map[string]interface{}{
			"type":       "expression",
			"expression": "len(data.items) > 0",
		},
	})

	_, err := e.Execute(context.Background(), node, map[string]interface{}{}, ec)
	require.Error(t, err)
	assert.Equal(t, core.KindValidationFailed, core.KindOf(err))
}

func TestLoopFieldOperators(t *testing.T) {
	cases := []struct {
		operator string
		value    interface{}
		met      bool
	}{
		{"eq", 1, true},
		{"neq", 1, false},
		{"gt", 0, true},
		{"gt", 1, false},
		{"lt", 2, true},
		{"gte", 1, true},
		{"lte", 0, false},
	}
	e := NewLoopExecutor(nil)
	for _, tc := range cases {
		ec := &ExecContext{RunNode: counterBody()}
		node := loopNode(map[string]interface{}{
			"bodyNodeId":    "body",
			"maxIterations": 2,
			"condition": map[string]interface{}{
				"type":     "field",
				"field":    "count",
				"operator": tc.operator,
				"value":    tc.value,
			},
		})
		out, err := e.Execute(context.Background(), node, map[string]interface{}{"count": 0}, ec)
		require.NoError(t, err, "operator %s", tc.operator)
		result := out.(map[string]interface{})
		if tc.met {
			assert.Equal(t, 1, result["totalIterations"], "operator %s value %v", tc.operator, tc.value)
		} else {
			assert.Equal(t, 2, result["totalIterations"], "operator %s value %v", tc.operator, tc.value)
		}
	}
}

func TestLoopInvalidCondition(t *testing.T) {
	e := NewLoopExecutor(nil)
	ec := &ExecContext{RunNode: counterBody()}

	_, err := e.Execute(context.Background(), loopNode(map[string]interface{}{
		"bodyNodeId": "body",
		"condition":  map[string]interface{}{"type": "guess"},
	}), nil, ec)
	require.Error(t, err)
	assert.Equal(t, core.KindValidationFailed, core.KindOf(err))

	_, err = e.Execute(context.Background(), loopNode(map[string]interface{}{}), nil, ec)
	require.Error(t, err)
	assert.Equal(t, core.KindValidationFailed, core.KindOf(err))
}

func TestLoopBodyErrorPropagates(t *testing.T) {
	e := NewLoopExecutor(nil)
	ec := &ExecContext{RunNode: func(ctx context.Context, nodeID string, input interface{}) (interface{}, error) {
		return nil, core.NewError(core.KindExecutionFailed, "body exploded")
	}}

	_, err := e.Execute(context.Background(), loopNode(map[string]interface{}{"bodyNodeId": "body"}), nil, ec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "body exploded")
}

func TestLoopHonorsCancellation(t *testing.T) {
	e := NewLoopExecutor(nil)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	ec := &ExecContext{RunNode: func(ctx context.Context, nodeID string, input interface{}) (interface{}, error) {
		calls++
		cancel()
		return input, nil
	}}

	_, err := e.Execute(ctx, loopNode(map[string]interface{}{"bodyNodeId": "body"}), map[string]interface{}{}, ec)
	require.Error(t, err)
	assert.True(t, core.IsCancelled(err))
	assert.Equal(t, 1, calls)
}
