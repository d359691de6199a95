package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstack-io/flowstack/core"
)

const sentimentFlowJSON = `{
  "id": "flow-sentiment",
  "name": "Sentiment",
  "version": 3,
  "nodes": [
    {"id": "src", "kind": "source"},
    {"id": "classify", "kind": "ai", "data": {"blockId": "blk-1", "executionMode": "hybrid"}},
    {"id": "wrap", "kind": "function", "data": {"blockId": "blk-2"}},
    {"id": "out", "kind": "sink", "data": {"sinkType": "output"}}
  ],
  "edges": [
    {"source": "src", "target": "classify"},
    {"source": "classify", "target": "wrap"},
    {"source": "wrap", "target": "out"}
  ]
}`

func TestParseFlowJSON(t *testing.T) {
	f, err := ParseFlowJSON([]byte(sentimentFlowJSON))
	require.NoError(t, err)

	assert.Equal(t, "flow-sentiment", f.ID)
	assert.Equal(t, 3, f.Version)
	require.Len(t, f.Nodes, 4)
	assert.Equal(t, NodeAI, f.Nodes[1].Kind)
	assert.Equal(t, "blk-1", f.Nodes[1].Data["blockId"])
	assert.False(t, f.Deleted())
}

func TestParseFlowYAML(t *testing.T) {
	yamlDef := `
id: flow-yaml
version: 1
nodes:
  - id: src
    kind: source
  - id: out
    kind: sink
edges:
  - source: src
    target: out
`
	f, err := ParseFlowYAML([]byte(yamlDef))
	require.NoError(t, err)
	assert.Equal(t, "flow-yaml", f.ID)
	require.Len(t, f.Edges, 1)
	assert.Equal(t, "src", f.Edges[0].Source)
}

func TestParseFlowJSONMalformed(t *testing.T) {
	_, err := ParseFlowJSON([]byte(`{"id": `))
	require.Error(t, err)
	assert.Equal(t, core.KindValidationFailed, core.KindOf(err))
}

func TestValidateRejectsBadDefinitions(t *testing.T) {
	tests := []struct {
		name string
		flow Flow
	}{
		{"missing id", Flow{Nodes: []Node{{ID: "a", Kind: NodeSource}}}},
		{"no nodes", Flow{ID: "f"}},
		{"duplicate node ids", Flow{ID: "f", Nodes: []Node{
			{ID: "a", Kind: NodeSource}, {ID: "a", Kind: NodeSink},
		}}},
		{"unknown kind", Flow{ID: "f", Nodes: []Node{{ID: "a", Kind: "teleport"}}}},
		{"edge to missing node", Flow{ID: "f",
			Nodes: []Node{{ID: "a", Kind: NodeSource}},
			Edges: []Edge{{Source: "a", Target: "ghost"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.flow.Validate()
			require.Error(t, err)

			var fe *core.FlowError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, core.KindValidationFailed, fe.Kind)
			assert.NotEmpty(t, fe.Issues)
		})
	}
}

func TestValidateRootAndLeafKinds(t *testing.T) {
	badRoot := Flow{ID: "f",
		Nodes: []Node{
			{ID: "work", Kind: NodeFunction},
			{ID: "out", Kind: NodeSink},
		},
		Edges: []Edge{{Source: "work", Target: "out"}},
	}
	err := badRoot.Validate()
	require.Error(t, err)
	var fe *core.FlowError
	require.True(t, errors.As(err, &fe))
	require.Len(t, fe.Issues, 1)
	assert.Equal(t, "graph root work must be a source node", fe.Issues[0].Message)

	badLeaf := Flow{ID: "f",
		Nodes: []Node{
			{ID: "in", Kind: NodeSource},
			{ID: "work", Kind: NodeFunction},
		},
		Edges: []Edge{{Source: "in", Target: "work"}},
	}
	err = badLeaf.Validate()
	require.Error(t, err)
	require.True(t, errors.As(err, &fe))
	require.Len(t, fe.Issues, 1)
	assert.Equal(t, "graph leaf work must be a sink node", fe.Issues[0].Message)
}

func TestValidateExemptsEmbeddedNodesFromRootLeafRule(t *testing.T) {
	flow := Flow{ID: "f",
		Nodes: []Node{
			{ID: "in", Kind: NodeSource},
			{ID: "fan", Kind: NodeParallel, Data: map[string]interface{}{"processorNodeId": "proc"}},
			{ID: "proc", Kind: NodeFunction, Data: map[string]interface{}{"code": "x"}},
			{ID: "out", Kind: NodeSink},
		},
		Edges: []Edge{
			{Source: "in", Target: "fan"},
			{Source: "fan", Target: "out"},
		},
	}
	require.NoError(t, flow.Validate())
	assert.Equal(t, map[string]bool{"proc": true}, flow.EmbeddedNodes())
}

func TestFlowEdgeHelpers(t *testing.T) {
	f, err := ParseFlowJSON([]byte(sentimentFlowJSON))
	require.NoError(t, err)

	assert.Empty(t, f.IncomingEdges("src"))
	in := f.IncomingEdges("classify")
	require.Len(t, in, 1)
	assert.Equal(t, "src", in[0].Source)

	out := f.OutgoingEdges("classify")
	require.Len(t, out, 1)
	assert.Equal(t, "wrap", out[0].Target)

	require.NotNil(t, f.Node("wrap"))
	assert.Nil(t, f.Node("ghost"))
}

func TestNormalizeStatus(t *testing.T) {
	assert.Equal(t, StatusCompleted, NormalizeStatus("complete"))
	assert.Equal(t, StatusCompleted, NormalizeStatus("completed"))
	assert.Equal(t, StatusRunning, NormalizeStatus("running"))
	assert.Equal(t, ExecutionStatus("weird"), NormalizeStatus("weird"))
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusSkipped.IsTerminal())
}
