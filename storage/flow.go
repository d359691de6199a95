package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowstack-io/flowstack/core"
)

// NodeKind is the vertex type of a flow graph.
type NodeKind string

const (
	NodeAI       NodeKind = "ai"
	NodeFunction NodeKind = "function"
	NodeRouter   NodeKind = "router"
	NodeParallel NodeKind = "parallel"
	NodeLoop     NodeKind = "loop"
	NodeSource   NodeKind = "source"
	NodeSink     NodeKind = "sink"
)

// Valid reports whether the kind is one the engine can execute.
func (k NodeKind) Valid() bool {
	switch k {
	case NodeAI, NodeFunction, NodeRouter, NodeParallel, NodeLoop, NodeSource, NodeSink:
		return true
	}
	return false
}

// Node is one vertex of a flow definition. Kind-specific settings (block
// reference, execution mode, routes, loop condition, sink target) live in
// Data.
type Node struct {
	ID    string                 `json:"id" yaml:"id"`
	Kind  NodeKind               `json:"kind" yaml:"kind"`
	Label string                 `json:"label,omitempty" yaml:"label,omitempty"`
	Data  map[string]interface{} `json:"data,omitempty" yaml:"data,omitempty"`
}

var embeddedRefKeys = []string{"splitterNodeId", "processorNodeId", "mergerNodeId", "bodyNodeId"}

// EmbeddedRefs returns the sibling-node references a parallel or loop node
// carries in its data (splitter, processor, merger, loop body), keyed by
// the data field name. Other kinds return nil.
func (n *Node) EmbeddedRefs() map[string]string {
	if n.Kind != NodeParallel && n.Kind != NodeLoop {
		return nil
	}
	var refs map[string]string
	for _, key := range embeddedRefKeys {
		if s, ok := n.Data[key].(string); ok && s != "" {
			if refs == nil {
				refs = make(map[string]string, len(embeddedRefKeys))
			}
			refs[key] = s
		}
	}
	return refs
}

// Edge connects two nodes. SourceHandle distinguishes multiple outputs of
// one node; it also keys merged inputs on multi-edge targets.
type Edge struct {
	ID           string `json:"id,omitempty" yaml:"id,omitempty"`
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty" yaml:"targetHandle,omitempty"`
}

// Flow is a versioned DAG definition.
type Flow struct {
	ID        string     `json:"id" yaml:"id"`
	Name      string     `json:"name,omitempty" yaml:"name,omitempty"`
	Version   int        `json:"version" yaml:"version"`
	Nodes     []Node     `json:"nodes" yaml:"nodes"`
	Edges     []Edge     `json:"edges" yaml:"edges"`
	DeletedAt *time.Time `json:"deletedAt,omitempty" yaml:"deletedAt,omitempty"`
}

// Deleted reports whether the flow version has been soft-deleted.
func (f *Flow) Deleted() bool { return f.DeletedAt != nil }

// Node returns the node with the given id, or nil.
func (f *Flow) Node(id string) *Node {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i]
		}
	}
	return nil
}

// IncomingEdges returns edges targeting the node, in definition order.
func (f *Flow) IncomingEdges(nodeID string) []Edge {
	var in []Edge
	for _, e := range f.Edges {
		if e.Target == nodeID {
			in = append(in, e)
		}
	}
	return in
}

// OutgoingEdges returns edges originating from the node, in definition order.
func (f *Flow) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range f.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// EmbeddedNodes returns the ids of nodes referenced as embedded helpers of
// a parallel or loop node. Embedded nodes run only as sub-invocations of
// their owner and take no part in the top-level graph.
func (f *Flow) EmbeddedNodes() map[string]bool {
	embedded := make(map[string]bool)
	for i := range f.Nodes {
		for _, ref := range f.Nodes[i].EmbeddedRefs() {
			embedded[ref] = true
		}
	}
	return embedded
}

// Validate checks the structural schema: non-empty id, at least one node,
// unique node ids, known kinds, edges that reference existing nodes, and
// graph roots/leaves restricted to source/sink kinds (embedded helper
// nodes excluded). Acyclicity is checked separately during compilation.
func (f *Flow) Validate() error {
	var issues []core.FieldIssue
	if f.ID == "" {
		issues = append(issues, core.FieldIssue{Field: "id", Message: "flow id is required"})
	}
	if len(f.Nodes) == 0 {
		issues = append(issues, core.FieldIssue{Field: "nodes", Message: "flow must contain at least one node"})
	}

	seen := make(map[string]bool, len(f.Nodes))
	for i, n := range f.Nodes {
		field := fmt.Sprintf("nodes[%d]", i)
		if n.ID == "" {
			issues = append(issues, core.FieldIssue{Field: field + ".id", Message: "node id is required"})
			continue
		}
		if seen[n.ID] {
			issues = append(issues, core.FieldIssue{Field: field + ".id", Message: "duplicate node id " + n.ID})
		}
		seen[n.ID] = true
		if !n.Kind.Valid() {
			issues = append(issues, core.FieldIssue{
				Field:   field + ".kind",
				Message: fmt.Sprintf("unknown node kind %q", string(n.Kind)),
			})
		}
	}

	for i, e := range f.Edges {
		field := fmt.Sprintf("edges[%d]", i)
		if !seen[e.Source] {
			issues = append(issues, core.FieldIssue{Field: field + ".source", Message: "unknown source node " + e.Source})
		}
		if !seen[e.Target] {
			issues = append(issues, core.FieldIssue{Field: field + ".target", Message: "unknown target node " + e.Target})
		}
	}

	embedded := f.EmbeddedNodes()
	indegree := make(map[string]int, len(f.Nodes))
	outdegree := make(map[string]int, len(f.Nodes))
	for _, e := range f.Edges {
		if embedded[e.Source] || embedded[e.Target] {
			continue
		}
		outdegree[e.Source]++
		indegree[e.Target]++
	}
	for i, n := range f.Nodes {
		if n.ID == "" || embedded[n.ID] || !n.Kind.Valid() {
			continue
		}
		field := fmt.Sprintf("nodes[%d]", i)
		if indegree[n.ID] == 0 && n.Kind != NodeSource {
			issues = append(issues, core.FieldIssue{Field: field, Message: "graph root " + n.ID + " must be a source node"})
		}
		if outdegree[n.ID] == 0 && n.Kind != NodeSink {
			issues = append(issues, core.FieldIssue{Field: field, Message: "graph leaf " + n.ID + " must be a sink node"})
		}
	}

	if len(issues) > 0 {
		return core.NewValidationError("invalid flow definition", issues...)
	}
	return nil
}

// ParseFlowJSON decodes and validates a flow definition from JSON.
func ParseFlowJSON(data []byte) (*Flow, error) {
	var f Flow
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, core.WrapError(core.KindValidationFailed, "parsing flow JSON", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// ParseFlowYAML decodes and validates a flow definition from YAML.
func ParseFlowYAML(data []byte) (*Flow, error) {
	var f Flow
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, core.WrapError(core.KindValidationFailed, "parsing flow YAML", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Block is reusable node configuration: an AI prompt with optional
// generated code, or a code function body.
type Block struct {
	ID            string                 `json:"id"`
	Kind          string                 `json:"kind"`
	Name          string                 `json:"name,omitempty"`
	Prompt        string                 `json:"prompt,omitempty"`
	Model         string                 `json:"model,omitempty"`
	ConnectionID  string                 `json:"connectionId,omitempty"`
	Code          string                 `json:"code,omitempty"`
	GeneratedCode string                 `json:"generatedCode,omitempty"`
	Config        map[string]interface{} `json:"config,omitempty"`
}

// Connection holds provider credentials and endpoint settings.
type Connection struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	BaseURL  string `json:"baseUrl,omitempty"`
	APIKey   string `json:"apiKey,omitempty"`
	Model    string `json:"model,omitempty"`
}
