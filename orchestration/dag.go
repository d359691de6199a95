// Package orchestration drives flow executions: it compiles a flow into a
// topological plan, runs each node through a kind-keyed executor registry,
// wires outputs along edges, and records progress through the event log
// and the execution store.
package orchestration

import (
	"fmt"
	"sort"

	"github.com/flowstack-io/flowstack/core"
	"github.com/flowstack-io/flowstack/storage"
)

// CompiledFlow is a validated flow with a topological execution order.
// Nodes referenced by a parallel or loop node's data (splitter, processor,
// merger, body) are embedded: they are excluded from the driven order and
// run only as sub-invocations of their owner.
type CompiledFlow struct {
	Flow     *storage.Flow
	Order    []string
	Embedded map[string]bool
}

// Node returns the named node from the underlying flow, or nil.
func (c *CompiledFlow) Node(id string) *storage.Node {
	return c.Flow.Node(id)
}

// Sinks returns the sink nodes in execution order.
func (c *CompiledFlow) Sinks() []*storage.Node {
	var sinks []*storage.Node
	for _, id := range c.Order {
		if n := c.Flow.Node(id); n != nil && n.Kind == storage.NodeSink {
			sinks = append(sinks, n)
		}
	}
	return sinks
}

// Compile validates the flow schema and produces a topological order via
// Kahn's algorithm. A graph whose sort covers fewer nodes than the flow
// contains cycles and is rejected before any execution state is created.
func Compile(flow *storage.Flow) (*CompiledFlow, error) {
	if err := flow.Validate(); err != nil {
		return nil, err
	}

	embedded := make(map[string]bool)
	for _, n := range flow.Nodes {
		for key, ref := range n.EmbeddedRefs() {
			if flow.Node(ref) == nil {
				return nil, core.NewValidationError(
					fmt.Sprintf("node %s references unknown node %s", n.ID, ref),
					core.FieldIssue{Field: key, Message: "referenced node does not exist"})
			}
			embedded[ref] = true
		}
	}

	indegree := make(map[string]int, len(flow.Nodes))
	adjacency := make(map[string][]string, len(flow.Nodes))
	for _, n := range flow.Nodes {
		if !embedded[n.ID] {
			indegree[n.ID] = 0
		}
	}
	for _, e := range flow.Edges {
		if embedded[e.Source] || embedded[e.Target] {
			continue
		}
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
		indegree[e.Target]++
	}

	queue := make([]string, 0, len(indegree))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	// Deterministic order for independent roots.
	sort.Strings(queue)

	order := make([]string, 0, len(indegree))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		var ready []string
		for _, next := range adjacency[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}

	if len(order) != len(indegree) {
		return nil, core.NewError(core.KindExecutionFailed,
			fmt.Sprintf("flow %s contains cycles and cannot be executed", flow.ID))
	}

	return &CompiledFlow{Flow: flow, Order: order, Embedded: embedded}, nil
}
