package events

import (
	"context"
	"sync"

	"github.com/flowstack-io/flowstack/core"
)

// FlowEmitter is the flow-level aggregator over one execution's event log.
// It owns the index sequence and hands out per-node child emitters scoped to
// a block execution; events emitted on a child flow through the aggregator,
// so every subscriber sees one totally ordered stream.
type FlowEmitter struct {
	*Emitter

	childMu  sync.Mutex
	children map[string]*NodeEmitter
}

// NewFlowEmitter creates the aggregator for one execution.
func NewFlowEmitter(executionID string, store Store, logger core.Logger) *FlowEmitter {
	return &FlowEmitter{
		Emitter:  NewEmitter(executionID, store, logger),
		children: make(map[string]*NodeEmitter),
	}
}

// Node returns the child emitter for a node's block execution, creating it
// on first use.
func (f *FlowEmitter) Node(nodeID, blockExecutionID string) *NodeEmitter {
	f.childMu.Lock()
	defer f.childMu.Unlock()
	if child, ok := f.children[blockExecutionID]; ok {
		return child
	}
	child := &NodeEmitter{
		parent:           f,
		nodeID:           nodeID,
		blockExecutionID: blockExecutionID,
	}
	f.children[blockExecutionID] = child
	return child
}

// ExecutionStart emits the stream's opening event.
func (f *FlowEmitter) ExecutionStart(ctx context.Context, flowID string, input interface{}) {
	f.Emit(ctx, EventExecutionStart, map[string]interface{}{
		"flowId": flowID,
		"input":  input,
	})
}

// ExecutionComplete emits the successful terminal event and closes the
// emitter.
func (f *FlowEmitter) ExecutionComplete(ctx context.Context, output interface{}, metrics map[string]interface{}) {
	f.Emit(ctx, EventExecutionComplete, map[string]interface{}{
		"output":  output,
		"metrics": metrics,
	})
	f.Close()
}

// ExecutionError emits the failure terminal event and closes the emitter.
func (f *FlowEmitter) ExecutionError(ctx context.Context, err error) {
	fe := core.Adapt(err)
	f.Emit(ctx, EventExecutionError, map[string]interface{}{
		"error": map[string]interface{}{
			"message": fe.UserMessage(),
			"kind":    string(fe.Kind),
			"detail":  fe.Error(),
		},
	})
	f.Close()
}

// ExecutionCancelled emits the cancellation terminal event and closes the
// emitter.
func (f *FlowEmitter) ExecutionCancelled(ctx context.Context) {
	f.Emit(ctx, EventExecutionCancelled, nil)
	f.Close()
}

// NodeSkipped records a node excluded from traversal, typically by a router
// decision.
func (f *FlowEmitter) NodeSkipped(ctx context.Context, nodeID, reason string) {
	f.Emit(ctx, EventNodeSkipped, map[string]interface{}{
		"nodeId": nodeID,
		"reason": reason,
	})
}

// NodeEmitter scopes emission to one node's block execution. All events are
// forwarded through the parent aggregator, carrying the node and block
// execution identity in the payload.
type NodeEmitter struct {
	parent           *FlowEmitter
	nodeID           string
	blockExecutionID string
}

// NodeID returns the node this emitter is scoped to.
func (n *NodeEmitter) NodeID() string { return n.nodeID }

// BlockExecutionID returns the block execution scope.
func (n *NodeEmitter) BlockExecutionID() string { return n.blockExecutionID }

func (n *NodeEmitter) emit(ctx context.Context, kind EventKind, fields map[string]interface{}) {
	payload := map[string]interface{}{
		"nodeId":           n.nodeID,
		"blockExecutionId": n.blockExecutionID,
	}
	for k, v := range fields {
		payload[k] = v
	}
	n.parent.Emit(ctx, kind, payload)
}

// Start emits node_start with the node's resolved input.
func (n *NodeEmitter) Start(ctx context.Context, nodeKind string, input interface{}) {
	n.emit(ctx, EventNodeStart, map[string]interface{}{
		"nodeKind": nodeKind,
		"input":    input,
	})
}

// Stream forwards one provider stream payload as node_stream.
func (n *NodeEmitter) Stream(ctx context.Context, event interface{}) {
	n.emit(ctx, EventNodeStream, map[string]interface{}{
		"event": event,
	})
}

// Complete emits node_complete with the node's output and duration.
func (n *NodeEmitter) Complete(ctx context.Context, output interface{}, durationMs int64) {
	n.emit(ctx, EventNodeComplete, map[string]interface{}{
		"output":     output,
		"durationMs": durationMs,
	})
}

// Error emits node_error with the adapted error shape.
func (n *NodeEmitter) Error(ctx context.Context, err error) {
	fe := core.Adapt(err)
	n.emit(ctx, EventNodeError, map[string]interface{}{
		"error": map[string]interface{}{
			"message": fe.UserMessage(),
			"kind":    string(fe.Kind),
			"detail":  fe.Error(),
		},
	})
}
