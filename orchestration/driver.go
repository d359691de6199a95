package orchestration

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/flowstack-io/flowstack/core"
	"github.com/flowstack-io/flowstack/events"
	"github.com/flowstack-io/flowstack/storage"
	"github.com/flowstack-io/flowstack/telemetry"
)

// run drives one execution to a terminal state. It owns the node results
// map, the block execution rows, and the emitter; nothing is shared with
// callers beyond read access through ExecContext.
func (e *Engine) run(ctx context.Context, compiled *CompiledFlow, exec *storage.Execution, emitter *events.FlowEmitter) {
	defer func() {
		e.mu.Lock()
		delete(e.active, exec.ID)
		e.mu.Unlock()
	}()

	metrics := &metricsRecorder{exec: exec}

	ctx, span := telemetry.StartSpan(ctx, "flow.execute",
		attribute.String("flow.id", exec.FlowID),
		attribute.String("execution.id", exec.ID),
		attribute.Int("flow.node_count", len(compiled.Order)),
	)
	defer span.End()

	if err := Transition(exec, storage.StatusRunning); err != nil {
		e.logger.Error("Refusing to start execution", map[string]interface{}{
			"operation":    "drive_execution",
			"execution_id": exec.ID,
			"error":        err.Error(),
		})
		return
	}
	e.persistExecution(ctx, exec)

	emitter.ExecutionStart(ctx, exec.FlowID, exec.Input)
	metrics.SetNodeCount(len(compiled.Order))

	results := make(map[string]interface{}, len(compiled.Order))
	skipped := make(map[string]string)
	routerTargets := make(map[string]string)

	for _, nodeID := range compiled.Order {
		if ctx.Err() != nil {
			e.finishCancelled(exec, emitter)
			return
		}
		node := compiled.Node(nodeID)

		if gated, reason := gateReason(compiled, nodeID, skipped, routerTargets); gated {
			skipped[nodeID] = reason
			e.persistSkipped(ctx, exec.ID, nodeID, reason)
			emitter.NodeSkipped(ctx, nodeID, reason)
			continue
		}

		input := resolveInput(compiled, nodeID, results, exec.Input)

		now := time.Now().UTC()
		be := &storage.BlockExecution{
			ID:          uuid.NewString(),
			ExecutionID: exec.ID,
			NodeID:      nodeID,
			Status:      storage.StatusRunning,
			Input:       input,
			StartedAt:   &now,
		}
		if err := e.store.CreateBlockExecution(ctx, be); err != nil {
			e.logger.Warn("Failed to persist block execution", map[string]interface{}{
				"operation":    "drive_execution",
				"execution_id": exec.ID,
				"node_id":      nodeID,
				"error":        err.Error(),
			})
		}

		ne := emitter.Node(nodeID, be.ID)
		ne.Start(ctx, string(node.Kind), input)

		nodeCtx, nodeSpan := telemetry.StartSpan(ctx, "node.run",
			attribute.String("node.id", nodeID),
			attribute.String("node.kind", string(node.Kind)),
		)
		output, err := e.executeNode(nodeCtx, compiled, node, input, results, exec, be, metrics, ne)
		finished := time.Now().UTC()
		duration := finished.Sub(now).Milliseconds()
		be.CompletedAt = &finished
		be.DurationMs = &duration

		if err != nil {
			fe := core.Adapt(err).WithNode(nodeID).WithExecution(exec.ID, exec.FlowID)
			cancelled := ctx.Err() != nil || core.IsCancelled(fe)
			if cancelled {
				be.Status = storage.StatusCancelled
			} else {
				be.Status = storage.StatusFailed
				metrics.IncFailedNodes()
			}
			be.Error = fe.Message
			telemetry.RecordSpanError(nodeCtx, fe)
			nodeSpan.End()
			e.persistBlock(ctx, be)
			ne.Error(ctx, fe)
			if cancelled {
				e.finishCancelled(exec, emitter)
			} else {
				e.finishFailed(ctx, exec, emitter, fe)
			}
			return
		}

		nodeSpan.End()
		be.Status = storage.StatusCompleted
		be.Output = output
		e.persistBlock(ctx, be)
		results[nodeID] = output
		metrics.IncCompletedNodes()
		ne.Complete(ctx, output, duration)

		if node.Kind == storage.NodeRouter {
			if m, ok := output.(map[string]interface{}); ok {
				if target, ok := m["targetNodeId"].(string); ok {
					routerTargets[nodeID] = target
				}
			}
		}
	}

	if ctx.Err() != nil {
		e.finishCancelled(exec, emitter)
		return
	}

	output := collectOutputs(compiled, results, skipped)
	if err := Transition(exec, storage.StatusCompleted); err != nil {
		e.logger.Error("Illegal terminal transition", map[string]interface{}{
			"operation":    "drive_execution",
			"execution_id": exec.ID,
			"error":        err.Error(),
		})
		return
	}
	exec.Output = output
	e.persistExecution(ctx, exec)
	emitter.ExecutionComplete(ctx, output, metricsPayload(metrics.Snapshot()))

	e.logger.Info("Execution completed", map[string]interface{}{
		"operation":       "drive_execution",
		"execution_id":    exec.ID,
		"flow_id":         exec.FlowID,
		"completed_nodes": exec.Metrics.CompletedNodes,
		"duration_ms":     exec.Metrics.TotalDurationMs,
	})
}

// executeNode invokes the executor for one node under the node timeout.
func (e *Engine) executeNode(ctx context.Context, compiled *CompiledFlow, node *storage.Node, input interface{}, results map[string]interface{}, exec *storage.Execution, be *storage.BlockExecution, metrics *metricsRecorder, ne *events.NodeEmitter) (interface{}, error) {
	executor, err := e.registry.Get(node.Kind)
	if err != nil {
		return nil, err
	}

	snapshot := make(map[string]interface{}, len(results))
	for k, v := range results {
		snapshot[k] = v
	}
	ec := &ExecContext{
		ExecutionID: exec.ID,
		FlowID:      exec.FlowID,
		FlowInput:   exec.Input,
		Trigger:     exec.TriggeredBy,
		NodeResults: snapshot,
		Block:       be,
		OnStream: func(event interface{}) {
			ne.Stream(ctx, event)
		},
		AddTokens: metrics.AddTokens,
		Logger:    e.logger,
	}
	ec.RunNode = e.subRunner(compiled, ec)

	nodeCtx := ctx
	if e.cfg.Timeouts.NodeDefault > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeouts.NodeDefault)
		defer cancel()
	}
	return executor.Execute(nodeCtx, node, input, ec)
}

// subRunner executes embedded nodes (parallel splitter, processor,
// merger, loop body) without their own lifecycle events or rows. Stream
// output and token accounting flow through the owning node's context.
func (e *Engine) subRunner(compiled *CompiledFlow, owner *ExecContext) func(ctx context.Context, nodeID string, input interface{}) (interface{}, error) {
	return func(ctx context.Context, nodeID string, input interface{}) (interface{}, error) {
		node := compiled.Node(nodeID)
		if node == nil {
			return nil, core.NewError(core.KindNodeNotFound, "node "+nodeID+" does not exist")
		}
		executor, err := e.registry.Get(node.Kind)
		if err != nil {
			return nil, err
		}
		sub := &ExecContext{
			ExecutionID: owner.ExecutionID,
			FlowID:      owner.FlowID,
			FlowInput:   owner.FlowInput,
			Trigger:     owner.Trigger,
			NodeResults: owner.NodeResults,
			OnStream:    owner.OnStream,
			RunNode:     owner.RunNode,
			AddTokens:   owner.AddTokens,
			Logger:      owner.Logger,
		}
		out, err := executor.Execute(ctx, node, input, sub)
		if err != nil {
			return nil, core.Adapt(err).WithNode(nodeID)
		}
		return out, nil
	}
}

func (e *Engine) finishFailed(ctx context.Context, exec *storage.Execution, emitter *events.FlowEmitter, fe *core.FlowError) {
	if err := Transition(exec, storage.StatusFailed); err != nil {
		e.logger.Error("Illegal terminal transition", map[string]interface{}{
			"operation":    "drive_execution",
			"execution_id": exec.ID,
			"error":        err.Error(),
		})
		return
	}
	exec.Error = &storage.ExecutionError{
		Message: fe.UserMessage(),
		Kind:    string(fe.Kind),
		Context: map[string]interface{}{"detail": fe.Message, "nodeId": fe.Context.NodeID},
	}
	telemetry.RecordSpanError(ctx, fe)
	e.persistExecution(ctx, exec)
	emitter.ExecutionError(ctx, fe)

	e.logger.Warn("Execution failed", map[string]interface{}{
		"operation":    "drive_execution",
		"execution_id": exec.ID,
		"flow_id":      exec.FlowID,
		"node_id":      fe.Context.NodeID,
		"kind":         string(fe.Kind),
		"error":        fe.Message,
	})
}

func (e *Engine) finishCancelled(exec *storage.Execution, emitter *events.FlowEmitter) {
	// The run context is already cancelled; persistence and the terminal
	// event must not be dropped with it.
	ctx := context.Background()
	if err := Transition(exec, storage.StatusCancelled); err != nil {
		e.logger.Error("Illegal terminal transition", map[string]interface{}{
			"operation":    "drive_execution",
			"execution_id": exec.ID,
			"error":        err.Error(),
		})
		return
	}
	e.persistExecution(ctx, exec)
	emitter.ExecutionCancelled(ctx)

	e.logger.Info("Execution cancelled", map[string]interface{}{
		"operation":    "drive_execution",
		"execution_id": exec.ID,
		"flow_id":      exec.FlowID,
	})
}

func (e *Engine) persistExecution(ctx context.Context, exec *storage.Execution) {
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		e.logger.Warn("Failed to persist execution", map[string]interface{}{
			"operation":    "drive_execution",
			"execution_id": exec.ID,
			"status":       string(exec.Status),
			"error":        err.Error(),
		})
	}
}

func (e *Engine) persistBlock(ctx context.Context, be *storage.BlockExecution) {
	if err := e.store.UpdateBlockExecution(ctx, be); err != nil {
		e.logger.Warn("Failed to persist block execution", map[string]interface{}{
			"operation":    "drive_execution",
			"execution_id": be.ExecutionID,
			"node_id":      be.NodeID,
			"error":        err.Error(),
		})
	}
}

func (e *Engine) persistSkipped(ctx context.Context, executionID, nodeID, reason string) {
	now := time.Now().UTC()
	be := &storage.BlockExecution{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		NodeID:      nodeID,
		Status:      storage.StatusSkipped,
		Error:       reason,
		StartedAt:   &now,
		CompletedAt: &now,
	}
	if err := e.store.CreateBlockExecution(ctx, be); err != nil {
		e.logger.Warn("Failed to persist skipped node", map[string]interface{}{
			"operation":    "drive_execution",
			"execution_id": executionID,
			"node_id":      nodeID,
			"error":        err.Error(),
		})
	}
}

// gateReason decides whether a node is excluded from this run. A node is
// live when at least one incoming edge originates from a live upstream
// that either is not a router or is a router that selected this node.
func gateReason(compiled *CompiledFlow, nodeID string, skipped map[string]string, routerTargets map[string]string) (bool, string) {
	incoming := compiled.Flow.IncomingEdges(nodeID)
	if len(incoming) == 0 {
		return false, ""
	}
	routerExcluded := ""
	for _, edge := range incoming {
		if _, wasSkipped := skipped[edge.Source]; wasSkipped {
			continue
		}
		if target, isRouter := routerTargets[edge.Source]; isRouter {
			if target == nodeID {
				return false, ""
			}
			routerExcluded = edge.Source
			continue
		}
		return false, ""
	}
	if routerExcluded != "" {
		return true, "not selected by router " + routerExcluded
	}
	return true, "upstream node skipped"
}

// resolveInput computes a node's input from its live incoming edges:
// none means the flow input, one means that upstream's output, several
// merge into a map keyed by source handle or source id. A router upstream
// contributes the input it captured for the selected branch.
func resolveInput(compiled *CompiledFlow, nodeID string, results map[string]interface{}, flowInput interface{}) interface{} {
	type contribution struct {
		key   string
		value interface{}
	}
	var live []contribution
	for _, edge := range compiled.Flow.IncomingEdges(nodeID) {
		out, ok := results[edge.Source]
		if !ok {
			continue
		}
		value := out
		if source := compiled.Node(edge.Source); source != nil && source.Kind == storage.NodeRouter {
			if m, isMap := out.(map[string]interface{}); isMap {
				if inner, has := m["input"]; has {
					value = inner
				}
			}
		}
		key := edge.SourceHandle
		if key == "" {
			key = edge.Source
		}
		live = append(live, contribution{key: key, value: value})
	}
	switch len(live) {
	case 0:
		return flowInput
	case 1:
		return live[0].value
	default:
		merged := make(map[string]interface{}, len(live))
		for _, c := range live {
			merged[c.key] = c.value
		}
		return merged
	}
}

// collectOutputs builds the execution output from the sink results: a
// single sink contributes its result directly, several key by label or
// node id.
func collectOutputs(compiled *CompiledFlow, results map[string]interface{}, skipped map[string]string) interface{} {
	var ran []*storage.Node
	for _, sink := range compiled.Sinks() {
		if _, wasSkipped := skipped[sink.ID]; wasSkipped {
			continue
		}
		if _, ok := results[sink.ID]; ok {
			ran = append(ran, sink)
		}
	}
	switch len(ran) {
	case 0:
		return nil
	case 1:
		return results[ran[0].ID]
	default:
		out := make(map[string]interface{}, len(ran))
		for _, sink := range ran {
			key := sink.Label
			if key == "" {
				key = sink.ID
			}
			out[key] = results[sink.ID]
		}
		return out
	}
}

func metricsPayload(m storage.ExecutionMetrics) map[string]interface{} {
	return map[string]interface{}{
		"totalNodes":      m.TotalNodes,
		"completedNodes":  m.CompletedNodes,
		"failedNodes":     m.FailedNodes,
		"tokensIn":        m.TokensIn,
		"tokensOut":       m.TokensOut,
		"totalDurationMs": m.TotalDurationMs,
	}
}
