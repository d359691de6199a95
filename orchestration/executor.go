package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/flowstack-io/flowstack/core"
	"github.com/flowstack-io/flowstack/storage"
)

// cancelledError maps a context error to the engine taxonomy: deadline
// expiry is a timeout, everything else is cooperative cancellation.
func cancelledError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewTimeoutError("node execution timed out", 0)
	}
	return core.NewCancelledError("execution cancelled")
}

// ExecContext is the per-invocation view a node executor gets of its
// execution. NodeResults is a read-only snapshot; executors must not
// mutate it.
type ExecContext struct {
	ExecutionID string
	FlowID      string
	FlowInput   interface{}
	Trigger     storage.TriggerDescriptor
	NodeResults map[string]interface{}

	// Block is the persisted row for this invocation. Executors may
	// annotate path and fallback fields; the driver persists it.
	Block *storage.BlockExecution

	// OnStream forwards a provider stream payload as a node_stream
	// event. Nil when nobody is listening.
	OnStream func(event interface{})

	// RunNode executes an embedded node (parallel splitter, processor,
	// merger, loop body) as a sub-invocation without its own lifecycle
	// events. Nil outside a driven execution.
	RunNode func(ctx context.Context, nodeID string, input interface{}) (interface{}, error)

	// AddTokens feeds provider token usage into the execution metrics.
	AddTokens func(in, out int64)

	Logger core.Logger
}

// streamOut forwards a payload if a stream listener is attached.
func (ec *ExecContext) streamOut(event interface{}) {
	if ec.OnStream != nil {
		ec.OnStream(event)
	}
}

// Executor runs one node kind. Implementations must honor ctx
// cancellation at every suspension point and return typed errors.
type Executor interface {
	Kind() storage.NodeKind
	Execute(ctx context.Context, node *storage.Node, input interface{}, ec *ExecContext) (interface{}, error)
}

// ExecutorRegistry maps node kinds to executors. It is populated at
// engine construction and read-mostly afterwards.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[storage.NodeKind]Executor
}

// NewExecutorRegistry creates an empty registry.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[storage.NodeKind]Executor)}
}

// Register adds or replaces the executor for its kind.
func (r *ExecutorRegistry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Kind()] = e
}

// Get returns the executor for a kind, or an EXECUTOR_NOT_FOUND error.
func (r *ExecutorRegistry) Get(kind storage.NodeKind) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[kind]
	if !ok {
		return nil, core.NewError(core.KindExecutorNotFound,
			fmt.Sprintf("no executor registered for node kind %q", kind))
	}
	return e, nil
}
