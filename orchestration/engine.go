package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowstack-io/flowstack/ai"
	"github.com/flowstack-io/flowstack/core"
	"github.com/flowstack-io/flowstack/events"
	"github.com/flowstack-io/flowstack/hybrid"
	"github.com/flowstack-io/flowstack/resilience"
	"github.com/flowstack-io/flowstack/sandbox"
	"github.com/flowstack-io/flowstack/storage"
)

// Engine is the flow orchestrator. One Engine serves many concurrent
// executions; each execution runs on its own goroutine with its own
// cancellation handle and event emitter.
type Engine struct {
	store    storage.Store
	cfg      *core.Config
	logger   core.Logger
	registry *ExecutorRegistry
	breakers *resilience.Registry
	tracker  *hybrid.Tracker
	clients  *ai.Registry
	runner   sandbox.Runner
	inserter RowInserter
	notifier Notifier

	mu     sync.Mutex
	active map[string]*activeExecution
}

type activeExecution struct {
	cancel  context.CancelFunc
	emitter *events.FlowEmitter
}

// Option customizes engine construction.
type Option func(*Engine)

// WithConfig overrides the engine configuration.
func WithConfig(cfg *core.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the engine logger.
func WithLogger(logger core.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClients overrides the provider client registry.
func WithClients(r *ai.Registry) Option {
	return func(e *Engine) { e.clients = r }
}

// WithBreakers overrides the circuit breaker registry.
func WithBreakers(r *resilience.Registry) Option {
	return func(e *Engine) { e.breakers = r }
}

// WithSandbox overrides the code sandbox.
func WithSandbox(r sandbox.Runner) Option {
	return func(e *Engine) { e.runner = r }
}

// WithRowInserter enables the database sink.
func WithRowInserter(i RowInserter) Option {
	return func(e *Engine) { e.inserter = i }
}

// WithNotifier sets the notification sink delivery.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// NewEngine builds an engine over a store. All executors for the known
// node kinds are registered; callers may replace them through the
// returned engine's Registry.
func NewEngine(store storage.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		active: make(map[string]*activeExecution),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg == nil {
		e.cfg = core.DefaultConfig()
	}
	if e.logger == nil {
		e.logger = &core.NoOpLogger{}
	}
	if e.clients == nil {
		e.clients = ai.DefaultRegistry()
	}
	if e.breakers == nil {
		e.breakers = resilience.NewRegistry(e.cfg.Breaker, e.logger)
	}
	if e.runner == nil {
		sandboxCfg := sandbox.DefaultConfig()
		if e.cfg.Timeouts.SandboxDefault > 0 {
			sandboxCfg.Timeout = e.cfg.Timeouts.SandboxDefault
		}
		e.runner = sandbox.NewRunner(sandboxCfg, e.logger)
	}
	e.tracker = hybrid.NewTracker(e.logger)

	retry := resilience.PolicyFromConfig(e.cfg.Retry)
	hybridRouter := hybrid.NewRouter(e.cfg.Hybrid, e.logger)

	e.registry = NewExecutorRegistry()
	e.registry.Register(&SourceExecutor{})
	e.registry.Register(NewSinkExecutor(e.cfg.Timeouts, e.inserter, e.notifier, e.logger))
	e.registry.Register(NewFunctionExecutor(e.store, e.runner, retry, e.logger))
	e.registry.Register(NewAIExecutor(e.store, e.clients, hybridRouter, e.tracker, e.runner, e.breakers, retry, e.cfg.Timeouts, e.logger))
	e.registry.Register(NewRouterExecutor(e.store, e.clients, e.breakers, retry, e.logger))
	e.registry.Register(NewParallelExecutor(e.cfg.Parallel, e.logger))
	e.registry.Register(NewLoopExecutor(e.logger))
	return e
}

// Registry exposes the executor registry for replacement or extension.
func (e *Engine) Registry() *ExecutorRegistry { return e.registry }

// Tracker exposes the hybrid fallback tracker.
func (e *Engine) Tracker() *hybrid.Tracker { return e.tracker }

// BreakerStats reports the current circuit breaker states.
func (e *Engine) BreakerStats() map[string]resilience.BreakerStats {
	return e.breakers.Stats()
}

// Execute submits a flow run. The flow is loaded and compiled up front;
// configuration errors (missing flow, soft-deleted version, schema
// violations, cycles) surface immediately and no execution state is
// created. On success the pending execution row is persisted, the driver
// goroutine is spawned, and the row is returned.
func (e *Engine) Execute(ctx context.Context, flowID string, input interface{}, trigger storage.TriggerDescriptor) (*storage.Execution, error) {
	flow, err := e.store.GetFlow(ctx, flowID)
	if err != nil {
		return nil, core.WrapError(core.KindResourceNotFound, "loading flow "+flowID, err)
	}
	if flow.Deleted() {
		return nil, core.NewError(core.KindResourceNotFound,
			fmt.Sprintf("flow %s version %d has been deleted", flowID, flow.Version))
	}
	compiled, err := Compile(flow)
	if err != nil {
		return nil, err
	}
	if trigger.Kind == "" {
		trigger.Kind = storage.TriggerManual
	}

	exec := &storage.Execution{
		ID:          uuid.NewString(),
		FlowID:      flow.ID,
		FlowVersion: flow.Version,
		Status:      storage.StatusPending,
		Input:       input,
		TriggeredBy: trigger,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, core.WrapError(core.KindConnectionFailed, "persisting execution", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	emitter := events.NewFlowEmitter(exec.ID, e.store, e.logger)
	e.mu.Lock()
	e.active[exec.ID] = &activeExecution{cancel: cancel, emitter: emitter}
	e.mu.Unlock()

	e.logger.Info("Execution submitted", map[string]interface{}{
		"operation":    "execute_flow",
		"flow_id":      flow.ID,
		"execution_id": exec.ID,
		"node_count":   len(compiled.Order),
		"trigger":      string(trigger.Kind),
	})

	go e.run(runCtx, compiled, exec, emitter)
	return exec, nil
}

// Cancel requests cooperative cancellation of an execution. Terminal
// executions reject the request with core.ErrExecutionTerminal.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()
	act := e.active[executionID]
	e.mu.Unlock()
	if act != nil {
		act.cancel()
		return nil
	}

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return core.WrapError(core.KindResourceNotFound, "loading execution "+executionID, err)
	}
	if exec.Status.IsTerminal() {
		return core.ErrExecutionTerminal
	}
	// The execution is not running on this instance (crash leftover).
	// Finalize the row and append the terminal event at the next index.
	if err := Transition(exec, storage.StatusCancelled); err != nil {
		return err
	}
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return core.WrapError(core.KindConnectionFailed, "persisting cancellation", err)
	}
	existing, err := e.store.ListEvents(ctx, executionID, 0)
	if err != nil {
		return core.WrapError(core.KindConnectionFailed, "reading event log", err)
	}
	record := events.EventRecord{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Index:       int64(len(existing)),
		Kind:        events.EventExecutionCancelled,
		Timestamp:   time.Now().UTC(),
	}
	if err := e.store.AppendEvent(ctx, record); err != nil {
		e.logger.Warn("Failed to append cancellation event", map[string]interface{}{
			"operation":    "cancel_execution",
			"execution_id": executionID,
			"error":        err.Error(),
		})
	}
	return nil
}

// Replay returns the persisted events of an execution from an index.
func (e *Engine) Replay(ctx context.Context, executionID string, fromIndex int64) ([]events.EventRecord, error) {
	records, err := e.store.ListEvents(ctx, executionID, fromIndex)
	if err != nil {
		return nil, core.WrapError(core.KindConnectionFailed, "replaying events", err)
	}
	return records, nil
}

// GetExecution loads one execution row.
func (e *Engine) GetExecution(ctx context.Context, executionID string) (*storage.Execution, error) {
	return e.store.GetExecution(ctx, executionID)
}

// ListRecentExecutions returns the newest executions first.
func (e *Engine) ListRecentExecutions(ctx context.Context, limit int) ([]*storage.Execution, error) {
	return e.store.ListRecentExecutions(ctx, limit)
}
