package storage

import (
	"context"

	"github.com/flowstack-io/flowstack/events"
)

// FlowStore reads and writes flow definitions.
type FlowStore interface {
	// GetFlow returns the flow or core.ErrFlowNotFound. Soft-deleted flows
	// are returned as-is; callers check Deleted().
	GetFlow(ctx context.Context, flowID string) (*Flow, error)
	SaveFlow(ctx context.Context, flow *Flow) error
}

// BlockStore reads block and connection configuration referenced by nodes.
type BlockStore interface {
	GetBlock(ctx context.Context, blockID string) (*Block, error)
	SaveBlock(ctx context.Context, block *Block) error
	GetConnection(ctx context.Context, connectionID string) (*Connection, error)
	SaveConnection(ctx context.Context, conn *Connection) error
}

// ExecutionStore persists execution and block-execution rows.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *Execution) error
	UpdateExecution(ctx context.Context, exec *Execution) error
	// GetExecution returns the execution or core.ErrExecutionNotFound.
	GetExecution(ctx context.Context, executionID string) (*Execution, error)
	// ListRecentExecutions returns up to limit executions, newest first.
	ListRecentExecutions(ctx context.Context, limit int) ([]*Execution, error)

	CreateBlockExecution(ctx context.Context, be *BlockExecution) error
	UpdateBlockExecution(ctx context.Context, be *BlockExecution) error
	// ListBlockExecutions returns an execution's block rows in start order.
	ListBlockExecutions(ctx context.Context, executionID string) ([]*BlockExecution, error)
}

// Store is the full persistence surface the engine depends on. The event
// log methods come from events.Store; implementations must enforce
// uniqueness of (executionID, index) on appended events.
type Store interface {
	FlowStore
	BlockStore
	ExecutionStore
	events.Store
}
