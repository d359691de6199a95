package orchestration

import (
	"context"

	"github.com/flowstack-io/flowstack/core"
	"github.com/flowstack-io/flowstack/resilience"
	"github.com/flowstack-io/flowstack/sandbox"
	"github.com/flowstack-io/flowstack/storage"
)

// FunctionExecutor runs user code in the sandbox. The code comes from the
// referenced block or inline node data; a transient failure gets one
// retry.
type FunctionExecutor struct {
	blocks storage.BlockStore
	runner sandbox.Runner
	retry  resilience.RetryPolicy
	logger core.Logger
}

// NewFunctionExecutor builds the function executor. The retry policy is
// derived from base with attempts clamped to two.
func NewFunctionExecutor(blocks storage.BlockStore, runner sandbox.Runner, base resilience.RetryPolicy, logger core.Logger) *FunctionExecutor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	policy := base
	policy.MaxAttempts = 2
	policy.Logger = logger
	return &FunctionExecutor{blocks: blocks, runner: runner, retry: policy, logger: logger}
}

func (e *FunctionExecutor) Kind() storage.NodeKind { return storage.NodeFunction }

func (e *FunctionExecutor) Execute(ctx context.Context, node *storage.Node, input interface{}, ec *ExecContext) (interface{}, error) {
	code, err := e.resolveCode(ctx, node)
	if err != nil {
		return nil, err
	}

	var output interface{}
	err = resilience.Retry(ctx, e.retry, func(ctx context.Context) error {
		out, runErr := e.runner.Run(ctx, code, input)
		if runErr != nil {
			return runErr
		}
		output = out
		return nil
	})
	if err != nil {
		return nil, core.Adapt(err).WithNode(node.ID)
	}
	return output, nil
}

func (e *FunctionExecutor) resolveCode(ctx context.Context, node *storage.Node) (string, error) {
	if code := stringField(node.Data, "code"); code != "" {
		return code, nil
	}
	blockID := stringField(node.Data, "blockId")
	if blockID == "" {
		return "", core.NewValidationError("function node has no code",
			core.FieldIssue{Field: "code", Message: "inline code or a blockId is required"})
	}
	block, err := e.blocks.GetBlock(ctx, blockID)
	if err != nil {
		return "", core.WrapError(core.KindResourceNotFound, "loading function block "+blockID, err)
	}
	if block.Code == "" {
		return "", core.NewValidationError("function block "+blockID+" has no code",
			core.FieldIssue{Field: "code", Message: "block contains no code"})
	}
	return block.Code, nil
}
