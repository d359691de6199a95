package orchestration

import (
	"context"
	"sync"

	"github.com/flowstack-io/flowstack/core"
	"github.com/flowstack-io/flowstack/storage"
)

// ParallelExecutor fans chunks out over a processor node. An optional
// splitter produces the chunks, an optional merger combines the results.
// Result order always equals chunk order, whatever order the work
// finishes in.
type ParallelExecutor struct {
	maxConcurrency int
	logger         core.Logger
}

// NewParallelExecutor builds the parallel executor. Zero max concurrency
// means unbounded fan-out.
func NewParallelExecutor(cfg core.ParallelConfig, logger core.Logger) *ParallelExecutor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &ParallelExecutor{maxConcurrency: cfg.MaxConcurrency, logger: logger}
}

func (e *ParallelExecutor) Kind() storage.NodeKind { return storage.NodeParallel }

func (e *ParallelExecutor) Execute(ctx context.Context, node *storage.Node, input interface{}, ec *ExecContext) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancelledError(err)
	}
	if ec.RunNode == nil {
		return nil, core.NewError(core.KindExecutionFailed, "parallel node requires a driving execution")
	}
	processorID := stringField(node.Data, "processorNodeId")
	if processorID == "" {
		return nil, core.NewValidationError("parallel node has no processor",
			core.FieldIssue{Field: "processorNodeId", Message: "a processor node is required"})
	}

	source := input
	if splitterID := stringField(node.Data, "splitterNodeId"); splitterID != "" {
		out, err := ec.RunNode(ctx, splitterID, input)
		if err != nil {
			return nil, err
		}
		source = out
	}
	chunks := toChunks(source)

	e.logger.Debug("Dispatching parallel chunks", map[string]interface{}{
		"operation":       "parallel_dispatch",
		"node_id":         node.ID,
		"chunk_count":     len(chunks),
		"max_concurrency": e.maxConcurrency,
	})

	results, err := e.dispatch(ctx, processorID, chunks, ec)
	if err != nil {
		return nil, err
	}

	if mergerID := stringField(node.Data, "mergerNodeId"); mergerID != "" {
		return ec.RunNode(ctx, mergerID, map[string]interface{}{
			"results":       results,
			"originalInput": input,
		})
	}
	return map[string]interface{}{
		"results":     results,
		"totalChunks": len(chunks),
	}, nil
}

// dispatch runs the processor once per chunk. The first error cancels
// the remaining work and is returned; results keep chunk order.
func (e *ParallelExecutor) dispatch(ctx context.Context, processorID string, chunks []interface{}, ec *ExecContext) ([]interface{}, error) {
	fanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var semaphore chan struct{}
	if e.maxConcurrency > 0 {
		semaphore = make(chan struct{}, e.maxConcurrency)
	}

	results := make([]interface{}, len(chunks))
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for i, chunk := range chunks {
		if fanCtx.Err() != nil {
			break
		}
		if semaphore != nil {
			select {
			case semaphore <- struct{}{}:
			case <-fanCtx.Done():
			}
			if fanCtx.Err() != nil {
				break
			}
		}
		wg.Add(1)
		go func(i int, chunk interface{}) {
			defer wg.Done()
			if semaphore != nil {
				defer func() { <-semaphore }()
			}
			out, err := ec.RunNode(fanCtx, processorID, chunk)
			if err != nil {
				errOnce.Do(func() {
					firstErr = err
					cancel()
				})
				return
			}
			results[i] = out
		}(i, chunk)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, cancelledError(err)
	}
	return results, nil
}

// toChunks normalizes splitter output: an array is used as-is, a {chunks}
// object contributes its array, anything else becomes a single chunk.
func toChunks(v interface{}) []interface{} {
	switch val := v.(type) {
	case []interface{}:
		return val
	case map[string]interface{}:
		if chunks, ok := val["chunks"].([]interface{}); ok {
			return chunks
		}
	}
	return []interface{}{v}
}
