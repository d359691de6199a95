package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/flowstack-io/flowstack/ai"
	"github.com/flowstack-io/flowstack/core"
	"github.com/flowstack-io/flowstack/hybrid"
	"github.com/flowstack-io/flowstack/resilience"
	"github.com/flowstack-io/flowstack/sandbox"
	"github.com/flowstack-io/flowstack/storage"
)

// AIExecutor runs ai nodes. Each invocation consults the hybrid router;
// the code path goes through the sandbox under a short hard timeout and
// falls back to the model on any failure. The model path is wrapped in
// the provider's circuit breaker and the retry policy.
type AIExecutor struct {
	blocks        storage.BlockStore
	clients       *ai.Registry
	hybridRouter  *hybrid.Router
	tracker       *hybrid.Tracker
	runner        sandbox.Runner
	breakers      *resilience.Registry
	retry         resilience.RetryPolicy
	hybridTimeout time.Duration
	streamIdle    time.Duration
	logger        core.Logger
}

// NewAIExecutor wires the ai node executor.
func NewAIExecutor(blocks storage.BlockStore, clients *ai.Registry, hybridRouter *hybrid.Router, tracker *hybrid.Tracker, runner sandbox.Runner, breakers *resilience.Registry, retry resilience.RetryPolicy, timeouts core.TimeoutConfig, logger core.Logger) *AIExecutor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	hybridTimeout := timeouts.HybridCode
	if hybridTimeout <= 0 {
		hybridTimeout = 5 * time.Second
	}
	streamIdle := timeouts.StreamIdle
	if streamIdle <= 0 {
		streamIdle = 30 * time.Second
	}
	retry.Logger = logger
	return &AIExecutor{
		blocks:        blocks,
		clients:       clients,
		hybridRouter:  hybridRouter,
		tracker:       tracker,
		runner:        runner,
		breakers:      breakers,
		retry:         retry,
		hybridTimeout: hybridTimeout,
		streamIdle:    streamIdle,
		logger:        logger,
	}
}

func (e *AIExecutor) Kind() storage.NodeKind { return storage.NodeAI }

func (e *AIExecutor) Execute(ctx context.Context, node *storage.Node, input interface{}, ec *ExecContext) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancelledError(err)
	}

	block, err := e.resolveBlock(ctx, node)
	if err != nil {
		return nil, err
	}

	mode := hybrid.ParseMode(e.executionMode(node, block))
	// ab_test bucketing keys on the block so the same block always takes
	// the same path, whatever node it is wired into.
	decisionKey := block.ID
	if decisionKey == "" {
		decisionKey = node.ID
	}
	decision := e.hybridRouter.Decide(decisionKey, mode, block.GeneratedCode, input)
	if ec.Block != nil {
		decision.Apply(ec.Block)
	}
	e.tracker.RecordDecision(ec.ExecutionID, node.ID, decision)

	if decision.Path == storage.PathCode {
		out, codeErr := e.runCode(ctx, block.GeneratedCode, input)
		if codeErr == nil {
			return out, nil
		}
		if core.IsCancelled(codeErr) {
			return nil, codeErr
		}
		e.tracker.RecordFallback(ec.ExecutionID, node.ID, codeErr)
		if ec.Block != nil {
			ec.Block.ExecutionPath = storage.PathAI
			ec.Block.FallbackReason = core.Adapt(codeErr).Message
		}
	}

	return e.runModel(ctx, node, block, input, ec)
}

func (e *AIExecutor) resolveBlock(ctx context.Context, node *storage.Node) (*storage.Block, error) {
	blockID := stringField(node.Data, "blockId")
	if blockID != "" {
		block, err := e.blocks.GetBlock(ctx, blockID)
		if err != nil {
			return nil, core.WrapError(core.KindResourceNotFound, "loading block "+blockID, err)
		}
		return block, nil
	}
	// Inline configuration: the node data carries the block fields.
	block := &storage.Block{
		Kind:          "ai",
		Prompt:        stringField(node.Data, "prompt"),
		Model:         stringField(node.Data, "model"),
		ConnectionID:  stringField(node.Data, "connectionId"),
		GeneratedCode: stringField(node.Data, "generatedCode"),
	}
	if block.Prompt == "" {
		return nil, core.NewValidationError("ai node has no prompt",
			core.FieldIssue{Field: "prompt", Message: "a prompt or a blockId is required"})
	}
	return block, nil
}

func (e *AIExecutor) executionMode(node *storage.Node, block *storage.Block) string {
	if mode := stringField(node.Data, "executionMode"); mode != "" {
		return mode
	}
	if block.Config != nil {
		if mode, ok := block.Config["executionMode"].(string); ok {
			return mode
		}
	}
	return ""
}

func (e *AIExecutor) runCode(ctx context.Context, code string, input interface{}) (interface{}, error) {
	codeCtx, cancel := context.WithTimeout(ctx, e.hybridTimeout)
	defer cancel()
	return e.runner.Run(codeCtx, code, input)
}

func (e *AIExecutor) runModel(ctx context.Context, node *storage.Node, block *storage.Block, input interface{}, ec *ExecContext) (interface{}, error) {
	if block.ConnectionID == "" {
		return nil, core.NewValidationError("ai node has no connection",
			core.FieldIssue{Field: "connectionId", Message: "a provider connection is required"})
	}
	conn, err := e.blocks.GetConnection(ctx, block.ConnectionID)
	if err != nil {
		return nil, core.WrapError(core.KindResourceNotFound, "loading connection "+block.ConnectionID, err)
	}
	client, err := e.clients.Create(conn, e.logger)
	if err != nil {
		return nil, err
	}

	prompt := RenderPrompt(block.Prompt, input)
	opts := &ai.Options{Model: block.Model}
	breaker := e.breakers.Get("provider:" + client.Provider())

	resp, err := generateWithResilience(ctx, client, prompt, opts, breaker, e.retry, e.streamIdle, func(chunk ai.StreamChunk) error {
		payload := map[string]interface{}{"content": chunk.Content, "chunkIndex": chunk.Index}
		if chunk.FinishReason != "" {
			payload["finishReason"] = chunk.FinishReason
		}
		ec.streamOut(payload)
		return nil
	})
	if err != nil {
		return nil, core.Adapt(err).WithNode(node.ID)
	}
	if ec.AddTokens != nil {
		ec.AddTokens(int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens))
	}
	return parseModelOutput(resp.Content), nil
}

// generateWithResilience calls a model under the breaker and retry
// policy, streaming when the client supports it. A positive idle
// duration bounds the silence between stream chunks; the watchdog resets
// on every chunk.
func generateWithResilience(ctx context.Context, client ai.Client, prompt string, opts *ai.Options, breaker *resilience.Breaker, policy resilience.RetryPolicy, idle time.Duration, onChunk ai.StreamCallback) (*ai.Response, error) {
	var resp *ai.Response
	err := resilience.RetryWithBreaker(ctx, policy, breaker, func(ctx context.Context) error {
		var callErr error
		if onChunk != nil && client.SupportsStreaming() {
			streamCtx := ctx
			chunk := onChunk
			if idle > 0 {
				var cancel context.CancelFunc
				streamCtx, cancel = context.WithCancel(ctx)
				defer cancel()
				watchdog := time.AfterFunc(idle, cancel)
				defer watchdog.Stop()
				chunk = func(c ai.StreamChunk) error {
					watchdog.Reset(idle)
					return onChunk(c)
				}
			}
			resp, callErr = client.StreamResponse(streamCtx, prompt, opts, chunk)
			if callErr != nil && streamCtx.Err() != nil && ctx.Err() == nil {
				callErr = core.NewTimeoutError("model stream went idle", idle.Milliseconds())
			}
		} else {
			resp, callErr = client.GenerateResponse(ctx, prompt, opts)
		}
		if callErr != nil {
			return core.Adapt(callErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

var promptPlaceholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.$\[\]]+)\s*\}\}`)

// RenderPrompt substitutes {{input}} and {{input.path}} placeholders with
// values from the node input. A prompt without placeholders gets the
// input appended as a JSON block.
func RenderPrompt(prompt string, input interface{}) string {
	if !promptPlaceholderRe.MatchString(prompt) {
		encoded, err := json.Marshal(input)
		if err != nil {
			return prompt
		}
		return prompt + "\n\nInput:\n" + string(encoded)
	}
	return promptPlaceholderRe.ReplaceAllStringFunc(prompt, func(match string) string {
		path := promptPlaceholderRe.FindStringSubmatch(match)[1]
		path = strings.TrimPrefix(path, "$")
		if path == "input" {
			return stringifyValue(input)
		}
		if rest, ok := strings.CutPrefix(path, "input."); ok {
			if v, found := core.GetNestedValue(input, rest); found {
				return stringifyValue(v)
			}
			return ""
		}
		return match
	})
}

func stringifyValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(encoded)
	}
}

// parseModelOutput promotes structured model responses. JSON objects and
// arrays are decoded; everything else is wrapped as {content}.
func parseModelOutput(content string) interface{} {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var parsed interface{}
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return parsed
		}
	}
	return map[string]interface{}{"content": content}
}
