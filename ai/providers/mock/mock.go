// Package mock provides a deterministic ai.Client for tests. Responses
// and failures are scripted; every call is recorded.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/flowstack-io/flowstack/ai"
	"github.com/flowstack-io/flowstack/core"
	"github.com/flowstack-io/flowstack/storage"
)

func init() {
	ai.Register("mock", func(conn *storage.Connection, logger core.Logger) (ai.Client, error) {
		return NewClient(), nil
	})
}

// Call records one invocation of the client.
type Call struct {
	Prompt    string
	Options   *ai.Options
	Streaming bool
}

// Client is a scripted ai.Client. Configure it with Respond, RespondWith,
// and FailTimes before use. The zero value returned by NewClient echoes
// the prompt back.
type Client struct {
	mu sync.Mutex

	content      string
	model        string
	usage        ai.TokenUsage
	chunkSize    int
	failuresLeft int
	failStatus   int
	failMessage  string
	calls        []Call
}

// NewClient creates a mock that echoes prompts until scripted otherwise.
func NewClient() *Client {
	return &Client{model: "mock-model", chunkSize: 8}
}

// Respond sets the content returned by subsequent calls.
func (c *Client) Respond(content string) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.content = content
	return c
}

// RespondWith sets content together with the reported usage.
func (c *Client) RespondWith(content string, usage ai.TokenUsage) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.content = content
	c.usage = usage
	return c
}

// FailTimes makes the next n calls fail with the given HTTP status before
// the client starts succeeding again.
func (c *Client) FailTimes(n, status int, message string) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failuresLeft = n
	c.failStatus = status
	c.failMessage = message
	return c
}

// ChunkSize sets how many bytes each stream chunk carries.
func (c *Client) ChunkSize(n int) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > 0 {
		c.chunkSize = n
	}
	return c
}

// Calls returns a copy of the recorded invocations.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount returns how many times the client was invoked.
func (c *Client) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// SupportsStreaming always reports true.
func (c *Client) SupportsStreaming() bool { return true }

// Provider returns "mock".
func (c *Client) Provider() string { return "mock" }

func (c *Client) begin(prompt string, options *ai.Options, streaming bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Prompt: prompt, Options: options, Streaming: streaming})
	if c.failuresLeft > 0 {
		c.failuresLeft--
		msg := c.failMessage
		if msg == "" {
			msg = "scripted failure"
		}
		return "", core.NewProviderError("mock", c.failStatus, msg)
	}
	content := c.content
	if content == "" {
		content = "echo: " + prompt
	}
	return content, nil
}

// GenerateResponse returns the scripted content or failure.
func (c *Client) GenerateResponse(ctx context.Context, prompt string, options *ai.Options) (*ai.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.NewCancelledError("generation cancelled")
	}
	content, err := c.begin(prompt, options, false)
	if err != nil {
		return nil, err
	}
	return c.response(content), nil
}

// StreamResponse delivers the scripted content in fixed-size chunks.
func (c *Client) StreamResponse(ctx context.Context, prompt string, options *ai.Options, callback ai.StreamCallback) (*ai.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.NewCancelledError("stream cancelled")
	}
	content, err := c.begin(prompt, options, true)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	size := c.chunkSize
	c.mu.Unlock()

	index := 0
	remaining := content
	for len(remaining) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, core.NewCancelledError("stream cancelled")
		}
		n := size
		if n > len(remaining) {
			n = len(remaining)
		}
		piece := remaining[:n]
		remaining = remaining[n:]
		if callback != nil {
			if err := callback(ai.StreamChunk{Content: piece, Index: index}); err != nil {
				return nil, core.WrapError(core.KindExecutionFailed, "stream callback aborted", err)
			}
		}
		index++
	}
	if callback != nil {
		if err := callback(ai.StreamChunk{Index: index, FinishReason: "stop"}); err != nil {
			return nil, core.WrapError(core.KindExecutionFailed, "stream callback aborted", err)
		}
	}
	return c.response(content), nil
}

func (c *Client) response(content string) *ai.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	usage := c.usage
	if usage.TotalTokens == 0 {
		usage = ai.TokenUsage{
			PromptTokens:     8,
			CompletionTokens: len(strings.Fields(content)),
		}
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return &ai.Response{Content: content, Model: c.model, Usage: usage}
}
