// Package ai defines the provider abstraction the engine calls models
// through. Providers implement Client; the registry maps a connection's
// provider name to a factory.
package ai

import (
	"context"
)

// Options configures one generation request.
type Options struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	SystemPrompt string
}

// TokenUsage reports token consumption for one request.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Response is a completed generation.
type Response struct {
	Content string     `json:"content"`
	Model   string     `json:"model"`
	Usage   TokenUsage `json:"usage"`
}

// StreamChunk is one incremental piece of a streamed generation.
type StreamChunk struct {
	Content      string `json:"content"`
	Index        int    `json:"index"`
	FinishReason string `json:"finishReason,omitempty"`
}

// StreamCallback receives chunks in order. Returning an error aborts the
// stream.
type StreamCallback func(chunk StreamChunk) error

// Client is a provider-backed model client. StreamResponse must deliver
// chunks in order and still return the assembled Response; providers
// without native streaming may emit the whole content as one chunk.
type Client interface {
	GenerateResponse(ctx context.Context, prompt string, options *Options) (*Response, error)
	StreamResponse(ctx context.Context, prompt string, options *Options, callback StreamCallback) (*Response, error)
	SupportsStreaming() bool
	Provider() string
}
