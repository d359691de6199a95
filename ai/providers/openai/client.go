// Package openai implements the ai.Client interface against the OpenAI
// chat completions API, including SSE streaming.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flowstack-io/flowstack/ai"
	"github.com/flowstack-io/flowstack/core"
	"github.com/flowstack-io/flowstack/storage"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
)

func init() {
	ai.Register("openai", func(conn *storage.Connection, logger core.Logger) (ai.Client, error) {
		return NewClient(conn, logger)
	})
}

// Client talks to the OpenAI chat completions endpoint.
type Client struct {
	apiKey       string
	baseURL      string
	defaultModel string
	provider     string
	httpClient   *http.Client
	logger       core.Logger
}

// NewClient builds a client from a stored connection. The API key must be
// present; base URL and model fall back to OpenAI defaults.
func NewClient(conn *storage.Connection, logger core.Logger) (*Client, error) {
	if conn.APIKey == "" {
		return nil, core.NewError(core.KindProviderAuthFailed,
			"openai connection has no API key")
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	baseURL := strings.TrimSuffix(conn.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := conn.Model
	if model == "" {
		model = defaultModel
	}
	provider := conn.Provider
	if provider == "" {
		provider = "openai"
	}
	return &Client{
		apiKey:       conn.APIKey,
		baseURL:      baseURL,
		defaultModel: model,
		provider:     provider,
		httpClient:   &http.Client{Timeout: 120 * time.Second},
		logger:       logger,
	}, nil
}

// SupportsStreaming reports native SSE support.
func (c *Client) SupportsStreaming() bool { return true }

// Provider returns the connection's provider name.
func (c *Client) Provider() string { return c.provider }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage usagePayload `json:"usage"`
}

type usagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usagePayload `json:"usage"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *Client) buildRequest(prompt string, options *ai.Options, stream bool) chatRequest {
	if options == nil {
		options = &ai.Options{}
	}
	model := options.Model
	if model == "" {
		model = c.defaultModel
	}
	messages := make([]chatMessage, 0, 2)
	if options.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: options.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})
	return chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
		Stream:      stream,
	}
}

func (c *Client) send(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, core.WrapError(core.KindInvalidInput, "marshaling chat request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, core.WrapError(core.KindProviderError, "building chat request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.NewCancelledError("chat request cancelled")
		}
		return nil, core.WrapError(core.KindNetworkError, "sending chat request", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, c.apiError(resp.StatusCode, raw)
	}
	return resp, nil
}

func (c *Client) apiError(status int, body []byte) error {
	msg := fmt.Sprintf("chat completion failed with status %d", status)
	var parsed apiErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
	}
	c.logger.Error("Chat completion request failed", map[string]interface{}{
		"operation":   "ai_request",
		"provider":    c.provider,
		"status_code": status,
		"error":       msg,
	})
	return core.NewProviderError(c.provider, status, msg)
}

// GenerateResponse performs one non-streaming chat completion.
func (c *Client) GenerateResponse(ctx context.Context, prompt string, options *ai.Options) (*ai.Response, error) {
	start := time.Now()
	body := c.buildRequest(prompt, options, false)

	resp, err := c.send(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.WrapError(core.KindNetworkError, "reading chat response", err)
	}
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, core.WrapError(core.KindProviderError, "parsing chat response", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, core.NewError(core.KindProviderError, "chat response contained no choices")
	}

	c.logger.Debug("Chat completion finished", map[string]interface{}{
		"operation":    "ai_response",
		"provider":     c.provider,
		"model":        parsed.Model,
		"total_tokens": parsed.Usage.TotalTokens,
		"duration_ms":  time.Since(start).Milliseconds(),
	})
	return &ai.Response{
		Content: parsed.Choices[0].Message.Content,
		Model:   parsed.Model,
		Usage: ai.TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

// StreamResponse performs a streaming chat completion, invoking callback
// for each content delta. The assembled response is returned once the
// stream terminates.
func (c *Client) StreamResponse(ctx context.Context, prompt string, options *ai.Options, callback ai.StreamCallback) (*ai.Response, error) {
	start := time.Now()
	body := c.buildRequest(prompt, options, true)

	resp, err := c.send(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var (
		content      strings.Builder
		model        string
		usage        usagePayload
		finishReason string
		chunkIndex   int
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("Skipping malformed stream chunk", map[string]interface{}{
				"operation": "ai_stream",
				"provider":  c.provider,
				"error":     err.Error(),
			})
			continue
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if choice.Delta.Content == "" {
			continue
		}
		content.WriteString(choice.Delta.Content)
		if callback != nil {
			if err := callback(ai.StreamChunk{Content: choice.Delta.Content, Index: chunkIndex}); err != nil {
				return nil, core.WrapError(core.KindExecutionFailed, "stream callback aborted", err)
			}
		}
		chunkIndex++
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, core.NewCancelledError("chat stream cancelled")
		}
		return nil, core.WrapError(core.KindNetworkError, "reading chat stream", err)
	}
	if callback != nil && finishReason != "" {
		if err := callback(ai.StreamChunk{Index: chunkIndex, FinishReason: finishReason}); err != nil {
			return nil, core.WrapError(core.KindExecutionFailed, "stream callback aborted", err)
		}
	}

	if model == "" {
		if options != nil && options.Model != "" {
			model = options.Model
		} else {
			model = c.defaultModel
		}
	}
	c.logger.Debug("Chat stream finished", map[string]interface{}{
		"operation":    "ai_stream",
		"provider":     c.provider,
		"model":        model,
		"chunks":       chunkIndex,
		"total_tokens": usage.TotalTokens,
		"duration_ms":  time.Since(start).Milliseconds(),
	})
	return &ai.Response{
		Content: content.String(),
		Model:   model,
		Usage: ai.TokenUsage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		},
	}, nil
}
