package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstack-io/flowstack/ai"
	"github.com/flowstack-io/flowstack/core"
	"github.com/flowstack-io/flowstack/storage"
)

func testConnection(baseURL string) *storage.Connection {
	return &storage.Connection{
		Provider: "openai",
		BaseURL:  baseURL,
		APIKey:   "test-key",
		Model:    "gpt-4o-mini",
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient(&storage.Connection{Provider: "openai"}, nil)
	require.Error(t, err)
	assert.Equal(t, core.KindProviderAuthFailed, core.KindOf(err))
}

func TestGenerateResponse(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, jsonDecode(r, &gotBody))
		fmt.Fprint(w, `{
			"model": "gpt-4o-mini",
			"choices": [{"message": {"content": "positive"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`)
	}))
	defer server.Close()

	client, err := NewClient(testConnection(server.URL), nil)
	require.NoError(t, err)

	resp, err := client.GenerateResponse(context.Background(), "classify this", &ai.Options{
		SystemPrompt: "You classify sentiment.",
		MaxTokens:    64,
	})
	require.NoError(t, err)

	assert.Equal(t, "positive", resp.Content)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, "Bearer test-key", gotAuth)
	require.Len(t, gotBody.Messages, 2)
	assert.Equal(t, "system", gotBody.Messages[0].Role)
	assert.Equal(t, "classify this", gotBody.Messages[1].Content)
	assert.False(t, gotBody.Stream)
}

func TestGenerateResponseAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"message": "Rate limit reached", "type": "rate_limit_error"}}`)
	}))
	defer server.Close()

	client, err := NewClient(testConnection(server.URL), nil)
	require.NoError(t, err)

	_, err = client.GenerateResponse(context.Background(), "hi", nil)
	require.Error(t, err)

	var fe *core.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, core.KindProviderRateLimit, fe.Kind)
	assert.Equal(t, 429, fe.StatusCode)
	assert.Contains(t, fe.Message, "Rate limit reached")
	assert.True(t, core.IsRetryable(err))
}

func TestGenerateResponseAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": {"message": "Incorrect API key"}}`)
	}))
	defer server.Close()

	client, err := NewClient(testConnection(server.URL), nil)
	require.NoError(t, err)

	_, err = client.GenerateResponse(context.Background(), "hi", nil)
	require.Error(t, err)
	assert.Equal(t, core.KindProviderAuthFailed, core.KindOf(err))
	assert.False(t, core.IsRetryable(err))
}

func TestGenerateResponseEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"model": "gpt-4o-mini", "choices": []}`)
	}))
	defer server.Close()

	client, err := NewClient(testConnection(server.URL), nil)
	require.NoError(t, err)

	_, err = client.GenerateResponse(context.Background(), "hi", nil)
	require.Error(t, err)
	assert.Equal(t, core.KindProviderError, core.KindOf(err))
}

func TestStreamResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, jsonDecode(r, &req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"model\":\"gpt-4o-mini\",\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2,\"total_tokens\":7}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client, err := NewClient(testConnection(server.URL), nil)
	require.NoError(t, err)

	var chunks []ai.StreamChunk
	resp, err := client.StreamResponse(context.Background(), "say hello", nil, func(chunk ai.StreamChunk) error {
		chunks = append(chunks, chunk)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello", resp.Content)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
	assert.Equal(t, 7, resp.Usage.TotalTokens)

	require.Len(t, chunks, 3)
	assert.Equal(t, "Hel", chunks[0].Content)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, "lo", chunks[1].Content)
	assert.Equal(t, 1, chunks[1].Index)
	assert.Equal(t, "stop", chunks[2].FinishReason)
	assert.Empty(t, chunks[2].Content)
}

func TestStreamResponseCallbackAbort(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client, err := NewClient(testConnection(server.URL), nil)
	require.NoError(t, err)

	_, err = client.StreamResponse(context.Background(), "hi", nil, func(chunk ai.StreamChunk) error {
		return fmt.Errorf("consumer gone")
	})
	require.Error(t, err)
	assert.Equal(t, core.KindExecutionFailed, core.KindOf(err))
}

func TestStreamResponseAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error": {"message": "The server is overloaded"}}`)
	}))
	defer server.Close()

	client, err := NewClient(testConnection(server.URL), nil)
	require.NoError(t, err)

	_, err = client.StreamResponse(context.Background(), "hi", nil, nil)
	require.Error(t, err)
	assert.Equal(t, core.KindProviderUnavailable, core.KindOf(err))
	assert.True(t, core.IsRetryable(err))
}

func TestClientDefaults(t *testing.T) {
	client, err := NewClient(&storage.Connection{Provider: "openai", APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultBaseURL, client.baseURL)
	assert.Equal(t, defaultModel, client.defaultModel)
	assert.Equal(t, "openai", client.Provider())
	assert.True(t, client.SupportsStreaming())
}

func TestRegisteredInDefaultRegistry(t *testing.T) {
	client, err := ai.DefaultRegistry().Create(testConnection("http://localhost:0"), nil)
	require.NoError(t, err)
	assert.Equal(t, "openai", client.Provider())
}

func jsonDecode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
