package mock

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstack-io/flowstack/ai"
	"github.com/flowstack-io/flowstack/core"
	"github.com/flowstack-io/flowstack/storage"
)

func TestEchoesPromptByDefault(t *testing.T) {
	client := NewClient()
	resp, err := client.GenerateResponse(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", resp.Content)
	assert.NotZero(t, resp.Usage.TotalTokens)
}

func TestScriptedResponseAndCallRecording(t *testing.T) {
	client := NewClient().RespondWith("positive", ai.TokenUsage{PromptTokens: 10, CompletionTokens: 1, TotalTokens: 11})

	resp, err := client.GenerateResponse(context.Background(), "classify", &ai.Options{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "positive", resp.Content)
	assert.Equal(t, 11, resp.Usage.TotalTokens)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "classify", calls[0].Prompt)
	assert.False(t, calls[0].Streaming)
}

func TestFailTimesThenSucceed(t *testing.T) {
	client := NewClient().Respond("ok").FailTimes(2, 429, "rate limited")

	for i := 0; i < 2; i++ {
		_, err := client.GenerateResponse(context.Background(), "p", nil)
		require.Error(t, err)
		assert.Equal(t, core.KindProviderRateLimit, core.KindOf(err))
		assert.True(t, core.IsRetryable(err))
	}

	resp, err := client.GenerateResponse(context.Background(), "p", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, client.CallCount())
}

func TestStreamChunksInOrder(t *testing.T) {
	client := NewClient().Respond("abcdefghij").ChunkSize(4)

	var chunks []ai.StreamChunk
	resp, err := client.StreamResponse(context.Background(), "p", nil, func(chunk ai.StreamChunk) error {
		chunks = append(chunks, chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij", resp.Content)

	require.Len(t, chunks, 4)
	var rebuilt strings.Builder
	for i, chunk := range chunks[:3] {
		assert.Equal(t, i, chunk.Index)
		rebuilt.WriteString(chunk.Content)
	}
	assert.Equal(t, "abcdefghij", rebuilt.String())
	assert.Equal(t, "stop", chunks[3].FinishReason)
}

func TestStreamRespectsCancellation(t *testing.T) {
	client := NewClient().Respond("content")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.StreamResponse(ctx, "p", nil, nil)
	require.Error(t, err)
	assert.True(t, core.IsCancelled(err))
	assert.Zero(t, client.CallCount())
}

func TestRegisteredInDefaultRegistry(t *testing.T) {
	client, err := ai.DefaultRegistry().Create(&storage.Connection{Provider: "mock"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "mock", client.Provider())
}
