package llms

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectChunks(t *testing.T, ch <-chan StreamChunk) []StreamChunk {
	t.Helper()
	var chunks []StreamChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	return chunks
}

func TestAnthropicGenerateStreamingText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))

		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"type":"message_start"}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"message_delta","usage":{"output_tokens":12}}`,
			`{"type":"message_stop"}`,
		}
		for _, frame := range frames {
			_, _ = w.Write([]byte("data: " + frame + "\n\n"))
		}
	}))
	defer server.Close()

	provider := NewAnthropicProvider("test-key", "claude-3-5-sonnet-latest")
	provider.host = server.URL

	ch, err := provider.GenerateStreaming(context.Background(), []Message{
		{Role: RoleSystem, Content: "Be brief."},
		{Role: RoleUser, Content: "Say hello"},
	}, nil)
	require.NoError(t, err)

	chunks := collectChunks(t, ch)
	require.Len(t, chunks, 3)
	assert.Equal(t, StreamChunk{Type: ChunkTypeText, Text: "Hello"}, chunks[0])
	assert.Equal(t, StreamChunk{Type: ChunkTypeText, Text: " world"}, chunks[1])
	assert.Equal(t, ChunkTypeDone, chunks[2].Type)
	assert.Equal(t, 12, chunks[2].Tokens)
}

func TestAnthropicGenerateStreamingToolCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		frames := []string{
			`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"Paris\"}"}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"message_stop"}`,
		}
		for _, frame := range frames {
			_, _ = w.Write([]byte("data: " + frame + "\n\n"))
		}
	}))
	defer server.Close()

	provider := NewAnthropicProvider("test-key", "claude-3-5-sonnet-latest")
	provider.host = server.URL

	ch, err := provider.GenerateStreaming(context.Background(), []Message{
		{Role: RoleUser, Content: "Weather in Paris?"},
	}, []ToolDefinition{{Name: "get_weather", Parameters: map[string]interface{}{"type": "object"}}})
	require.NoError(t, err)

	chunks := collectChunks(t, ch)
	require.Len(t, chunks, 2)

	require.Equal(t, ChunkTypeToolCall, chunks[0].Type)
	require.NotNil(t, chunks[0].ToolCall)
	assert.Equal(t, "toolu_1", chunks[0].ToolCall.ID)
	assert.Equal(t, "get_weather", chunks[0].ToolCall.Name)
	assert.Equal(t, map[string]interface{}{"city": "Paris"}, chunks[0].ToolCall.Args)

	assert.Equal(t, ChunkTypeDone, chunks[1].Type)
}

func TestAnthropicGenerateStreamingMalformedToolArguments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		frames := []string{
			`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"city\": \"Par"}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"message_stop"}`,
		}
		for _, frame := range frames {
			_, _ = w.Write([]byte("data: " + frame + "\n\n"))
		}
	}))
	defer server.Close()

	provider := NewAnthropicProvider("test-key", "claude-3-5-sonnet-latest")
	provider.host = server.URL

	ch, err := provider.GenerateStreaming(context.Background(), []Message{
		{Role: RoleUser, Content: "Weather in Paris?"},
	}, []ToolDefinition{{Name: "get_weather", Parameters: map[string]interface{}{"type": "object"}}})
	require.NoError(t, err)

	chunks := collectChunks(t, ch)
	require.Len(t, chunks, 2)

	// Truncated argument JSON must not come through as an executable call.
	require.Equal(t, ChunkTypeInvalidToolCall, chunks[0].Type)
	require.NotNil(t, chunks[0].ToolCall)
	assert.Equal(t, "toolu_1", chunks[0].ToolCall.ID)
	assert.Equal(t, `{"city": "Par`, chunks[0].ToolCall.Args["raw"])
	require.Error(t, chunks[0].Error)
	assert.Contains(t, chunks[0].Error.Error(), "malformed arguments")

	assert.Equal(t, ChunkTypeDone, chunks[1].Type)
}

func TestAnthropicGenerateStreamingServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"type":"authentication_error","message":"invalid key"}}`))
	}))
	defer server.Close()

	provider := NewAnthropicProvider("bad-key", "claude-3-5-sonnet-latest")
	provider.host = server.URL

	ch, err := provider.GenerateStreaming(context.Background(), []Message{
		{Role: RoleUser, Content: "hi"},
	}, nil)
	require.NoError(t, err)

	chunks := collectChunks(t, ch)
	require.Len(t, chunks, 1)
	assert.Equal(t, ChunkTypeError, chunks[0].Type)
	assert.Error(t, chunks[0].Error)
}

func TestAnthropicBuildRequest(t *testing.T) {
	provider := NewAnthropicProvider("test-key", "claude-3-5-sonnet-latest")

	request := provider.buildRequest([]Message{
		{Role: RoleSystem, Content: "system prompt"},
		{Role: RoleUser, Content: "question"},
		{Role: RoleAssistant, ToolCalls: []*ToolCall{{ID: "t1", Name: "search", Args: map[string]interface{}{"q": "x"}}}},
		{Role: RoleTool, ToolCallID: "t1", Content: "result"},
	}, []ToolDefinition{{Name: "search", Description: "web search", Parameters: map[string]interface{}{"type": "object"}}})

	assert.Equal(t, "system prompt", request.System)
	assert.True(t, request.Stream)
	require.Len(t, request.Messages, 3)

	assert.Equal(t, "user", request.Messages[0].Role)
	assert.Equal(t, "assistant", request.Messages[1].Role)
	assert.Equal(t, "tool_use", request.Messages[1].Content[0].Type)
	assert.Equal(t, "user", request.Messages[2].Role)
	assert.Equal(t, "tool_result", request.Messages[2].Content[0].Type)
	assert.Equal(t, "t1", request.Messages[2].Content[0].ToolUseID)

	require.Len(t, request.Tools, 1)
	assert.Equal(t, "search", request.Tools[0].Name)
}
