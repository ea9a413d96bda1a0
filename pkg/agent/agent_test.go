package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/mcpchat/pkg/llms"
	"github.com/kadirpekel/mcpchat/pkg/provision"
	"github.com/kadirpekel/mcpchat/pkg/tools"
)

// scriptedProvider replays one chunk sequence per model turn and records the
// context it was called with.
type scriptedProvider struct {
	turns    [][]llms.StreamChunk
	contexts [][]llms.Message
	closed   int
}

func (p *scriptedProvider) GenerateStreaming(ctx context.Context, messages []llms.Message, defs []llms.ToolDefinition) (<-chan llms.StreamChunk, error) {
	p.contexts = append(p.contexts, messages)

	turn := len(p.contexts) - 1
	if turn >= len(p.turns) {
		return nil, fmt.Errorf("no scripted turn %d", turn)
	}

	ch := make(chan llms.StreamChunk, len(p.turns[turn]))
	for _, chunk := range p.turns[turn] {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) GetModelName() string { return "scripted" }
func (p *scriptedProvider) GetMaxTokens() int    { return 1000 }
func (p *scriptedProvider) Close() error         { p.closed++; return nil }

type stubTool struct {
	name string
	fn   func(args map[string]interface{}) (string, error)
}

func (t *stubTool) GetName() string                        { return t.name }
func (t *stubTool) GetDescription() string                 { return "stub" }
func (t *stubTool) GetParameters() map[string]interface{}  { return map[string]interface{}{"type": "object"} }
func (t *stubTool) Call(ctx context.Context, args map[string]interface{}) (string, error) {
	return t.fn(args)
}

type stubToolset struct {
	name   string
	tools  []tools.Tool
	closed int
}

func (s *stubToolset) GetName() string      { return s.name }
func (s *stubToolset) GetTools() []tools.Tool { return s.tools }
func (s *stubToolset) Close() error         { s.closed++; return nil }

func drain(t *testing.T, events <-chan StepEvent) ([]StepMessage, error) {
	t.Helper()
	var messages []StepMessage
	for ev := range events {
		if ev.Err != nil {
			return messages, ev.Err
		}
		messages = append(messages, ev.Message)
	}
	return messages, nil
}

func TestRunPlainTextTurn(t *testing.T) {
	provider := &scriptedProvider{turns: [][]llms.StreamChunk{
		{
			{Type: llms.ChunkTypeText, Text: "4"},
			{Type: llms.ChunkTypeDone},
		},
	}}
	handle := NewHandle(provider, nil, NewMemoryCheckpointStore(), "be terse")

	events, err := handle.Run(context.Background(), "thread-1", "What is 2+2?", 10)
	require.NoError(t, err)

	messages, runErr := drain(t, events)
	require.NoError(t, runErr)
	require.Len(t, messages, 1)
	assert.Equal(t, AssistantText{Text: "4"}, messages[0])

	// One model turn with system prompt and the query.
	require.Len(t, provider.contexts, 1)
	ctx0 := provider.contexts[0]
	require.Len(t, ctx0, 2)
	assert.Equal(t, llms.RoleSystem, ctx0[0].Role)
	assert.Equal(t, "be terse", ctx0[0].Content)
	assert.Equal(t, "What is 2+2?", ctx0[1].Content)
}

func TestRunToolCallLoop(t *testing.T) {
	call := &llms.ToolCall{ID: "c1", Name: "get_weather", Args: map[string]interface{}{"city": "Paris"}}
	provider := &scriptedProvider{turns: [][]llms.StreamChunk{
		{
			{Type: llms.ChunkTypeToolCall, ToolCall: call},
			{Type: llms.ChunkTypeDone},
		},
		{
			{Type: llms.ChunkTypeText, Text: "It is sunny in Paris."},
			{Type: llms.ChunkTypeDone},
		},
	}}
	toolset := &stubToolset{name: "weather", tools: []tools.Tool{
		&stubTool{name: "get_weather", fn: func(args map[string]interface{}) (string, error) {
			assert.Equal(t, "Paris", args["city"])
			return "sunny", nil
		}},
	}}
	handle := NewHandle(provider, []tools.Toolset{toolset}, NewMemoryCheckpointStore(), "sys")
	assert.Equal(t, 1, handle.ToolCount())

	events, err := handle.Run(context.Background(), "thread-1", "Weather in Paris?", 10)
	require.NoError(t, err)

	messages, runErr := drain(t, events)
	require.NoError(t, runErr)
	require.Len(t, messages, 3)
	assert.Equal(t, ToolCalls{Calls: []*llms.ToolCall{call}}, messages[0])
	assert.Equal(t, ToolResponse{Name: "get_weather", Content: "sunny"}, messages[1])
	assert.Equal(t, AssistantText{Text: "It is sunny in Paris."}, messages[2])

	// Second turn must carry the assistant tool call and the tool result.
	require.Len(t, provider.contexts, 2)
	ctx1 := provider.contexts[1]
	require.Len(t, ctx1, 4)
	assert.Equal(t, llms.RoleAssistant, ctx1[2].Role)
	require.Len(t, ctx1[2].ToolCalls, 1)
	assert.Equal(t, llms.RoleTool, ctx1[3].Role)
	assert.Equal(t, "c1", ctx1[3].ToolCallID)
	assert.Equal(t, "sunny", ctx1[3].Content)
}

func TestRunUnknownToolIsInvalidCall(t *testing.T) {
	call := &llms.ToolCall{ID: "c1", Name: "nonexistent", Args: map[string]interface{}{}}
	provider := &scriptedProvider{turns: [][]llms.StreamChunk{
		{
			{Type: llms.ChunkTypeToolCall, ToolCall: call},
			{Type: llms.ChunkTypeDone},
		},
		{
			{Type: llms.ChunkTypeText, Text: "I could not use that tool."},
			{Type: llms.ChunkTypeDone},
		},
	}}
	handle := NewHandle(provider, nil, NewMemoryCheckpointStore(), "sys")

	events, err := handle.Run(context.Background(), "thread-1", "q", 10)
	require.NoError(t, err)

	messages, runErr := drain(t, events)
	require.NoError(t, runErr)
	require.Len(t, messages, 3)

	invalid, ok := messages[1].(InvalidToolCall)
	require.True(t, ok)
	assert.Equal(t, call, invalid.Call)
	assert.Contains(t, invalid.Reason, "nonexistent")

	// The model still gets a tool result so the conversation can continue.
	ctx1 := provider.contexts[1]
	assert.Contains(t, ctx1[len(ctx1)-1].Content, "unknown tool")
}

func TestRunToolFailureFedBack(t *testing.T) {
	call := &llms.ToolCall{ID: "c1", Name: "flaky", Args: map[string]interface{}{}}
	provider := &scriptedProvider{turns: [][]llms.StreamChunk{
		{
			{Type: llms.ChunkTypeToolCall, ToolCall: call},
			{Type: llms.ChunkTypeDone},
		},
		{
			{Type: llms.ChunkTypeText, Text: "The tool failed."},
			{Type: llms.ChunkTypeDone},
		},
	}}
	toolset := &stubToolset{name: "flaky", tools: []tools.Tool{
		&stubTool{name: "flaky", fn: func(map[string]interface{}) (string, error) {
			return "", errors.New("connection reset")
		}},
	}}
	handle := NewHandle(provider, []tools.Toolset{toolset}, NewMemoryCheckpointStore(), "sys")

	events, err := handle.Run(context.Background(), "thread-1", "q", 10)
	require.NoError(t, err)

	messages, runErr := drain(t, events)
	require.NoError(t, runErr)

	response, ok := messages[1].(ToolResponse)
	require.True(t, ok)
	assert.Contains(t, response.Content, "connection reset")
}

func TestRunStepLimit(t *testing.T) {
	call := &llms.ToolCall{ID: "c1", Name: "loop", Args: map[string]interface{}{}}
	loopTurn := []llms.StreamChunk{
		{Type: llms.ChunkTypeToolCall, ToolCall: call},
		{Type: llms.ChunkTypeDone},
	}
	provider := &scriptedProvider{turns: [][]llms.StreamChunk{loopTurn, loopTurn, loopTurn}}
	toolset := &stubToolset{name: "loop", tools: []tools.Tool{
		&stubTool{name: "loop", fn: func(map[string]interface{}) (string, error) { return "again", nil }},
	}}
	handle := NewHandle(provider, []tools.Toolset{toolset}, NewMemoryCheckpointStore(), "sys")

	events, err := handle.Run(context.Background(), "thread-1", "q", 2)
	require.NoError(t, err)

	_, runErr := drain(t, events)
	require.Error(t, runErr)
	assert.Contains(t, runErr.Error(), "step limit")
}

func TestRunMalformedToolCallNotExecuted(t *testing.T) {
	call := &llms.ToolCall{ID: "c1", Name: "get_weather", Args: map[string]interface{}{"raw": "{not valid json"}}
	provider := &scriptedProvider{turns: [][]llms.StreamChunk{
		{
			{Type: llms.ChunkTypeInvalidToolCall, ToolCall: call, Error: errors.New("malformed arguments for tool \"get_weather\": unexpected token")},
			{Type: llms.ChunkTypeDone},
		},
		{
			{Type: llms.ChunkTypeText, Text: "I sent bad arguments."},
			{Type: llms.ChunkTypeDone},
		},
	}}
	executed := 0
	toolset := &stubToolset{name: "weather", tools: []tools.Tool{
		&stubTool{name: "get_weather", fn: func(map[string]interface{}) (string, error) {
			executed++
			return "sunny", nil
		}},
	}}
	handle := NewHandle(provider, []tools.Toolset{toolset}, NewMemoryCheckpointStore(), "sys")

	events, err := handle.Run(context.Background(), "thread-1", "q", 10)
	require.NoError(t, err)

	messages, runErr := drain(t, events)
	require.NoError(t, runErr)
	require.Len(t, messages, 2)

	invalid, ok := messages[0].(InvalidToolCall)
	require.True(t, ok)
	assert.Equal(t, call, invalid.Call)
	assert.Contains(t, invalid.Reason, "malformed arguments")
	assert.Equal(t, 0, executed)

	// The model gets the parse failure back as the result for that call id.
	require.Len(t, provider.contexts, 2)
	ctx1 := provider.contexts[1]
	last := ctx1[len(ctx1)-1]
	assert.Equal(t, llms.RoleTool, last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
	assert.Contains(t, last.Content, "Error: malformed arguments")

	// The assistant turn still references the call so the result matches up.
	assistant := ctx1[len(ctx1)-2]
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "c1", assistant.ToolCalls[0].ID)
}

func TestRunAbandonedStreamUnblocks(t *testing.T) {
	// A consumer may stop reading with events still pending; the run
	// goroutine must unwind instead of parking on a full channel.
	flood := make([]llms.StreamChunk, 0, 501)
	for i := 0; i < 500; i++ {
		flood = append(flood, llms.StreamChunk{Type: llms.ChunkTypeText, Text: "x"})
	}
	flood = append(flood, llms.StreamChunk{Type: llms.ChunkTypeDone})
	provider := &scriptedProvider{turns: [][]llms.StreamChunk{flood}}
	handle := NewHandle(provider, nil, NewMemoryCheckpointStore(), "sys")

	ctx, cancel := context.WithCancel(context.Background())
	events, err := handle.Run(ctx, "thread-1", "q", 10)
	require.NoError(t, err)

	<-events
	cancel()

	// The channel must close once the goroutine observes the cancellation.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-events:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("event channel never closed after the consumer cancelled")
		}
	}
}

func TestRunProviderError(t *testing.T) {
	provider := &scriptedProvider{turns: [][]llms.StreamChunk{
		{{Type: llms.ChunkTypeError, Error: errors.New("backend unavailable")}},
	}}
	handle := NewHandle(provider, nil, NewMemoryCheckpointStore(), "sys")

	events, err := handle.Run(context.Background(), "thread-1", "q", 10)
	require.NoError(t, err)

	_, runErr := drain(t, events)
	require.Error(t, runErr)
	assert.Contains(t, runErr.Error(), "backend unavailable")
}

func TestRunContextExcludesToolTrace(t *testing.T) {
	store := NewMemoryCheckpointStore()
	require.NoError(t, store.Append(context.Background(), "thread-1",
		TextMessage(RoleUser, "earlier question"),
		TextMessage(RoleAssistant, "earlier answer"),
		TextMessage(RoleAssistantTool, "```json\n{...}\n```"),
	))

	provider := &scriptedProvider{turns: [][]llms.StreamChunk{
		{{Type: llms.ChunkTypeText, Text: "ok"}, {Type: llms.ChunkTypeDone}},
	}}
	handle := NewHandle(provider, nil, store, "sys")

	events, err := handle.Run(context.Background(), "thread-1", "next", 10)
	require.NoError(t, err)
	_, runErr := drain(t, events)
	require.NoError(t, runErr)

	ctx0 := provider.contexts[0]
	require.Len(t, ctx0, 4) // system + user + assistant + new user
	assert.Equal(t, "earlier question", ctx0[1].Content)
	assert.Equal(t, "earlier answer", ctx0[2].Content)
	assert.Equal(t, "next", ctx0[3].Content)
}

func TestBuildUnknownModelFamily(t *testing.T) {
	_, err := Build(context.Background(), nil, "mystery-model", NewMemoryCheckpointStore(), "sys", "")
	require.Error(t, err)

	var initErr *InitError
	require.True(t, errors.As(err, &initErr))
	assert.Equal(t, "model", initErr.Stage)
}

func TestBuildToolFree(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-key")

	handle, err := Build(context.Background(), nil, "gpt-4o", NewMemoryCheckpointStore(), "base prompt", "user instructions")
	require.NoError(t, err)
	defer handle.Close()

	assert.Equal(t, 0, handle.ToolCount())
	assert.Equal(t, "base prompt\n\nuser instructions", handle.systemPrompt)
}

func TestBuildEmptyInstructionsOmitted(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-key")

	handle, err := Build(context.Background(), nil, "gpt-4o", NewMemoryCheckpointStore(), "base prompt", "")
	require.NoError(t, err)
	defer handle.Close()

	assert.Equal(t, "base prompt", handle.systemPrompt)
}

func TestBuildConnectionFailure(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-key")

	_, err := Build(context.Background(), []provision.ConnectionDescriptor{
		{Name: "broken", Transport: provision.Transport("bogus")},
	}, "gpt-4o", NewMemoryCheckpointStore(), "sys", "")
	require.Error(t, err)

	var initErr *InitError
	require.True(t, errors.As(err, &initErr))
	assert.Equal(t, "tools", initErr.Stage)
}

func TestHandleCloseIdempotent(t *testing.T) {
	provider := &scriptedProvider{}
	toolset := &stubToolset{name: "x"}
	handle := NewHandle(provider, []tools.Toolset{toolset}, NewMemoryCheckpointStore(), "sys")

	require.NoError(t, handle.Close())
	require.NoError(t, handle.Close())
	assert.Equal(t, 1, provider.closed)
	assert.Equal(t, 1, toolset.closed)
}
