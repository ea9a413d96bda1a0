// Package llms provides streaming language-model backends selected by model
// id, speaking each provider's native HTTP API.
package llms

import "context"

// Role tags a conversation message for the model.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model's request to invoke a named tool.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// Message is one turn of model context. Assistant turns may carry tool
// calls; tool turns carry the result for a single call id.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []*ToolCall
	ToolCallID string
}

// ToolDefinition advertises a callable tool to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// StreamChunk is one unit of a provider's streaming response.
type StreamChunk struct {
	Type     string
	Text     string
	ToolCall *ToolCall
	Tokens   int
	Error    error
}

// StreamChunk types. An invalid tool call is a call whose argument JSON
// did not parse; ToolCall carries the id and name, Error the parse failure,
// and the call must not be executed.
const (
	ChunkTypeText            = "text"
	ChunkTypeToolCall        = "tool_call"
	ChunkTypeInvalidToolCall = "invalid_tool_call"
	ChunkTypeDone            = "done"
	ChunkTypeError           = "error"
)

// Provider is a streaming LLM backend.
type Provider interface {
	GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error)

	GetModelName() string

	GetMaxTokens() int

	Close() error
}
