package agent

import "github.com/kadirpekel/mcpchat/pkg/llms"

// StepMessage is one message produced by a step of the agent's run loop.
//
// The variants form a closed set so consumers can reduce the stream with a
// single exhaustive type switch instead of probing optional fields.
type StepMessage interface {
	isStepMessage()
}

// AssistantText is a fragment of assistant-authored plain text.
type AssistantText struct {
	Text string
}

// ContentItems is assistant output that arrived as structured content
// blocks, each item either text or a tool invocation.
type ContentItems struct {
	Items []ContentItem
}

// ContentItem is one block of structured assistant content.
type ContentItem struct {
	Type string // "text" or "tool_use"
	Text string
	Call *llms.ToolCall
}

// ToolCalls is a batch of well-formed tool invocations requested by the model.
type ToolCalls struct {
	Calls []*llms.ToolCall
}

// InvalidToolCall is a tool invocation the agent refused to execute.
type InvalidToolCall struct {
	Call   *llms.ToolCall
	Reason string
}

// ToolCallChunk is a partial tool-call fragment from a backend that streams
// invocations incrementally.
type ToolCallChunk struct {
	Fragment string
}

// LegacyToolCalls carries invocations from backends that report tool calls
// in auxiliary response fields rather than first-class message content.
type LegacyToolCalls struct {
	Calls []*llms.ToolCall
}

// ToolResponse is the result of executing one tool invocation.
type ToolResponse struct {
	Name    string
	Content string
}

func (AssistantText) isStepMessage()   {}
func (ContentItems) isStepMessage()    {}
func (ToolCalls) isStepMessage()       {}
func (InvalidToolCall) isStepMessage() {}
func (ToolCallChunk) isStepMessage()   {}
func (LegacyToolCalls) isStepMessage() {}
func (ToolResponse) isStepMessage()    {}

// StepEvent is one element of a run's event stream. Err terminates the run.
type StepEvent struct {
	Message StepMessage
	Err     error
}
