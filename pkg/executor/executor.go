// Package executor drives one query through a live agent and reduces its
// step stream into the client-facing output events: cumulative assistant
// text, a cumulative tool-activity trace, or a terminal error.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kadirpekel/mcpchat/pkg/agent"
	"github.com/kadirpekel/mcpchat/pkg/llms"
)

// State is the lifecycle of one query execution.
type State int32

const (
	StatePending State = iota
	StateStreaming
	StateCompleted
	StateTimedOut
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// OutputEvent is one frame of the client event stream. Text and Tool carry
// the whole accumulated buffer so far; clients replace, not append.
type OutputEvent struct {
	Text      string `json:"text,omitempty"`
	Tool      string `json:"tool,omitempty"`
	ToolLabel string `json:"tool_label,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Labels attached to tool-trace frames.
const (
	LabelInvalidToolCall = "Invalid Tool Call"
	LabelToolResponse    = "Tool Response"
)

// maxBufferChars caps each accumulation buffer for one query. A pathological
// tool loop keeps streaming but stops growing the buffers.
const maxBufferChars = 1 << 20

// Runner is the slice of the agent handle the executor needs.
type Runner interface {
	Run(ctx context.Context, threadID, query string, stepLimit int) (<-chan agent.StepEvent, error)
	Checkpoints() agent.CheckpointStore
}

// Execution is one in-flight query. Events yields a finite stream; State is
// terminal once the stream closes.
type Execution struct {
	events chan OutputEvent
	state  atomic.Int32
}

func (e *Execution) Events() <-chan OutputEvent {
	return e.events
}

func (e *Execution) State() State {
	return State(e.state.Load())
}

func (e *Execution) setState(s State) {
	e.state.Store(int32(s))
}

// Execute runs one query against the agent under a deadline.
//
// On completion the thread history gains the user query, the assistant text
// when non-empty, and the tool trace when non-empty, in that order. On
// timeout or failure exactly one Error event is emitted and nothing is
// persisted; buffered output is discarded.
func Execute(ctx context.Context, runner Runner, threadID, query string, timeout time.Duration, stepLimit int) *Execution {
	exec := &Execution{events: make(chan OutputEvent, 64)}

	go func() {
		defer close(exec.events)

		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		steps, err := runner.Run(runCtx, threadID, query, stepLimit)
		if err != nil {
			exec.setState(StateFailed)
			exec.events <- OutputEvent{Error: err.Error()}
			return
		}
		exec.setState(StateStreaming)

		var text, tool boundedBuffer

		for {
			select {
			case <-runCtx.Done():
				// Stop consuming; the cancelled context unwinds any
				// in-flight model or tool call.
				if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
					exec.setState(StateTimedOut)
					exec.events <- OutputEvent{Error: fmt.Sprintf("query timed out after %s", timeout)}
				} else {
					exec.setState(StateFailed)
					exec.events <- OutputEvent{Error: runCtx.Err().Error()}
				}
				return

			case step, ok := <-steps:
				if !ok {
					exec.complete(ctx, runner, threadID, query, text.String(), tool.String())
					return
				}
				if step.Err != nil {
					exec.setState(StateFailed)
					exec.events <- OutputEvent{Error: step.Err.Error()}
					return
				}
				exec.reduce(step.Message, &text, &tool)
			}
		}
	}()

	return exec
}

// reduce folds one step message into the accumulation buffers and emits the
// corresponding output event.
func (e *Execution) reduce(message agent.StepMessage, text, tool *boundedBuffer) {
	switch msg := message.(type) {
	case agent.AssistantText:
		text.Append(msg.Text)
		e.events <- OutputEvent{Text: text.String()}

	case agent.ContentItems:
		for _, item := range msg.Items {
			switch item.Type {
			case "text":
				text.Append(item.Text)
				e.events <- OutputEvent{Text: text.String()}
			case "tool_use":
				tool.Append(formatToolCall(item.Call))
				e.events <- OutputEvent{Tool: tool.String()}
			}
		}

	case agent.ToolCalls:
		for _, call := range msg.Calls {
			tool.Append(formatToolCall(call))
		}
		e.events <- OutputEvent{Tool: tool.String()}

	case agent.InvalidToolCall:
		tool.Append(formatToolCall(msg.Call))
		e.events <- OutputEvent{Tool: tool.String(), ToolLabel: LabelInvalidToolCall}

	case agent.ToolCallChunk:
		tool.Append(formatFragment(msg.Fragment))
		e.events <- OutputEvent{Tool: tool.String()}

	case agent.LegacyToolCalls:
		for _, call := range msg.Calls {
			tool.Append(formatToolCall(call))
		}
		e.events <- OutputEvent{Tool: tool.String()}

	case agent.ToolResponse:
		tool.Append(formatFragment(msg.Content))
		e.events <- OutputEvent{Tool: tool.String(), ToolLabel: LabelToolResponse}
	}
}

// complete persists the final buffers and closes out the execution.
func (e *Execution) complete(ctx context.Context, runner Runner, threadID, query, finalText, finalTool string) {
	messages := []agent.CheckpointMessage{agent.TextMessage(agent.RoleUser, query)}
	if finalText != "" {
		messages = append(messages, agent.TextMessage(agent.RoleAssistant, finalText))
	}
	if finalTool != "" {
		messages = append(messages, agent.TextMessage(agent.RoleAssistantTool, finalTool))
	}

	if err := runner.Checkpoints().Append(ctx, threadID, messages...); err != nil {
		e.setState(StateFailed)
		e.events <- OutputEvent{Error: fmt.Sprintf("failed to persist conversation: %v", err)}
		return
	}
	e.setState(StateCompleted)
}

func formatToolCall(call *llms.ToolCall) string {
	payload, err := json.Marshal(call)
	if err != nil {
		return formatFragment(fmt.Sprintf("%v", call))
	}
	return formatFragment(string(payload))
}

func formatFragment(content string) string {
	return fmt.Sprintf("\n```json\n%s\n```\n", content)
}

// boundedBuffer accumulates text up to maxBufferChars and silently drops
// the excess.
type boundedBuffer struct {
	data []byte
}

func (b *boundedBuffer) Append(s string) {
	remaining := maxBufferChars - len(b.data)
	if remaining <= 0 {
		return
	}
	if len(s) > remaining {
		s = s[:remaining]
	}
	b.data = append(b.data, s...)
}

func (b *boundedBuffer) String() string {
	return string(b.data)
}
