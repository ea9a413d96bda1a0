// Package agent builds and runs the tool-augmented conversational agent: it
// binds an LLM backend, a set of connected toolsets, and a checkpointed
// conversation history behind a single replaceable handle.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/mcpchat/pkg/llms"
	"github.com/kadirpekel/mcpchat/pkg/logger"
	"github.com/kadirpekel/mcpchat/pkg/provision"
	"github.com/kadirpekel/mcpchat/pkg/tools"
)

// InitError reports a failed agent construction. Construction is all or
// nothing: a handle is never returned half-built.
type InitError struct {
	Stage string
	Err   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("agent initialization failed (%s): %v", e.Stage, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// Handle is a live agent: an LLM backend plus connected toolsets plus the
// conversation checkpoint store. Exactly one handle is live per process;
// see Manager.
type Handle struct {
	provider     llms.Provider
	toolsets     []tools.Toolset
	toolIndex    map[string]tools.Tool
	systemPrompt string
	checkpoints  CheckpointStore
	logger       *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Build constructs a handle from connection descriptors. An empty descriptor
// list yields a tool-free agent, which is a fully supported configuration.
// Any connection failure or an unknown model family aborts the whole build.
//
// The system prompt is the base prompt with the user's free-text
// instructions appended after a blank line, or alone when instructions are
// empty.
func Build(ctx context.Context, descriptors []provision.ConnectionDescriptor, model string, checkpoints CheckpointStore, systemPrompt, instructions string) (*Handle, error) {
	provider, err := llms.NewProviderForModel(model)
	if err != nil {
		return nil, &InitError{Stage: "model", Err: err}
	}

	toolsets := make([]tools.Toolset, len(descriptors))
	g, gctx := errgroup.WithContext(ctx)
	for i, descriptor := range descriptors {
		i, descriptor := i, descriptor
		g.Go(func() error {
			ts, err := tools.Connect(gctx, descriptor)
			if err != nil {
				return err
			}
			toolsets[i] = ts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, ts := range toolsets {
			if ts != nil {
				_ = ts.Close()
			}
		}
		_ = provider.Close()
		return nil, &InitError{Stage: "tools", Err: err}
	}

	prompt := systemPrompt
	if instructions != "" {
		prompt = systemPrompt + "\n\n" + instructions
	}

	return NewHandle(provider, toolsets, checkpoints, prompt), nil
}

// NewHandle assembles a handle from already-constructed parts.
func NewHandle(provider llms.Provider, toolsets []tools.Toolset, checkpoints CheckpointStore, systemPrompt string) *Handle {
	toolIndex := make(map[string]tools.Tool)
	for _, ts := range toolsets {
		for _, tool := range ts.GetTools() {
			toolIndex[tool.GetName()] = tool
		}
	}

	return &Handle{
		provider:     provider,
		toolsets:     toolsets,
		toolIndex:    toolIndex,
		systemPrompt: systemPrompt,
		checkpoints:  checkpoints,
		logger:       logger.GetLogger(),
	}
}

// ToolCount returns the number of tools bound across all toolsets.
func (h *Handle) ToolCount() int {
	return len(h.toolIndex)
}

// Checkpoints returns the conversation store bound to this handle.
func (h *Handle) Checkpoints() CheckpointStore {
	return h.checkpoints
}

// Close releases all toolset connections and the backend. Safe to call more
// than once; closing a tool-free handle is a no-op.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		for _, ts := range h.toolsets {
			if err := ts.Close(); err != nil && h.closeErr == nil {
				h.closeErr = err
			}
		}
		if err := h.provider.Close(); err != nil && h.closeErr == nil {
			h.closeErr = err
		}
	})
	return h.closeErr
}

// toolDefinitions advertises the bound tools to the model.
func (h *Handle) toolDefinitions() []llms.ToolDefinition {
	defs := make([]llms.ToolDefinition, 0, len(h.toolIndex))
	for _, ts := range h.toolsets {
		for _, tool := range ts.GetTools() {
			defs = append(defs, llms.ToolDefinition{
				Name:        tool.GetName(),
				Description: tool.GetDescription(),
				Parameters:  tool.GetParameters(),
			})
		}
	}
	return defs
}

// contextMessages rebuilds the model context from a thread's history.
// Tool-trace messages are presentation-only and stay out of the context.
func (h *Handle) contextMessages(ctx context.Context, threadID string) ([]llms.Message, error) {
	history, err := h.checkpoints.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}

	messages := []llms.Message{{Role: llms.RoleSystem, Content: h.systemPrompt}}
	for _, entry := range history {
		switch entry.Role {
		case RoleUser:
			messages = append(messages, llms.Message{Role: llms.RoleUser, Content: entry.Content})
		case RoleAssistant:
			messages = append(messages, llms.Message{Role: llms.RoleAssistant, Content: entry.Content})
		}
	}
	return messages, nil
}

// Run drives one query through the model/tool loop and streams step
// messages. The loop runs at most stepLimit model turns; tool results are
// fed back into the context between turns. Run does not touch the thread
// history; persisting the outcome is the caller's responsibility.
func (h *Handle) Run(ctx context.Context, threadID, query string, stepLimit int) (<-chan StepEvent, error) {
	messages, err := h.contextMessages(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread history: %w", err)
	}
	messages = append(messages, llms.Message{Role: llms.RoleUser, Content: query})

	defs := h.toolDefinitions()
	events := make(chan StepEvent, 64)

	go func() {
		defer close(events)

		for step := 0; ; step++ {
			if step >= stepLimit {
				send(ctx, events, StepEvent{Err: fmt.Errorf("step limit (%d) exceeded", stepLimit)})
				return
			}

			done, err := h.runStep(ctx, &messages, defs, events)
			if err != nil {
				send(ctx, events, StepEvent{Err: err})
				return
			}
			if done {
				return
			}
		}
	}()

	return events, nil
}

// send delivers an event unless the context ends first. A consumer may stop
// reading at its deadline with events still pending; an unguarded send would
// park this goroutine forever and pin the handle's connections. A false
// return means the consumer is gone and the loop must unwind.
func send(ctx context.Context, events chan<- StepEvent, event StepEvent) bool {
	select {
	case events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

// runStep performs one model turn. It reports done when the model produced
// no tool calls, ending the loop.
func (h *Handle) runStep(ctx context.Context, messages *[]llms.Message, defs []llms.ToolDefinition, events chan<- StepEvent) (bool, error) {
	stream, err := h.provider.GenerateStreaming(ctx, *messages, defs)
	if err != nil {
		return false, err
	}

	var assistantText string
	var calls []*llms.ToolCall
	var invalid []InvalidToolCall

	for chunk := range stream {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		switch chunk.Type {
		case llms.ChunkTypeText:
			assistantText += chunk.Text
			if !send(ctx, events, StepEvent{Message: AssistantText{Text: chunk.Text}}) {
				return false, ctx.Err()
			}

		case llms.ChunkTypeToolCall:
			calls = append(calls, chunk.ToolCall)

		case llms.ChunkTypeInvalidToolCall:
			reason := "malformed tool call"
			if chunk.Error != nil {
				reason = chunk.Error.Error()
			}
			invalid = append(invalid, InvalidToolCall{Call: chunk.ToolCall, Reason: reason})

		case llms.ChunkTypeError:
			return false, chunk.Error
		}
	}

	if len(calls) == 0 && len(invalid) == 0 {
		return true, nil
	}

	if len(calls) > 0 {
		if !send(ctx, events, StepEvent{Message: ToolCalls{Calls: calls}}) {
			return false, ctx.Err()
		}
	}

	// The assistant turn carries every call the model made, valid or not, so
	// each result below has a matching call id in the context.
	allCalls := append(append([]*llms.ToolCall{}, calls...), invalidCallRefs(invalid)...)
	*messages = append(*messages, llms.Message{
		Role:      llms.RoleAssistant,
		Content:   assistantText,
		ToolCalls: allCalls,
	})

	for _, call := range calls {
		result, ok := h.executeCall(ctx, call, events)
		if !ok {
			// Cancellation mid-call; surface as the loop error.
			return false, ctx.Err()
		}
		*messages = append(*messages, llms.Message{
			Role:       llms.RoleTool,
			ToolCallID: call.ID,
			Content:    result,
		})
	}

	// Malformed calls are never executed; the model gets the parse failure
	// back as the tool result.
	for _, inv := range invalid {
		if !send(ctx, events, StepEvent{Message: inv}) {
			return false, ctx.Err()
		}
		*messages = append(*messages, llms.Message{
			Role:       llms.RoleTool,
			ToolCallID: inv.Call.ID,
			Content:    "Error: " + inv.Reason,
		})
	}

	return false, nil
}

func invalidCallRefs(invalid []InvalidToolCall) []*llms.ToolCall {
	refs := make([]*llms.ToolCall, 0, len(invalid))
	for _, inv := range invalid {
		refs = append(refs, inv.Call)
	}
	return refs
}

// executeCall runs one tool invocation. Failures are folded into the result
// fed back to the model so a misbehaving tool does not end the query.
func (h *Handle) executeCall(ctx context.Context, call *llms.ToolCall, events chan<- StepEvent) (string, bool) {
	tool, exists := h.toolIndex[call.Name]
	if !exists {
		reason := fmt.Sprintf("unknown tool %q", call.Name)
		if !send(ctx, events, StepEvent{Message: InvalidToolCall{Call: call, Reason: reason}}) {
			return "", false
		}
		return "Error: " + reason, true
	}

	result, err := tool.Call(ctx, call.Args)
	if err != nil {
		if ctx.Err() != nil {
			return "", false
		}
		h.logger.Warn("Tool call failed", "tool", call.Name, "error", err)
		if !send(ctx, events, StepEvent{Message: ToolResponse{Name: call.Name, Content: "Error: " + err.Error()}}) {
			return "", false
		}
		return "Error: " + err.Error(), true
	}

	if !send(ctx, events, StepEvent{Message: ToolResponse{Name: call.Name, Content: result}}) {
		return "", false
	}
	return result, true
}
