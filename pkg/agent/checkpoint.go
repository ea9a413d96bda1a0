package agent

import (
	"context"
	"strings"
	"sync"
)

// Conversation roles as persisted in a thread checkpoint.
const (
	RoleUser          = "user"
	RoleAssistant     = "assistant"
	RoleAssistantTool = "assistant_tool"
)

// ContentPart is one typed part of a checkpointed message. Only text parts
// survive flattening on read.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CheckpointMessage is one role-tagged message in a conversation thread.
type CheckpointMessage struct {
	Role  string        `json:"role"`
	Parts []ContentPart `json:"parts"`
}

// TextMessage builds a single-part text message.
func TextMessage(role, text string) CheckpointMessage {
	return CheckpointMessage{
		Role:  role,
		Parts: []ContentPart{{Type: "text", Text: text}},
	}
}

// Content flattens a message to its text parts concatenated in order.
func (m CheckpointMessage) Content() string {
	var sb strings.Builder
	for _, part := range m.Parts {
		if part.Type == "text" {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// HistoryEntry is a flattened view of one checkpointed message.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CheckpointStore persists conversation threads keyed by thread id.
//
// Threads are append-only: messages are added as a side effect of a
// completed query execution and never rewritten.
type CheckpointStore interface {
	// Get returns the flattened thread history. A missing thread yields an
	// empty history, not an error.
	Get(ctx context.Context, threadID string) ([]HistoryEntry, error)

	// Append adds messages to the end of a thread, creating it if needed.
	Append(ctx context.Context, threadID string, messages ...CheckpointMessage) error
}

// MemoryCheckpointStore keeps threads in process memory. Interleaved access
// across distinct thread ids is safe.
type MemoryCheckpointStore struct {
	mu      sync.RWMutex
	threads map[string][]CheckpointMessage
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		threads: make(map[string][]CheckpointMessage),
	}
}

func (s *MemoryCheckpointStore) Get(ctx context.Context, threadID string) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := s.threads[threadID]
	entries := make([]HistoryEntry, 0, len(messages))
	for _, msg := range messages {
		entries = append(entries, HistoryEntry{Role: msg.Role, Content: msg.Content()})
	}
	return entries, nil
}

func (s *MemoryCheckpointStore) Append(ctx context.Context, threadID string, messages ...CheckpointMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.threads[threadID] = append(s.threads[threadID], messages...)
	return nil
}

var _ CheckpointStore = (*MemoryCheckpointStore)(nil)
