package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCheckpointStoreMissingThread(t *testing.T) {
	store := NewMemoryCheckpointStore()

	history, err := store.Get(context.Background(), "no-such-thread")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestMemoryCheckpointStoreAppendOrder(t *testing.T) {
	store := NewMemoryCheckpointStore()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "t1", TextMessage(RoleUser, "hi")))
	require.NoError(t, store.Append(ctx, "t1",
		TextMessage(RoleAssistant, "hello"),
		TextMessage(RoleAssistantTool, "trace"),
	))

	history, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, HistoryEntry{Role: RoleUser, Content: "hi"}, history[0])
	assert.Equal(t, HistoryEntry{Role: RoleAssistant, Content: "hello"}, history[1])
	assert.Equal(t, HistoryEntry{Role: RoleAssistantTool, Content: "trace"}, history[2])
}

func TestMemoryCheckpointStoreIsolatesThreads(t *testing.T) {
	store := NewMemoryCheckpointStore()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "t1", TextMessage(RoleUser, "one")))
	require.NoError(t, store.Append(ctx, "t2", TextMessage(RoleUser, "two")))

	h1, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	h2, err := store.Get(ctx, "t2")
	require.NoError(t, err)

	require.Len(t, h1, 1)
	require.Len(t, h2, 1)
	assert.Equal(t, "one", h1[0].Content)
	assert.Equal(t, "two", h2[0].Content)
}

func TestContentFlattensTextPartsOnly(t *testing.T) {
	msg := CheckpointMessage{
		Role: RoleAssistant,
		Parts: []ContentPart{
			{Type: "text", Text: "part one"},
			{Type: "image", Text: "ignored"},
			{Type: "text", Text: " part two"},
		},
	}
	assert.Equal(t, "part one part two", msg.Content())
}

func TestManagerLifecycle(t *testing.T) {
	manager := NewManager()

	_, err := manager.Get()
	assert.ErrorIs(t, err, ErrNoAgent)
	assert.Equal(t, 0, manager.ToolCount())

	first := NewHandle(&scriptedProvider{}, nil, NewMemoryCheckpointStore(), "sys")
	require.NoError(t, manager.Replace(first))

	got, err := manager.Get()
	require.NoError(t, err)
	assert.Same(t, first, got)

	// Replacing closes the outgoing handle before installing the new one.
	firstProvider := first.provider.(*scriptedProvider)
	second := NewHandle(&scriptedProvider{}, nil, NewMemoryCheckpointStore(), "sys")
	require.NoError(t, manager.Replace(second))
	assert.Equal(t, 1, firstProvider.closed)

	got, err = manager.Get()
	require.NoError(t, err)
	assert.Same(t, second, got)

	require.NoError(t, manager.Replace(nil))
	_, err = manager.Get()
	assert.ErrorIs(t, err, ErrNoAgent)
}
