package agent

import (
	"errors"
	"sync"
)

// ErrNoAgent is returned when no agent has been initialized yet.
var ErrNoAgent = errors.New("agent is not initialized")

// Manager owns the process-wide agent handle: a single-slot holder with one
// writer path. Replacement releases the outgoing handle's connections before
// the new one becomes visible.
type Manager struct {
	mu     sync.RWMutex
	handle *Handle
}

func NewManager() *Manager {
	return &Manager{}
}

// Get returns the live handle.
func (m *Manager) Get() (*Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.handle == nil {
		return nil, ErrNoAgent
	}
	return m.handle, nil
}

// Replace installs a new handle, closing the previous one first. Passing nil
// clears the slot.
func (m *Manager) Replace(handle *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var closeErr error
	if m.handle != nil {
		closeErr = m.handle.Close()
	}
	m.handle = handle
	return closeErr
}

// ToolCount reports the live handle's tool count, or zero without an agent.
func (m *Manager) ToolCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.handle == nil {
		return 0
	}
	return m.handle.ToolCount()
}
