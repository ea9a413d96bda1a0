package userconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store used when no MongoDB URI is configured
// and throughout the tests.
type MemoryStore struct {
	mu           sync.RWMutex
	configs      map[string]*UserConfig
	defaultModel string
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	o := newStoreOptions(opts)
	return &MemoryStore{
		configs:      make(map[string]*UserConfig),
		defaultModel: o.defaultModel,
	}
}

func (s *MemoryStore) Load(ctx context.Context, userID string) (*UserConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.configs[userID]
	if !ok {
		cfg = NewDefault(userID)
		cfg.SelectedModel = s.defaultModel
		s.configs[userID] = cfg
	}
	return clone(cfg)
}

func (s *MemoryStore) Save(ctx context.Context, cfg *UserConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied, err := clone(cfg)
	if err != nil {
		return err
	}
	s.configs[cfg.UserID] = copied
	return nil
}

// clone deep-copies a config so callers never share maps with the store.
func clone(cfg *UserConfig) (*UserConfig, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to copy config: %w", err)
	}
	var copied UserConfig
	if err := json.Unmarshal(raw, &copied); err != nil {
		return nil, fmt.Errorf("failed to copy config: %w", err)
	}
	if copied.EnvVars == nil {
		copied.EnvVars = map[string]map[string]string{}
	}
	if copied.ToolVersions == nil {
		copied.ToolVersions = map[string]string{}
	}
	if copied.ToolConfig.Tools == nil {
		copied.ToolConfig.Tools = []ToolReference{}
	}
	return &copied, nil
}

var _ Store = (*MemoryStore)(nil)
