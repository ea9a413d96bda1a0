// Package userconfig persists per-user assistant settings: declared tools,
// free-text instructions, tool environment variables, the selected model,
// and the tool version cache consulted during materialization.
package userconfig

import "context"

// ToolReference is a user's declared intent to use a tool from a registry.
type ToolReference struct {
	Name      string `bson:"name" json:"name"`
	GithubURL string `bson:"github_url" json:"github_url"`
	URL       string `bson:"url,omitempty" json:"url,omitempty"`
}

// ToolConfig groups the declared tool references.
type ToolConfig struct {
	Tools []ToolReference `bson:"tools" json:"tools"`
}

// UserConfig is the per-user settings document.
type UserConfig struct {
	UserID        string                       `bson:"_id" json:"user_id"`
	ToolConfig    ToolConfig                   `bson:"tool_config" json:"tool_config"`
	Instructions  string                       `bson:"instructions" json:"instructions"`
	EnvVars       map[string]map[string]string `bson:"env_vars" json:"env_vars"`
	SelectedModel string                       `bson:"selected_model" json:"selected_model"`
	ToolVersions  map[string]string            `bson:"tool_versions" json:"tool_versions"`
}

// DefaultModel is the model selected for users with no stored preference
// when a store is not configured with its own default.
const DefaultModel = "gpt-4o"

// NewDefault returns the config created for a user on first access.
func NewDefault(userID string) *UserConfig {
	return &UserConfig{
		UserID:        userID,
		ToolConfig:    ToolConfig{Tools: []ToolReference{}},
		Instructions:  "",
		EnvVars:       map[string]map[string]string{},
		SelectedModel: DefaultModel,
		ToolVersions:  map[string]string{},
	}
}

// Option configures a Store implementation.
type Option func(*storeOptions)

type storeOptions struct {
	defaultModel string
}

// WithDefaultModel sets the model assigned to users with no stored
// selection, overriding DefaultModel. An empty value is ignored.
func WithDefaultModel(model string) Option {
	return func(o *storeOptions) {
		if model != "" {
			o.defaultModel = model
		}
	}
}

func newStoreOptions(opts []Option) storeOptions {
	o := storeOptions{defaultModel: DefaultModel}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// RemoveTool deletes a tool reference and its environment variables.
// Returns false when the tool is not declared.
func (c *UserConfig) RemoveTool(name string) bool {
	found := false
	kept := c.ToolConfig.Tools[:0]
	for _, tool := range c.ToolConfig.Tools {
		if tool.Name == name {
			found = true
			continue
		}
		kept = append(kept, tool)
	}
	c.ToolConfig.Tools = kept

	if found {
		delete(c.EnvVars, name)
	}
	return found
}

// HasTool reports whether a tool reference with the given name is declared.
func (c *UserConfig) HasTool(name string) bool {
	for _, tool := range c.ToolConfig.Tools {
		if tool.Name == name {
			return true
		}
	}
	return false
}

// Store loads and saves user configurations.
//
// Load creates and persists a default config when none exists for the user.
// Save writes the whole document in a single upsert, so the tool version
// cache is persisted atomically with the rest of the settings.
type Store interface {
	Load(ctx context.Context, userID string) (*UserConfig, error)
	Save(ctx context.Context, cfg *UserConfig) error
}
