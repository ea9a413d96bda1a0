// Package config loads and validates the mcpchat application configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultSystemPrompt seeds the agent when no override is configured.
	DefaultSystemPrompt = "<ROLE>You are a smart agent with an ability to use tools. " +
		"Answer the user's question directly, and use the available tools whenever " +
		"they help you answer accurately.</ROLE>"

	DefaultModel          = "gpt-4o"
	DefaultTimeoutSeconds = 120
	DefaultStepLimit      = 100
	DefaultRuntimeCommand = "python"
	DefaultStagingDir     = "temp_tools"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AuthConfig configures the single-credential login boundary.
type AuthConfig struct {
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	SessionSecret string `yaml:"session_secret"`
}

// StorageConfig configures the user-settings store. An empty URI selects
// the in-memory store.
type StorageConfig struct {
	MongoURI string `yaml:"mongo_uri"`
	Database string `yaml:"database"`
}

// ToolMarketConfig configures the remote tool registry.
type ToolMarketConfig struct {
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	StagingDir     string `yaml:"staging_dir"`
	RuntimeCommand string `yaml:"runtime_command"`
}

// AgentConfig configures agent construction and per-query defaults.
type AgentConfig struct {
	SystemPrompt   string `yaml:"system_prompt"`
	DefaultModel   string `yaml:"default_model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	StepLimit      int    `yaml:"step_limit"`
}

// Config is the root application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Storage    StorageConfig    `yaml:"storage"`
	ToolMarket ToolMarketConfig `yaml:"tool_market"`
	Agent      AgentConfig      `yaml:"agent"`
}

// SetDefaults fills in zero values.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5000
	}
	if c.Auth.Username == "" {
		c.Auth.Username = os.Getenv("USER_ID")
	}
	if c.Auth.Password == "" {
		c.Auth.Password = os.Getenv("USER_PASSWORD")
	}
	if c.Auth.SessionSecret == "" {
		c.Auth.SessionSecret = os.Getenv("SECRET_KEY")
	}
	if c.Storage.Database == "" {
		c.Storage.Database = "mcp_platform"
	}
	if c.ToolMarket.BaseURL == "" {
		c.ToolMarket.BaseURL = os.Getenv("TOOL_MARKET_URL")
	}
	if c.ToolMarket.Token == "" {
		c.ToolMarket.Token = os.Getenv("TOOL_MARKET_TOKEN")
	}
	if c.ToolMarket.StagingDir == "" {
		c.ToolMarket.StagingDir = DefaultStagingDir
	}
	if c.ToolMarket.RuntimeCommand == "" {
		c.ToolMarket.RuntimeCommand = DefaultRuntimeCommand
	}
	if c.Agent.SystemPrompt == "" {
		c.Agent.SystemPrompt = DefaultSystemPrompt
	}
	if c.Agent.DefaultModel == "" {
		c.Agent.DefaultModel = DefaultModel
	}
	if c.Agent.TimeoutSeconds == 0 {
		c.Agent.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if c.Agent.StepLimit == 0 {
		c.Agent.StepLimit = DefaultStepLimit
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Auth.Username == "" || c.Auth.Password == "" {
		return fmt.Errorf("auth credentials are required (auth.username/auth.password or USER_ID/USER_PASSWORD)")
	}
	if c.Auth.SessionSecret == "" {
		return fmt.Errorf("session secret is required (auth.session_secret or SECRET_KEY)")
	}
	if c.ToolMarket.BaseURL == "" {
		return fmt.Errorf("tool market base URL is required (tool_market.base_url)")
	}
	return nil
}

// Load reads a YAML config file, expands environment variable references,
// applies defaults, and validates the result. An empty path yields a
// default config built from the environment alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		var data map[string]interface{}
		if err := yaml.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}

		expanded, err := yaml.Marshal(ExpandEnvVarsInData(data))
		if err != nil {
			return nil, fmt.Errorf("failed to expand config: %w", err)
		}

		if err := yaml.Unmarshal(expanded, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
