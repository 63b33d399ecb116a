// Package config provides configuration for the agent bridge.
// It supports loading configuration from a settings file, environment variables,
// and defaults. The bridge never mutates configuration; the host owns the files.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentbridge/agentbridge/internal/common/logger"
)

// Config holds all configuration sections for the bridge.
type Config struct {
	Provider  ProviderConfig  `mapstructure:"provider"`
	Thinking  ThinkingConfig  `mapstructure:"thinking"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	MCP       MCPConfig       `mapstructure:"mcp"`
	Logging   logger.Config   `mapstructure:"logging"`
}

// ProviderConfig selects and parameterizes the AI provider backend.
type ProviderConfig struct {
	// Kind selects the provider implementation: agent-sdk, direct-api, bedrock.
	Kind string `mapstructure:"kind"`

	// Command is the agent CLI binary for the agent-sdk provider.
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`

	// Credentials as persisted by the host. The diagnostic payload reads these
	// fields only; it never consults the process environment.
	APIKey        string `mapstructure:"apiKey"`
	APIKeySource  string `mapstructure:"apiKeySource"`
	BaseURL       string `mapstructure:"baseUrl"`
	BaseURLSource string `mapstructure:"baseUrlSource"`

	// Model is the default model alias when the host omits one.
	Model string `mapstructure:"model"`
}

// ThinkingConfig controls the extended-reasoning token budget.
type ThinkingConfig struct {
	// AlwaysEnabled attaches a thinking budget to every turn. When false the
	// budget is omitted entirely and the provider default governs.
	AlwaysEnabled bool `mapstructure:"alwaysEnabled"`

	// Budget is the token allowance. Zero means use the env override or the
	// built-in default of 10000.
	Budget int `mapstructure:"budget"`
}

// StreamingConfig controls partial-output streaming defaults.
type StreamingConfig struct {
	// Default applies when the host does not pass an explicit streaming flag.
	Default bool `mapstructure:"default"`
}

// SessionsConfig holds transcript persistence configuration.
type SessionsConfig struct {
	// ProjectsRoot is the directory holding per-project transcript dirs.
	ProjectsRoot string `mapstructure:"projectsRoot"`
}

// MCPConfig holds the configured MCP servers.
type MCPConfig struct {
	Servers  map[string]ServerConfig `mapstructure:"mcpServers"`
	Disabled []string                `mapstructure:"disabledMcpServers"`

	// ProbeTimeout bounds a single stdio handshake, in seconds.
	ProbeTimeout int `mapstructure:"probeTimeoutSeconds"`
}

// ServerConfig describes one configured MCP server. Transport is selected by
// Type: empty or "stdio" spawns Command, "http"/"streamable-http" and "sse"
// use URL.
type ServerConfig struct {
	Type    string            `mapstructure:"type"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	URL     string            `mapstructure:"url"`
}

// IsDisabled reports whether the named server is on the disabled list.
func (m *MCPConfig) IsDisabled(name string) bool {
	for _, d := range m.Disabled {
		if d == name {
			return true
		}
	}
	return false
}

// ProbeTimeoutDuration returns the probe timeout as a time.Duration.
func (m *MCPConfig) ProbeTimeoutDuration() time.Duration {
	return time.Duration(m.ProbeTimeout) * time.Second
}

// ThinkingBudget resolves the effective token budget: configured value, else
// the env override, else 10000. Returns 0 when thinking is not always-on.
func (c *Config) ThinkingBudget(envBudget int) int {
	if !c.Thinking.AlwaysEnabled {
		return 0
	}
	if c.Thinking.Budget > 0 {
		return c.Thinking.Budget
	}
	if envBudget > 0 {
		return envBudget
	}
	return 10000
}

// APIKeyPreview returns a redacted preview of the API key: the first 10
// characters plus the total length. Empty keys yield "(not set)".
func (p *ProviderConfig) APIKeyPreview() string {
	if p.APIKey == "" {
		return "(not set)"
	}
	prefix := p.APIKey
	if len(prefix) > 10 {
		prefix = prefix[:10]
	}
	return fmt.Sprintf("%s... (%d chars)", prefix, len(p.APIKey))
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("provider.kind", "agent-sdk")
	v.SetDefault("provider.command", "claude")
	v.SetDefault("provider.model", "sonnet")
	v.SetDefault("provider.apiKeySource", "settings")
	v.SetDefault("provider.baseUrlSource", "default")

	v.SetDefault("thinking.alwaysEnabled", false)
	v.SetDefault("thinking.budget", 0)

	v.SetDefault("streaming.default", false)

	v.SetDefault("sessions.projectsRoot", "")

	v.SetDefault("mcp.probeTimeoutSeconds", 8)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from the default locations.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified directory or default
// locations. Environment variables use the prefix AGENTBRIDGE_ with
// underscore-separated naming.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for keys whose env var naming differs from the
	// config key naming (AutomaticEnv does not convert camelCase).
	_ = v.BindEnv("thinking.alwaysEnabled", "AGENTBRIDGE_ALWAYS_THINKING")
	_ = v.BindEnv("sessions.projectsRoot", "AGENTBRIDGE_PROJECTS_ROOT")
	_ = v.BindEnv("provider.command", "AGENTBRIDGE_AGENT_COMMAND")

	// The host persists settings.json next to its own state.
	v.SetConfigName("settings")
	v.SetConfigType("json")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.agentbridge")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading settings file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that configuration fields are consistent.
func validate(cfg *Config) error {
	var errs []string

	switch cfg.Provider.Kind {
	case "agent-sdk", "direct-api", "bedrock":
	default:
		errs = append(errs, "provider.kind must be one of: agent-sdk, direct-api, bedrock")
	}

	if cfg.Provider.Kind == "agent-sdk" && cfg.Provider.Command == "" {
		errs = append(errs, "provider.command is required for the agent-sdk provider")
	}

	if cfg.MCP.ProbeTimeout <= 0 {
		errs = append(errs, "mcp.probeTimeoutSeconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
