package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(content), 0644))
	return dir
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "agent-sdk", cfg.Provider.Kind)
	assert.Equal(t, "claude", cfg.Provider.Command)
	assert.Equal(t, "sonnet", cfg.Provider.Model)
	assert.Equal(t, "settings", cfg.Provider.APIKeySource)
	assert.False(t, cfg.Thinking.AlwaysEnabled)
	assert.False(t, cfg.Streaming.Default)
	assert.Equal(t, 8, cfg.MCP.ProbeTimeout)
}

func TestLoadFromSettingsFile(t *testing.T) {
	dir := writeSettings(t, `{
		"provider": {"kind": "agent-sdk", "command": "claude", "apiKey": "sk-ant-secret-0123456789"},
		"thinking": {"alwaysEnabled": true, "budget": 4096},
		"streaming": {"default": true},
		"mcp": {
			"mcpServers": {
				"files": {"command": "npx", "args": ["-y", "server-files"]},
				"remote": {"type": "sse", "url": "http://localhost:9100/sse"}
			},
			"disabledMcpServers": ["remote"]
		}
	}`)

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.True(t, cfg.Thinking.AlwaysEnabled)
	assert.Equal(t, 4096, cfg.Thinking.Budget)
	assert.True(t, cfg.Streaming.Default)

	require.Len(t, cfg.MCP.Servers, 2)
	assert.Equal(t, "npx", cfg.MCP.Servers["files"].Command)
	assert.Equal(t, "sse", cfg.MCP.Servers["remote"].Type)
	assert.True(t, cfg.MCP.IsDisabled("remote"))
	assert.False(t, cfg.MCP.IsDisabled("files"))
}

func TestLoadRejectsInvalidKind(t *testing.T) {
	dir := writeSettings(t, `{"provider": {"kind": "carrier-pigeon"}}`)
	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider.kind")
}

func TestThinkingBudgetResolution(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, 0, cfg.ThinkingBudget(9000), "disabled thinking omits the budget")

	cfg.Thinking.AlwaysEnabled = true
	assert.Equal(t, 10000, cfg.ThinkingBudget(0), "built-in default")
	assert.Equal(t, 9000, cfg.ThinkingBudget(9000), "env override")

	cfg.Thinking.Budget = 2048
	assert.Equal(t, 2048, cfg.ThinkingBudget(9000), "config beats env")
}

func TestAPIKeyPreview(t *testing.T) {
	p := &ProviderConfig{}
	assert.Equal(t, "(not set)", p.APIKeyPreview())

	p.APIKey = "sk-ant-secret-0123456789"
	preview := p.APIKeyPreview()
	assert.Equal(t, "sk-ant-sec... (24 chars)", preview)
	assert.NotContains(t, preview, "0123456789")

	p.APIKey = "short"
	assert.Equal(t, "short... (5 chars)", p.APIKeyPreview())
}

func TestProbeTimeoutDuration(t *testing.T) {
	m := &MCPConfig{ProbeTimeout: 8}
	assert.Equal(t, "8s", m.ProbeTimeoutDuration().String())
}
