package verify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/agentbridge/internal/bridge/config"
)

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		marker string
		want   string
	}{
		{
			"simple object",
			`log: "serverInfo": {"name":"x","version":"1"}`,
			`"serverInfo"`,
			`{"name":"x","version":"1"}`,
		},
		{
			"nested objects",
			`{"result":{"serverInfo":{"name":"x","meta":{"a":1}}}}`,
			`"serverInfo"`,
			`{"name":"x","meta":{"a":1}}`,
		},
		{
			"braces inside strings do not close",
			`"serverInfo": {"name":"weird } brace","v":"1"}`,
			`"serverInfo"`,
			`{"name":"weird } brace","v":"1"}`,
		},
		{
			"escaped quotes inside strings",
			`"serverInfo": {"name":"say \"hi\" {ok}"}`,
			`"serverInfo"`,
			`{"name":"say \"hi\" {ok}"}`,
		},
		{"marker missing", `{"name":"x"}`, `"serverInfo"`, ""},
		{"no object after marker", `"serverInfo": nothing here`, `"serverInfo"`, ""},
		{"unbalanced object", `"serverInfo": {"name":"x"`, `"serverInfo"`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSONObject(tt.line, tt.marker))
		})
	}
}

func TestExtractJSONObjectSkipsOversizedLine(t *testing.T) {
	line := `"serverInfo": {"name":"x"}` + strings.Repeat(" ", maxScanLine)
	assert.Equal(t, "", ExtractJSONObject(line, `"serverInfo"`))
}

func TestParseServerInfo(t *testing.T) {
	output := strings.Join([]string{
		"startup noise",
		strings.Repeat("x", maxScanLine+1),
		`{"jsonrpc":"2.0","id":1,"result":{"serverInfo":{"name":"x","version":"2.0"},"capabilities":{}}}`,
		"trailing noise",
	}, "\n")

	info := parseServerInfo(output)
	require.NotNil(t, info)
	assert.Equal(t, "x", info.Name)
	assert.Equal(t, "2.0", info.Version)
}

func TestParseServerInfoAbsent(t *testing.T) {
	assert.Nil(t, parseServerInfo("no handshake output at all\n"))
	assert.Nil(t, parseServerInfo(`{"serverInfo": broken`))
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		server config.ServerConfig
		ok     bool
	}{
		{"stdio with allowed command", config.ServerConfig{Command: "npx"}, true},
		{"stdio with blocked command", config.ServerConfig{Command: "rm"}, false},
		{"stdio without command", config.ServerConfig{}, false},
		{"http with url", config.ServerConfig{Type: "http", URL: "http://localhost:3000"}, true},
		{"http without url", config.ServerConfig{Type: "http"}, false},
		{"sse with url", config.ServerConfig{Type: "sse", URL: "http://localhost:3000/sse"}, true},
		{"unknown transport", config.ServerConfig{Type: "grpc", URL: "x"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason := validateConfig(tt.server)
			if tt.ok {
				assert.Empty(t, reason)
			} else {
				assert.NotEmpty(t, reason)
			}
		})
	}
}
