package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/agentbridge/agentbridge/internal/bridge/config"
	"github.com/agentbridge/agentbridge/internal/bridge/supervisor"
	"github.com/agentbridge/agentbridge/internal/common/logger"
)

func newTestVerifier(cfg *config.MCPConfig) *Verifier {
	log := logger.Default()
	return New(cfg, supervisor.New(log), log)
}

// initializeResult is what a healthy server answers to initialize.
func initializeResult() map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"result": map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": "test-server", "version": "1.2.3"},
			"capabilities":    map[string]any{},
		},
	}
}

func TestVerifyAllReportsEveryConfiguredServer(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(initializeResult())
	}))
	defer healthy.Close()

	cfg := &config.MCPConfig{
		Servers: map[string]config.ServerConfig{
			"healthy":  {Type: "http", URL: healthy.URL},
			"disabled": {Type: "http", URL: healthy.URL},
			"invalid":  {Command: "rm"},
			"missing":  {},
		},
		Disabled:     []string{"disabled"},
		ProbeTimeout: 2,
	}

	statuses := newTestVerifier(cfg).VerifyAll(context.Background())
	require.Len(t, statuses, 4)

	byName := map[string]ServerStatus{}
	for _, st := range statuses {
		byName[st.Name] = st
	}

	assert.Equal(t, StatusConnected, byName["healthy"].Status)
	require.NotNil(t, byName["healthy"].ServerInfo)
	assert.Equal(t, "test-server", byName["healthy"].ServerInfo.Name)

	assert.Equal(t, StatusFailed, byName["disabled"].Status)
	assert.Contains(t, byName["disabled"].Error, "disabled")

	assert.Equal(t, StatusFailed, byName["invalid"].Status)
	assert.Contains(t, byName["invalid"].Error, "allow-list")

	assert.Equal(t, StatusFailed, byName["missing"].Status)
	assert.Contains(t, byName["missing"].Error, "no command")
}

func TestVerifyAllSortedByName(t *testing.T) {
	cfg := &config.MCPConfig{
		Servers: map[string]config.ServerConfig{
			"zeta":  {},
			"alpha": {},
			"mid":   {},
		},
		ProbeTimeout: 2,
	}

	statuses := newTestVerifier(cfg).VerifyAll(context.Background())
	require.Len(t, statuses, 3)
	assert.Equal(t, "alpha", statuses[0].Name)
	assert.Equal(t, "mid", statuses[1].Name)
	assert.Equal(t, "zeta", statuses[2].Name)
}

func TestProbeHTTPFailedStatus(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer broken.Close()

	cfg := &config.MCPConfig{
		Servers:      map[string]config.ServerConfig{"broken": {Type: "http", URL: broken.URL}},
		ProbeTimeout: 2,
	}
	statuses := newTestVerifier(cfg).VerifyAll(context.Background())
	require.Len(t, statuses, 1)
	assert.Equal(t, StatusFailed, statuses[0].Status)
	assert.Contains(t, statuses[0].Error, "502")
}

func TestProbeHTTPSSEFramedResponse(t *testing.T) {
	framed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := json.Marshal(initializeResult())
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
	}))
	defer framed.Close()

	cfg := &config.MCPConfig{
		Servers:      map[string]config.ServerConfig{"framed": {Type: "streamable-http", URL: framed.URL}},
		ProbeTimeout: 2,
	}
	statuses := newTestVerifier(cfg).VerifyAll(context.Background())
	require.Len(t, statuses, 1)
	assert.Equal(t, StatusConnected, statuses[0].Status)
}

func TestProbeSSEDiscoversEndpoint(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: endpoint\ndata: /messages\n\n")
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(initializeResult())
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := &config.MCPConfig{
		Servers:      map[string]config.ServerConfig{"sse": {Type: "sse", URL: srv.URL + "/sse"}},
		ProbeTimeout: 2,
	}
	statuses := newTestVerifier(cfg).VerifyAll(context.Background())
	require.Len(t, statuses, 1)
	assert.Equal(t, StatusConnected, statuses[0].Status)
	require.NotNil(t, statuses[0].ServerInfo)
	assert.Equal(t, "test-server", statuses[0].ServerInfo.Name)
}

func TestVerifyAllEmitsProbeSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(initializeResult())
	}))
	defer healthy.Close()

	cfg := &config.MCPConfig{
		Servers: map[string]config.ServerConfig{
			"healthy":  {Type: "http", URL: healthy.URL},
			"disabled": {Type: "http", URL: healthy.URL},
		},
		Disabled:     []string{"disabled"},
		ProbeTimeout: 2,
	}
	v := newTestVerifier(cfg)
	v.tracer = tp.Tracer("mcp-verify")

	v.VerifyAll(context.Background())

	// One span per probed server; disabled servers see no activity at all.
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "mcp.probe", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("server", "healthy"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("transport", "http"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("status", StatusConnected))
}

func TestListToolsHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch req.Method {
		case "initialize":
			_ = json.NewEncoder(w).Encode(initializeResult())
		case "tools/list":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0",
				"id":      2,
				"result": map[string]any{
					"tools": []map[string]any{
						{"name": "search", "description": "find things"},
						{"name": "fetch"},
					},
				},
			})
		}
	}))
	defer srv.Close()

	cfg := &config.MCPConfig{
		Servers:      map[string]config.ServerConfig{"tools": {Type: "http", URL: srv.URL}},
		ProbeTimeout: 2,
	}
	result := newTestVerifier(cfg).ListTools(context.Background(), "tools")

	assert.True(t, result.Success)
	require.Len(t, result.Tools, 2)
	assert.Equal(t, "search", result.Tools[0].Name)
	assert.Equal(t, "find things", result.Tools[0].Description)
}

func TestListToolsUnknownServer(t *testing.T) {
	cfg := &config.MCPConfig{Servers: map[string]config.ServerConfig{}, ProbeTimeout: 2}
	result := newTestVerifier(cfg).ListTools(context.Background(), "ghost")
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "not configured")
}

func TestListToolsDisabledServer(t *testing.T) {
	cfg := &config.MCPConfig{
		Servers:      map[string]config.ServerConfig{"s": {Type: "http", URL: "http://localhost:1"}},
		Disabled:     []string{"s"},
		ProbeTimeout: 2,
	}
	result := newTestVerifier(cfg).ListTools(context.Background(), "s")
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "disabled")
}

func TestListToolsPartialResultStillUsable(t *testing.T) {
	// The composition rule: an error alongside at least one tool still
	// counts as success.
	result := ToolsResult{ServerName: "s", Tools: []ToolInfo{{Name: "x"}}, Error: "warning: slow"}
	result.Success = result.Error == "" || len(result.Tools) > 0
	assert.True(t, result.Success)

	empty := ToolsResult{ServerName: "s", Error: "dead"}
	empty.Success = empty.Error == "" || len(empty.Tools) > 0
	assert.False(t, empty.Success)
}
