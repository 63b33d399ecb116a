// Package verify probes configured MCP servers for reachability and
// enumerates their tools. Three transports are supported: stdio (spawned
// process), HTTP POST, and SSE endpoint discovery followed by POST.
package verify

import (
	"context"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentbridge/agentbridge/internal/bridge/config"
	"github.com/agentbridge/agentbridge/internal/bridge/supervisor"
	"github.com/agentbridge/agentbridge/internal/bridge/tracing"
	"github.com/agentbridge/agentbridge/internal/common/logger"
)

// Status values for a probed server.
const (
	StatusPending   = "pending"
	StatusConnected = "connected"
	StatusFailed    = "failed"
)

// DefaultProbeTimeout bounds a stdio handshake when config does not say
// otherwise.
const DefaultProbeTimeout = 8 * time.Second

// ServerStatus is the ephemeral result of one probe. It is recomputed per
// status request and never persisted.
type ServerStatus struct {
	Name       string              `json:"name"`
	Status     string              `json:"status"`
	ServerInfo *mcp.Implementation `json:"serverInfo,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// ToolInfo is one tool reported by a server.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ToolsResult is the outcome of a tools/list request. Success is true when
// there was no error or at least one tool came back: a partial result is
// still usable.
type ToolsResult struct {
	ServerName string     `json:"serverName"`
	Success    bool       `json:"success"`
	Tools      []ToolInfo `json:"tools,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// clientInfo is the fixed identity sent in every initialize request.
var clientInfo = mcp.Implementation{
	Name:    "agentbridge",
	Version: "1.0.0",
}

// rpcRequest is the JSON-RPC envelope for probe requests. Params carry
// mcp-go types; the envelope itself is ours because probes are one-shot
// writes, not full client sessions.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func initializeRequest() rpcRequest {
	return rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "initialize",
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo:      clientInfo,
		},
	}
}

func initializedNotification() rpcRequest {
	return rpcRequest{JSONRPC: "2.0", Method: "notifications/initialized"}
}

func listToolsRequest() rpcRequest {
	return rpcRequest{JSONRPC: "2.0", ID: 2, Method: "tools/list"}
}

// Verifier dispatches probes by transport.
type Verifier struct {
	cfg        *config.MCPConfig
	supervisor *supervisor.Supervisor
	logger     *logger.Logger
	tracer     trace.Tracer
}

// New creates a Verifier over the configured server set.
func New(cfg *config.MCPConfig, sup *supervisor.Supervisor, log *logger.Logger) *Verifier {
	return &Verifier{
		cfg:        cfg,
		supervisor: sup,
		logger:     log.WithComponent("mcp-verify"),
		tracer:     tracing.Tracer("mcp-verify"),
	}
}

func (v *Verifier) probeTimeout() time.Duration {
	if v.cfg.ProbeTimeout > 0 {
		return v.cfg.ProbeTimeoutDuration()
	}
	return DefaultProbeTimeout
}

// validateConfig classifies a server config without any network or process
// activity. An empty reason means the config is usable.
func validateConfig(server config.ServerConfig) string {
	switch server.Type {
	case "", "stdio":
		if server.Command == "" {
			return "no command configured"
		}
		if err := supervisor.ValidateCommand(server.Command); err != nil {
			return err.Error()
		}
	case "http", "streamable-http", "sse":
		if server.URL == "" {
			return "no url configured"
		}
	default:
		return "unknown transport type: " + server.Type
	}
	return ""
}

// VerifyServer probes one server by its configured transport.
func (v *Verifier) VerifyServer(ctx context.Context, name string, server config.ServerConfig) ServerStatus {
	ctx, span := v.tracer.Start(ctx, "mcp.probe",
		trace.WithAttributes(
			attribute.String("server", name),
			attribute.String("transport", transportName(server)),
		))
	defer span.End()

	st := v.probe(ctx, name, server)
	span.SetAttributes(attribute.String("status", st.Status))
	return st
}

func (v *Verifier) probe(ctx context.Context, name string, server config.ServerConfig) ServerStatus {
	if reason := validateConfig(server); reason != "" {
		return ServerStatus{Name: name, Status: StatusFailed, Error: reason}
	}

	switch server.Type {
	case "http", "streamable-http":
		return v.probeHTTP(ctx, name, server)
	case "sse":
		return v.probeSSE(ctx, name, server)
	default:
		return v.probeStdio(ctx, name, server)
	}
}

func transportName(server config.ServerConfig) string {
	if server.Type == "" {
		return "stdio"
	}
	return server.Type
}

// VerifyAll reports a status for every configured server. Enabled servers
// are probed concurrently; disabled and invalid servers are reported failed
// with a reason and without any activity, so the host always sees the full
// configured list.
func (v *Verifier) VerifyAll(ctx context.Context) []ServerStatus {
	names := make([]string, 0, len(v.cfg.Servers))
	for name := range v.cfg.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make([]ServerStatus, len(names))
	g, gctx := errgroup.WithContext(ctx)

	for i, name := range names {
		server := v.cfg.Servers[name]

		if v.cfg.IsDisabled(name) {
			statuses[i] = ServerStatus{Name: name, Status: StatusFailed, Error: "server is disabled in settings"}
			continue
		}
		if reason := validateConfig(server); reason != "" {
			statuses[i] = ServerStatus{Name: name, Status: StatusFailed, Error: reason}
			continue
		}

		g.Go(func() error {
			statuses[i] = v.VerifyServer(gctx, name, server)
			return nil
		})
	}

	_ = g.Wait()

	for _, st := range statuses {
		v.logger.Debug("server probe finished",
			zap.String("server", st.Name), zap.String("status", st.Status))
	}
	return statuses
}

// ListTools enumerates one server's tools over its configured transport.
func (v *Verifier) ListTools(ctx context.Context, name string) ToolsResult {
	server, ok := v.cfg.Servers[name]
	if !ok {
		return ToolsResult{ServerName: name, Success: false, Error: "server is not configured"}
	}
	if v.cfg.IsDisabled(name) {
		return ToolsResult{ServerName: name, Success: false, Error: "server is disabled in settings"}
	}
	if reason := validateConfig(server); reason != "" {
		return ToolsResult{ServerName: name, Success: false, Error: reason}
	}

	var result ToolsResult
	switch server.Type {
	case "http", "streamable-http":
		result = v.listToolsHTTP(ctx, name, server)
	case "sse":
		result = v.listToolsSSE(ctx, name, server)
	default:
		result = v.listToolsStdio(ctx, name, server)
	}

	// Partial results still count as usable.
	result.Success = result.Error == "" || len(result.Tools) > 0
	return result
}

func toToolInfos(tools []mcp.Tool) []ToolInfo {
	infos := make([]ToolInfo, 0, len(tools))
	for _, t := range tools {
		infos = append(infos, ToolInfo{Name: t.Name, Description: t.Description})
	}
	return infos
}
