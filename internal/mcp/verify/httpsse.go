package verify

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentbridge/agentbridge/internal/bridge/config"
)

// postJSONRPC posts one JSON-RPC request and decodes the JSON-RPC envelope
// out of the response. Servers answering over SSE framing ("data:" lines)
// are unwrapped too.
func (v *Verifier) postJSONRPC(ctx context.Context, endpoint string, req rpcRequest) (*rpcResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	client := &http.Client{Timeout: v.probeTimeout()}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, err
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err == nil && (rpcResp.Result != nil || rpcResp.Error != nil) {
		return &rpcResp, nil
	}

	// Streamable HTTP servers may frame the response as SSE.
	for _, line := range strings.Split(string(body), "\n") {
		data, ok := strings.CutPrefix(strings.TrimSpace(line), "data:")
		if !ok {
			continue
		}
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &rpcResp); err == nil &&
			(rpcResp.Result != nil || rpcResp.Error != nil) {
			return &rpcResp, nil
		}
	}
	return nil, fmt.Errorf("response is not a JSON-RPC message")
}

// probeHTTP posts the initialize payload directly to the configured URL.
func (v *Verifier) probeHTTP(ctx context.Context, name string, server config.ServerConfig) ServerStatus {
	resp, err := v.postJSONRPC(ctx, server.URL, initializeRequest())
	if err != nil {
		return ServerStatus{Name: name, Status: StatusFailed, Error: err.Error()}
	}
	if resp.Error != nil {
		return ServerStatus{Name: name, Status: StatusFailed, Error: resp.Error.Message}
	}

	var result mcp.InitializeResult
	status := ServerStatus{Name: name, Status: StatusConnected}
	if err := json.Unmarshal(resp.Result, &result); err == nil && result.ServerInfo.Name != "" {
		info := result.ServerInfo
		status.ServerInfo = &info
	}
	return status
}

// probeSSE opens the event stream, discovers the POST endpoint from it, then
// performs the initialize POST. The two phases are strictly ordered; there
// is no fallback to posting at the stream URL.
func (v *Verifier) probeSSE(ctx context.Context, name string, server config.ServerConfig) ServerStatus {
	endpoint, err := v.discoverSSEEndpoint(ctx, server.URL)
	if err != nil {
		return ServerStatus{Name: name, Status: StatusFailed, Error: err.Error()}
	}

	resp, err := v.postJSONRPC(ctx, endpoint, initializeRequest())
	if err != nil {
		return ServerStatus{Name: name, Status: StatusFailed, Error: err.Error()}
	}
	if resp.Error != nil {
		return ServerStatus{Name: name, Status: StatusFailed, Error: resp.Error.Message}
	}

	var result mcp.InitializeResult
	status := ServerStatus{Name: name, Status: StatusConnected}
	if err := json.Unmarshal(resp.Result, &result); err == nil && result.ServerInfo.Name != "" {
		info := result.ServerInfo
		status.ServerInfo = &info
	}
	return status
}

// discoverSSEEndpoint reads the SSE stream until the server announces its
// message endpoint, resolved against the stream URL.
func (v *Verifier) discoverSSEEndpoint(ctx context.Context, streamURL string) (string, error) {
	probeCtx, cancel := context.WithTimeout(ctx, v.probeTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, streamURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to open SSE stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("SSE stream returned status %d", resp.StatusCode)
	}

	base, err := url.Parse(streamURL)
	if err != nil {
		return "", err
	}

	scanner := bufio.NewScanner(resp.Body)
	expectEndpoint := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "event: endpoint" {
			expectEndpoint = true
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		// Some servers skip the event name and send the endpoint as the
		// first data line.
		if expectEndpoint || strings.HasPrefix(data, "/") || strings.HasPrefix(data, "http") {
			ref, err := url.Parse(data)
			if err != nil {
				return "", fmt.Errorf("invalid endpoint in SSE stream: %w", err)
			}
			return base.ResolveReference(ref).String(), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("SSE stream read error: %w", err)
	}
	return "", fmt.Errorf("SSE stream closed before announcing an endpoint")
}

// listToolsHTTP enumerates tools over the HTTP transport.
func (v *Verifier) listToolsHTTP(ctx context.Context, name string, server config.ServerConfig) ToolsResult {
	return v.listToolsAt(ctx, name, server.URL)
}

// listToolsSSE discovers the endpoint first, then enumerates tools there.
func (v *Verifier) listToolsSSE(ctx context.Context, name string, server config.ServerConfig) ToolsResult {
	endpoint, err := v.discoverSSEEndpoint(ctx, server.URL)
	if err != nil {
		return ToolsResult{ServerName: name, Error: err.Error()}
	}
	return v.listToolsAt(ctx, name, endpoint)
}

func (v *Verifier) listToolsAt(ctx context.Context, name, endpoint string) ToolsResult {
	if _, err := v.postJSONRPC(ctx, endpoint, initializeRequest()); err != nil {
		return ToolsResult{ServerName: name, Error: err.Error()}
	}

	resp, err := v.postJSONRPC(ctx, endpoint, listToolsRequest())
	if err != nil {
		return ToolsResult{ServerName: name, Error: err.Error()}
	}
	if resp.Error != nil {
		return ToolsResult{ServerName: name, Error: resp.Error.Message}
	}

	var listed struct {
		Tools []mcp.Tool `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &listed); err != nil {
		return ToolsResult{ServerName: name, Error: fmt.Sprintf("malformed tools/list result: %v", err)}
	}
	return ToolsResult{ServerName: name, Tools: toToolInfos(listed.Tools)}
}
