package verify

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/bridge/config"
)

// rpcResponse is the JSON-RPC envelope read back from a server.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// probeStdio spawns the configured command, performs the initialize
// handshake over its stdio, and classifies the outcome. The command was
// already validated against the allow-list before this point.
func (v *Verifier) probeStdio(ctx context.Context, name string, server config.ServerConfig) ServerStatus {
	proc, err := v.supervisor.Spawn(ctx, server.Command, server.Args, server.Env, "")
	if err != nil {
		return ServerStatus{Name: name, Status: StatusFailed, Error: err.Error()}
	}
	// A verdict always terminates the process, SIGTERM first.
	defer proc.Kill()

	payload, err := json.Marshal(initializeRequest())
	if err != nil {
		return ServerStatus{Name: name, Status: StatusFailed, Error: err.Error()}
	}
	if _, err := proc.Stdin().Write(append(payload, '\n')); err != nil {
		return ServerStatus{Name: name, Status: StatusFailed, Error: fmt.Sprintf("failed to write initialize: %v", err)}
	}
	_ = proc.CloseStdin()

	watch := newOutputWatch(proc.Stdout())
	timeout := time.After(v.probeTimeout())

	for {
		select {
		case <-ctx.Done():
			return ServerStatus{Name: name, Status: StatusPending, Error: ctx.Err().Error()}

		case <-timeout:
			// Degrade to pending: the server may be slow, not broken.
			v.logger.Warn("stdio handshake timed out", zap.String("server", name))
			return ServerStatus{Name: name, Status: StatusPending, ServerInfo: parseServerInfo(watch.snapshot())}

		case <-proc.Exited():
			watch.settle()
			output := watch.snapshot()
			if handshakeSucceeded(output) {
				return ServerStatus{Name: name, Status: StatusConnected, ServerInfo: parseServerInfo(output)}
			}
			// Some servers print a banner and exit when stdin closes.
			if strings.Contains(output, "MCP") {
				return ServerStatus{Name: name, Status: StatusConnected, ServerInfo: parseServerInfo(output)}
			}
			if proc.ExitCode() == 0 {
				return ServerStatus{Name: name, Status: StatusPending}
			}
			reason := fmt.Sprintf("process exited with code %d", proc.ExitCode())
			if tail := proc.StderrTail(3); len(tail) > 0 {
				reason += ": " + strings.Join(tail, " | ")
			}
			return ServerStatus{Name: name, Status: StatusFailed, Error: reason}

		case <-watch.updated:
			output := watch.snapshot()
			if handshakeSucceeded(output) {
				return ServerStatus{Name: name, Status: StatusConnected, ServerInfo: parseServerInfo(output)}
			}
		}
	}
}

// handshakeSucceeded reports whether the buffered stdout looks like a
// JSON-RPC response.
func handshakeSucceeded(output string) bool {
	return strings.Contains(output, `"jsonrpc"`) || strings.Contains(output, `"result"`)
}

// listToolsStdio performs initialize + initialized + tools/list over stdio
// and extracts the tool list from the response stream.
func (v *Verifier) listToolsStdio(ctx context.Context, name string, server config.ServerConfig) ToolsResult {
	proc, err := v.supervisor.Spawn(ctx, server.Command, server.Args, server.Env, "")
	if err != nil {
		return ToolsResult{ServerName: name, Error: err.Error()}
	}
	defer proc.Kill()

	var lines []byte
	for _, req := range []rpcRequest{initializeRequest(), initializedNotification(), listToolsRequest()} {
		payload, err := json.Marshal(req)
		if err != nil {
			return ToolsResult{ServerName: name, Error: err.Error()}
		}
		lines = append(lines, payload...)
		lines = append(lines, '\n')
	}
	if _, err := proc.Stdin().Write(lines); err != nil {
		return ToolsResult{ServerName: name, Error: fmt.Sprintf("failed to write requests: %v", err)}
	}
	_ = proc.CloseStdin()

	type outcome struct {
		tools []mcp.Tool
		err   string
	}
	resultCh := make(chan outcome, 1)

	go func() {
		scanner := bufio.NewScanner(proc.Stdout())
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			var resp rpcResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				continue // noise between responses is skipped, never fatal
			}
			if resp.Error != nil && resp.ID == 2 {
				resultCh <- outcome{err: resp.Error.Message}
				return
			}
			if len(resp.Result) == 0 {
				continue
			}
			var listed struct {
				Tools []mcp.Tool `json:"tools"`
			}
			if err := json.Unmarshal(resp.Result, &listed); err != nil || listed.Tools == nil {
				continue
			}
			resultCh <- outcome{tools: listed.Tools}
			return
		}
		resultCh <- outcome{err: "no tools/list response before stream end"}
	}()

	select {
	case <-ctx.Done():
		return ToolsResult{ServerName: name, Error: ctx.Err().Error()}
	case <-time.After(v.probeTimeout()):
		return ToolsResult{ServerName: name, Error: "tools/list timed out"}
	case out := <-resultCh:
		if out.err != "" {
			return ToolsResult{ServerName: name, Error: out.err}
		}
		return ToolsResult{ServerName: name, Tools: toToolInfos(out.tools)}
	}
}

// outputWatch accumulates a reader's lines and signals after each one.
type outputWatch struct {
	mu      sync.Mutex
	buf     strings.Builder
	updated chan struct{}
	done    chan struct{}
}

func newOutputWatch(r io.Reader) *outputWatch {
	w := &outputWatch{
		updated: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go w.consume(r)
	return w
}

func (w *outputWatch) consume(r io.Reader) {
	defer close(w.done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		w.mu.Lock()
		w.buf.WriteString(scanner.Text())
		w.buf.WriteByte('\n')
		w.mu.Unlock()
		select {
		case w.updated <- struct{}{}:
		default:
		}
	}
}

func (w *outputWatch) snapshot() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// settle waits briefly for the reader to drain after process exit.
func (w *outputWatch) settle() {
	select {
	case <-w.done:
	case <-time.After(100 * time.Millisecond):
	}
}
