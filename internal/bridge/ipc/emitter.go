// Package ipc implements the line-oriented stdout protocol consumed by the
// host process. Every host-visible event is one marker line, optionally
// followed by a JSON or text payload on the same line.
package ipc

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Marker lines of the host protocol.
const (
	MarkerMessageStart  = "[MESSAGE_START]"
	MarkerMessage       = "[MESSAGE]"
	MarkerContent       = "[CONTENT]"
	MarkerContentDelta  = "[CONTENT_DELTA]"
	MarkerThinking      = "[THINKING]"
	MarkerThinkingDelta = "[THINKING_DELTA]"
	MarkerThinkingStart = "[THINKING_START]"
	MarkerToolUse       = "[TOOL_USE]"
	MarkerToolResult    = "[TOOL_RESULT]"
	MarkerSessionID     = "[SESSION_ID]"
	MarkerUsage         = "[USAGE]"
	MarkerStreamStart   = "[STREAM_START]"
	MarkerStreamEnd     = "[STREAM_END]"
	MarkerMessageEnd    = "[MESSAGE_END]"
	MarkerSendError     = "[SEND_ERROR]"
	MarkerSDKStderr     = "[SDK-STDERR]"
	MarkerMCPStatus     = "[MCP_SERVER_STATUS]"
	MarkerMCPTools      = "[MCP_SERVER_TOOLS]"
)

// Emitter serializes protocol lines onto a writer. Writes are mutex-guarded
// so translation goroutines never interleave partial lines.
type Emitter struct {
	out io.Writer
	err io.Writer
	mu  sync.Mutex
}

// NewEmitter creates an Emitter. out receives protocol lines (host stdout),
// errOut receives the error-channel markers (host stderr).
func NewEmitter(out, errOut io.Writer) *Emitter {
	return &Emitter{out: out, err: errOut}
}

func (e *Emitter) line(w io.Writer, marker, payload string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if payload == "" {
		fmt.Fprintln(w, marker)
		return
	}
	fmt.Fprintf(w, "%s %s\n", marker, payload)
}

// Emit writes a marker line with an optional pre-rendered payload.
func (e *Emitter) Emit(marker, payload string) {
	e.line(e.out, marker, payload)
}

// EmitJSON writes a marker line with a JSON-encoded payload.
func (e *Emitter) EmitJSON(marker string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", marker, err)
	}
	e.line(e.out, marker, string(data))
	return nil
}

// EmitRaw writes a marker line with an already-serialized JSON payload.
func (e *Emitter) EmitRaw(marker string, raw []byte) {
	e.line(e.out, marker, string(raw))
}

// EmitDelta writes a delta marker with the text JSON-string-encoded, so the
// host can recover embedded newlines.
func (e *Emitter) EmitDelta(marker, text string) error {
	return e.EmitJSON(marker, text)
}

// EmitError writes an error marker line to the stderr channel.
func (e *Emitter) EmitError(marker, payload string) {
	e.line(e.err, marker, payload)
}

// EmitFinal writes the bare final result JSON line that terminates a turn.
func (e *Emitter) EmitFinal(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode final result: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprintln(e.out, string(data))
	return nil
}

// UsagePayload is the [USAGE] line payload.
type UsagePayload struct {
	InputTokens      int64 `json:"inputTokens"`
	OutputTokens     int64 `json:"outputTokens"`
	CacheWriteTokens int64 `json:"cacheWriteTokens"`
	CacheReadTokens  int64 `json:"cacheReadTokens"`
}

// ToolUsePayload is the [TOOL_USE] line payload.
type ToolUsePayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ToolResultPayload is the [TOOL_RESULT] line payload.
type ToolResultPayload struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// FinalResult is the JSON object on the last line of every turn.
type FinalResult struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
	Details   any    `json:"details,omitempty"`
}
