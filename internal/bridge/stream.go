package bridge

import (
	"encoding/json"
	"strings"

	"github.com/agentbridge/agentbridge/internal/bridge/ipc"
	"github.com/agentbridge/agentbridge/pkg/agentsdk"
)

// streamState tracks one attempt's translation from provider messages to IPC
// lines. Reset at every attempt; the stream-end marker fires exactly once per
// started stream, including on error and retry paths.
type streamState struct {
	emitter   *ipc.Emitter
	streaming bool

	started bool
	ended   bool

	textBuf     string
	thinkingBuf string

	// seenStreamEvents disables the diff fallback: once the provider emits
	// real stream_events, computing deltas from full messages would
	// double-emit.
	seenStreamEvents bool

	// messageCount counts substantive provider messages (assistant, user,
	// result). The retry loop refuses to retry once this exceeds the gate.
	messageCount int
}

func newStreamState(em *ipc.Emitter, streaming bool) *streamState {
	return &streamState{emitter: em, streaming: streaming}
}

// markStarted emits the stream-start marker on the first event of any kind.
func (st *streamState) markStarted() {
	if !st.streaming || st.started {
		return
	}
	st.started = true
	st.emitter.Emit(ipc.MarkerStreamStart, "")
}

// end emits the stream-end marker. Idempotent.
func (st *streamState) end() {
	if !st.streaming || !st.started || st.ended {
		return
	}
	st.ended = true
	st.emitter.Emit(ipc.MarkerStreamEnd, "")
}

// handleStreamEvent translates a partial-content event. stream_event messages
// are never forwarded whole; only their deltas reach the host.
func (st *streamState) handleStreamEvent(ev *agentsdk.StreamEvent) {
	if ev == nil {
		return
	}
	switch ev.Type {
	case agentsdk.StreamEventContentBlockStart:
		st.seenStreamEvents = true
		if ev.ContentBlock != nil && ev.ContentBlock.Type == agentsdk.BlockTypeThinking {
			st.emitter.Emit(ipc.MarkerThinkingStart, "")
		}

	case agentsdk.StreamEventContentBlockDelta:
		st.seenStreamEvents = true
		if ev.Delta == nil {
			return
		}
		switch ev.Delta.Type {
		case agentsdk.DeltaTypeText:
			st.textBuf += ev.Delta.Text
			_ = st.emitter.EmitDelta(ipc.MarkerContentDelta, ev.Delta.Text)
		case agentsdk.DeltaTypeThinking:
			st.thinkingBuf += ev.Delta.Thinking
			_ = st.emitter.EmitDelta(ipc.MarkerThinkingDelta, ev.Delta.Thinking)
		}
	}
}

// handleAssistant translates a complete assistant message.
//
// Streaming mode suppresses pure-text assistant messages (the streamed view
// already carries the text) and forwards the full message only when it bears
// a tool_use block. Without real stream events, a diff fallback emits the
// text suffix beyond what was already streamed.
func (st *streamState) handleAssistant(msg *agentsdk.Message) {
	body := msg.Message
	if body == nil {
		return
	}
	blocks := body.ContentBlocks()

	if st.streaming {
		hasToolUse := false
		for _, block := range blocks {
			if block.Type == agentsdk.BlockTypeToolUse {
				hasToolUse = true
				_ = st.emitter.EmitJSON(ipc.MarkerToolUse, ipc.ToolUsePayload{ID: block.ID, Name: block.Name})
			}
		}

		if !st.seenStreamEvents {
			full := concatText(blocks)
			if len(full) > len(st.textBuf) && strings.HasPrefix(full, st.textBuf) {
				_ = st.emitter.EmitDelta(ipc.MarkerContentDelta, full[len(st.textBuf):])
				st.textBuf = full
			}
		}

		if hasToolUse {
			_ = st.emitter.EmitJSON(ipc.MarkerMessage, messageEnvelope(msg))
		}
		return
	}

	_ = st.emitter.EmitJSON(ipc.MarkerMessage, messageEnvelope(msg))
	for _, block := range blocks {
		switch block.Type {
		case agentsdk.BlockTypeText:
			st.emitter.Emit(ipc.MarkerContent, ipc.ShapeContent(block.Text))
		case agentsdk.BlockTypeThinking:
			st.emitter.Emit(ipc.MarkerThinking, block.Thinking)
		case agentsdk.BlockTypeToolUse:
			_ = st.emitter.EmitJSON(ipc.MarkerToolUse, ipc.ToolUsePayload{ID: block.ID, Name: block.Name})
		}
	}
}

// handleUser translates tool results flowing back through the transcript.
func (st *streamState) handleUser(msg *agentsdk.Message) {
	if msg.Message == nil {
		return
	}
	for _, block := range msg.Message.ContentBlocks() {
		if block.Type != agentsdk.BlockTypeToolResult {
			continue
		}
		_ = st.emitter.EmitJSON(ipc.MarkerToolResult, ipc.ToolResultPayload{
			ToolUseID: block.ToolUseID,
			Content:   ipc.ShapeToolResult(toolResultText(block.Content)),
			IsError:   block.IsError,
		})
	}
}

// toolResultText flattens tool_result content: a plain string passes through,
// an array of sub-blocks is concatenated by its text fields. The shaping rule
// applies uniformly to both shapes.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []agentsdk.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var sb strings.Builder
		for _, b := range blocks {
			sb.WriteString(b.Text)
		}
		return sb.String()
	}
	return string(raw)
}

func concatText(blocks []agentsdk.ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == agentsdk.BlockTypeText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// messageEnvelope renders the host-facing [MESSAGE] payload with transport
// shaping applied to oversized content blocks.
func messageEnvelope(msg *agentsdk.Message) map[string]any {
	env := map[string]any{
		"type": msg.Type,
	}
	if msg.UUID != "" {
		env["uuid"] = msg.UUID
	}
	if msg.ParentUUID != "" {
		env["parent_uuid"] = msg.ParentUUID
	}
	if msg.SessionID != "" {
		env["session_id"] = msg.SessionID
	}
	if msg.Message == nil {
		return env
	}

	blocks := msg.Message.ContentBlocks()
	shaped := make([]agentsdk.ContentBlock, len(blocks))
	for i, block := range blocks {
		shaped[i] = block
		switch block.Type {
		case agentsdk.BlockTypeText:
			shaped[i].Text = ipc.ShapeContent(block.Text)
		case agentsdk.BlockTypeToolResult:
			content, _ := json.Marshal(ipc.ShapeToolResult(toolResultText(block.Content)))
			shaped[i].Content = content
		}
	}

	body := map[string]any{
		"role":    msg.Message.Role,
		"content": shaped,
	}
	if msg.Message.Model != "" {
		body["model"] = msg.Message.Model
	}
	if msg.Message.Usage != nil {
		body["usage"] = msg.Message.Usage
	}
	env["message"] = body
	return env
}
