// Package agentsdk provides types and a client for the agent CLI stream-json
// protocol. The agent CLI emits newline-delimited JSON on stdout and accepts
// user messages and control requests on stdin.
package agentsdk

import "encoding/json"

// Message types emitted by the agent CLI.
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text, thinking or tool_use blocks
	MessageTypeAssistant = "assistant"
	// MessageTypeUser carries tool results back into the transcript
	MessageTypeUser = "user"
	// MessageTypeResult is the final result message of a turn
	MessageTypeResult = "result"
	// MessageTypeStreamEvent is a partial-content event in streaming mode
	MessageTypeStreamEvent = "stream_event"
	// MessageTypeControlRequest is a control request (permission, hook)
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request
	MessageTypeControlResponse = "control_response"
)

// Control request subtypes.
const (
	// SubtypeCanUseTool is a permission request for tool use
	SubtypeCanUseTool = "can_use_tool"
	// SubtypeInitialize initializes the session
	SubtypeInitialize = "initialize"
	// SubtypeInterrupt interrupts the current operation
	SubtypeInterrupt = "interrupt"
	// SubtypeRewindFiles restores the file checkpoint for a message
	SubtypeRewindFiles = "rewind_files"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Content block types.
const (
	BlockTypeText       = "text"
	BlockTypeThinking   = "thinking"
	BlockTypeImage      = "image"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// Stream event types.
const (
	StreamEventContentBlockStart = "content_block_start"
	StreamEventContentBlockDelta = "content_block_delta"
	StreamEventContentBlockStop  = "content_block_stop"

	DeltaTypeText     = "text_delta"
	DeltaTypeThinking = "thinking_delta"
)

// Message represents one line from the agent CLI stdout. The type field
// determines which of the remaining fields are populated.
type Message struct {
	Type string `json:"type"`

	// Transcript linkage
	UUID       string `json:"uuid,omitempty"`
	ParentUUID string `json:"parent_uuid,omitempty"`

	// For system messages
	SessionID string `json:"session_id,omitempty"`
	Subtype   string `json:"subtype,omitempty"`

	// For assistant and user messages
	Message *MessageBody `json:"message,omitempty"`

	// For stream_event messages
	Event *StreamEvent `json:"event,omitempty"`

	// For control_request messages
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For control_response messages
	Response *IncomingControlResponse `json:"response,omitempty"`

	// For result messages. Result can be a string (error message) or object.
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`

	// Raw line for host-facing forwarding without re-marshaling drift.
	Raw json.RawMessage `json:"-"`
}

// MessageBody contains the role and content of an assistant or user message.
type MessageBody struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
	Model   string          `json:"model,omitempty"`
	Usage   *Usage          `json:"usage,omitempty"`
}

// ContentBlocks parses the content field as a block array. A plain-string
// content is returned as a single text block. Malformed content yields nil.
func (b *MessageBody) ContentBlocks() []ContentBlock {
	if len(b.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		return blocks
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return []ContentBlock{{Type: BlockTypeText, Text: s}}
	}
	return nil
}

// ContentBlock is one block of assistant or user message content.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For image blocks
	Source *ImageSource `json:"source,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks. Content is a string or an array of sub-blocks.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ImageSource carries base64 image data for multimodal user turns.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Usage contains token usage counters from an assistant message.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// StreamEvent is a partial content update in streaming mode.
type StreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`

	// For content_block_start events
	ContentBlock *ContentBlock `json:"content_block,omitempty"`

	// For content_block_delta events
	Delta *Delta `json:"delta,omitempty"`
}

// Delta is the payload of a content_block_delta event.
type Delta struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// GetResultString returns the result field as a string, used when the result
// carries an error message. Returns "" when the result is absent or an object.
func (m *Message) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// ControlRequest is a control request from the agent CLI, used for permission
// requests (can_use_tool).
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// For can_use_tool requests
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// ControlResponseMessage is sent to respond to control requests from the CLI.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // "control_response"
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the body of a control response.
type ControlResponse struct {
	Subtype string `json:"subtype"` // success, error

	Result *PermissionResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// PermissionResult answers a can_use_tool request.
type PermissionResult struct {
	// Behavior is "allow" or "deny". Empty means no opinion: the CLI's own
	// default policy applies.
	Behavior string `json:"behavior,omitempty"`

	// UpdatedInput replaces the tool input on allow.
	UpdatedInput any `json:"updatedInput,omitempty"`

	// Message is the block reason on deny.
	Message string `json:"message,omitempty"`
}

// SDKControlRequest is a control request sent to the agent CLI
// (initialize, interrupt, rewind_files).
type SDKControlRequest struct {
	Type      string                `json:"type"` // "control_request"
	RequestID string                `json:"request_id"`
	Request   SDKControlRequestBody `json:"request"`
}

// SDKControlRequestBody contains the body of an SDK control request.
type SDKControlRequestBody struct {
	Subtype string `json:"subtype"`

	// For rewind_files requests
	MessageID string `json:"message_id,omitempty"`
}

// IncomingControlResponse is the CLI's response to an SDK control request.
type IncomingControlResponse struct {
	RequestID string `json:"request_id"`
	Subtype   string `json:"subtype"` // success, error
	Error     string `json:"error,omitempty"`
}

// UserMessage provides a prompt (or tool results) to the agent CLI.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content: a plain string or an
// array of content blocks for multimodal turns.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content any    `json:"content"`
}

// Tool names the bridge treats specially.
const (
	ToolBash            = "Bash"
	ToolWrite           = "Write"
	ToolEdit            = "Edit"
	ToolMultiEdit       = "MultiEdit"
	ToolNotebookEdit    = "NotebookEdit"
	ToolRead            = "Read"
	ToolGlob            = "Glob"
	ToolGrep            = "Grep"
	ToolLS              = "LS"
	ToolTask            = "Task"
	ToolTodoWrite       = "TodoWrite"
	ToolWebFetch        = "WebFetch"
	ToolWebSearch       = "WebSearch"
	ToolExitPlanMode    = "ExitPlanMode"
	ToolAskUserQuestion = "AskUserQuestion"
)
