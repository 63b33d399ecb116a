package agentsdk

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/agentbridge/internal/common/logger"
)

// testHarness wires a Client to in-memory pipes playing the agent CLI's role.
type testHarness struct {
	client *Client

	// cliIn reads what the client wrote to the CLI's stdin.
	cliIn *bufio.Scanner
	// cliOut writes lines the client sees as the CLI's stdout.
	cliOut io.WriteCloser
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	client := NewClient(stdinW, stdoutR, logger.Default())
	<-client.Start(context.Background())

	t.Cleanup(func() {
		client.Stop()
		stdinW.Close()
		stdoutW.Close()
	})

	return &testHarness{
		client: client,
		cliIn:  bufio.NewScanner(stdinR),
		cliOut: stdoutW,
	}
}

func (h *testHarness) emit(t *testing.T, line string) {
	t.Helper()
	_, err := h.cliOut.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (h *testHarness) nextWritten(t *testing.T) map[string]any {
	t.Helper()
	require.True(t, h.cliIn.Scan(), "expected a line written to the CLI")
	var m map[string]any
	require.NoError(t, json.Unmarshal(h.cliIn.Bytes(), &m))
	return m
}

func TestSendUserMessage(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.client.SendUserMessage("hello"))

	written := h.nextWritten(t)
	assert.Equal(t, "user", written["type"])
	body := written["message"].(map[string]any)
	assert.Equal(t, "user", body["role"])
	assert.Equal(t, "hello", body["content"])
}

func TestSendUserBlocks(t *testing.T) {
	h := newHarness(t)

	blocks := []ContentBlock{
		{Type: BlockTypeText, Text: "look at this"},
		{Type: BlockTypeImage, Source: &ImageSource{Type: "base64", MediaType: "image/png", Data: "aaaa"}},
	}
	require.NoError(t, h.client.SendUserBlocks(blocks))

	written := h.nextWritten(t)
	body := written["message"].(map[string]any)
	content := body["content"].([]any)
	require.Len(t, content, 2)
}

func TestMessageHandlerReceivesRawLine(t *testing.T) {
	h := newHarness(t)

	got := make(chan *Message, 1)
	h.client.SetMessageHandler(func(msg *Message) { got <- msg })

	line := `{"type":"assistant","uuid":"u1","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`
	h.emit(t, line)

	select {
	case msg := <-got:
		assert.Equal(t, MessageTypeAssistant, msg.Type)
		assert.Equal(t, "u1", msg.UUID)
		assert.JSONEq(t, line, string(msg.Raw))
		blocks := msg.Message.ContentBlocks()
		require.Len(t, blocks, 1)
		assert.Equal(t, "hi", blocks[0].Text)
	case <-time.After(time.Second):
		t.Fatal("message handler was not called")
	}
}

func TestMalformedLineSkipped(t *testing.T) {
	h := newHarness(t)

	got := make(chan *Message, 2)
	h.client.SetMessageHandler(func(msg *Message) { got <- msg })

	h.emit(t, "not json at all")
	h.emit(t, `{"type":"system","session_id":"s1","subtype":"init"}`)

	select {
	case msg := <-got:
		assert.Equal(t, MessageTypeSystem, msg.Type)
		assert.Equal(t, "s1", msg.SessionID)
	case <-time.After(time.Second):
		t.Fatal("valid message after malformed line was dropped")
	}
}

func TestControlRequestRoutedToHandler(t *testing.T) {
	h := newHarness(t)

	type call struct {
		requestID string
		req       *ControlRequest
	}
	got := make(chan call, 1)
	h.client.SetRequestHandler(func(requestID string, req *ControlRequest) {
		got <- call{requestID, req}
	})

	h.emit(t, `{"type":"control_request","request_id":"r1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"}}}`)

	select {
	case c := <-got:
		assert.Equal(t, "r1", c.requestID)
		assert.Equal(t, SubtypeCanUseTool, c.req.Subtype)
		assert.Equal(t, "Bash", c.req.ToolName)
	case <-time.After(time.Second):
		t.Fatal("request handler was not called")
	}
}

func TestControlRequestAutoDeniedWithoutHandler(t *testing.T) {
	h := newHarness(t)

	h.emit(t, `{"type":"control_request","request_id":"r9","request":{"subtype":"can_use_tool","tool_name":"Bash"}}`)

	written := h.nextWritten(t)
	assert.Equal(t, MessageTypeControlResponse, written["type"])
	assert.Equal(t, "r9", written["request_id"])
	resp := written["response"].(map[string]any)
	assert.Equal(t, "error", resp["subtype"])
}

func TestRoundTripSuccess(t *testing.T) {
	h := newHarness(t)

	// Answer the initialize request as the CLI would.
	go func() {
		written := h.nextWritten(t)
		requestID := written["request_id"].(string)
		resp := map[string]any{
			"type":     MessageTypeControlResponse,
			"response": map[string]any{"request_id": requestID, "subtype": "success"},
		}
		data, _ := json.Marshal(resp)
		h.emit(t, string(data))
	}()

	err := h.client.Initialize(context.Background(), 2*time.Second)
	assert.NoError(t, err)
}

func TestRoundTripErrorResponse(t *testing.T) {
	h := newHarness(t)

	go func() {
		written := h.nextWritten(t)
		requestID := written["request_id"].(string)
		resp := map[string]any{
			"type":     MessageTypeControlResponse,
			"response": map[string]any{"request_id": requestID, "subtype": "error", "error": "no checkpoint exists for message m1"},
		}
		data, _ := json.Marshal(resp)
		h.emit(t, string(data))
	}()

	err := h.client.RewindFiles(context.Background(), "m1", 2*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no checkpoint")
}

func TestRoundTripTimeout(t *testing.T) {
	h := newHarness(t)

	// Drain the request but never answer.
	go h.nextWritten(t)

	err := h.client.Interrupt(context.Background(), 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestReaderDoneClosesAfterStreamEnds(t *testing.T) {
	_, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	client := NewClient(stdinW, stdoutR, logger.Default())
	<-client.Start(context.Background())

	select {
	case <-client.ReaderDone():
		t.Fatal("reader finished while the stream is still open")
	default:
	}

	require.NoError(t, stdoutW.Close())

	select {
	case <-client.ReaderDone():
	case <-time.After(time.Second):
		t.Fatal("reader did not finish after the stream closed")
	}
	// The read loop stops the client on its way out.
	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("done did not close after the read loop returned")
	}
}

func TestGetResultString(t *testing.T) {
	msg := &Message{Result: json.RawMessage(`"boom"`)}
	assert.Equal(t, "boom", msg.GetResultString())

	obj := &Message{Result: json.RawMessage(`{"ok":true}`)}
	assert.Equal(t, "", obj.GetResultString())

	empty := &Message{}
	assert.Equal(t, "", empty.GetResultString())
}

func TestContentBlocksPlainString(t *testing.T) {
	body := &MessageBody{Role: "user", Content: json.RawMessage(`"just text"`)}
	blocks := body.ContentBlocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, BlockTypeText, blocks[0].Type)
	assert.Equal(t, "just text", blocks[0].Text)
}
