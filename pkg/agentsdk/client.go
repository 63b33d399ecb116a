package agentsdk

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/common/logger"
)

// RequestHandler handles incoming control requests from the agent CLI.
// It receives the request ID and control request, and should call
// SendControlResponse.
type RequestHandler func(requestID string, req *ControlRequest)

// MessageHandler handles streaming messages from the agent CLI.
type MessageHandler func(msg *Message)

// pendingRequest tracks a control request waiting for a response.
type pendingRequest struct {
	ch chan *IncomingControlResponse
}

// Client handles agent CLI communication over stdin/stdout streams.
// It reads streaming JSON from stdout and writes control messages to stdin.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	requestHandler RequestHandler
	messageHandler MessageHandler

	// Pending control requests (requests we sent, waiting for responses)
	pendingRequests   map[string]*pendingRequest
	pendingRequestsMu sync.Mutex

	mu         sync.RWMutex
	done       chan struct{}
	readerDone chan struct{}
}

// NewClient creates a new agent CLI client.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:           stdin,
		stdout:          stdout,
		logger:          log.WithComponent("agentsdk-client"),
		done:            make(chan struct{}),
		readerDone:      make(chan struct{}),
		pendingRequests: make(map[string]*pendingRequest),
	}
}

// SetRequestHandler sets the handler for incoming control requests.
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandler = handler
}

// SetMessageHandler sets the handler for streaming messages.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = handler
}

// Start begins reading from stdout in a goroutine.
// Returns a channel that is closed when the read loop is ready.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go c.readLoop(ctx, ready)
	return ready
}

// Stop stops the client and closes the done channel.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		// Already closed
	default:
		close(c.done)
	}
}

// Done returns a channel closed when the client is stopping. The read loop
// may still be delivering a final handler call at that point; use ReaderDone
// to know when handler invocations have ceased.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ReaderDone returns a channel closed once the read loop has returned. After
// it closes, no message or request handler will be invoked again.
func (c *Client) ReaderDone() <-chan struct{} {
	return c.readerDone
}

// Initialize sends the initialize control request and waits for the response.
// Required in streaming input mode before the first prompt.
func (c *Client) Initialize(ctx context.Context, timeout time.Duration) error {
	_, err := c.roundTrip(ctx, SDKControlRequestBody{Subtype: SubtypeInitialize}, timeout)
	return err
}

// Interrupt asks the agent CLI to stop the current operation.
func (c *Client) Interrupt(ctx context.Context, timeout time.Duration) error {
	_, err := c.roundTrip(ctx, SDKControlRequestBody{Subtype: SubtypeInterrupt}, timeout)
	return err
}

// RewindFiles asks the agent CLI to restore the file checkpoint taken at the
// given message. The CLI answers with an error response when the message has
// no checkpoint.
func (c *Client) RewindFiles(ctx context.Context, messageID string, timeout time.Duration) error {
	_, err := c.roundTrip(ctx, SDKControlRequestBody{
		Subtype:   SubtypeRewindFiles,
		MessageID: messageID,
	}, timeout)
	return err
}

// roundTrip sends an SDK control request and waits for the matching response.
func (c *Client) roundTrip(ctx context.Context, body SDKControlRequestBody, timeout time.Duration) (*IncomingControlResponse, error) {
	requestID := uuid.New().String()

	pending := &pendingRequest{ch: make(chan *IncomingControlResponse, 1)}

	c.pendingRequestsMu.Lock()
	c.pendingRequests[requestID] = pending
	c.pendingRequestsMu.Unlock()

	defer func() {
		c.pendingRequestsMu.Lock()
		delete(c.pendingRequests, requestID)
		c.pendingRequestsMu.Unlock()
	}()

	req := &SDKControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request:   body,
	}

	c.logger.Debug("sending control request",
		zap.String("request_id", requestID),
		zap.String("subtype", body.Subtype))

	if err := c.send(req); err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", body.Subtype, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("%s request timed out after %v", body.Subtype, timeout)
	case resp := <-pending.ch:
		if resp.Subtype == "error" {
			return nil, fmt.Errorf("%s failed: %s", body.Subtype, resp.Error)
		}
		return resp, nil
	}
}

// SendControlResponse sends a control response to the agent CLI.
func (c *Client) SendControlResponse(resp *ControlResponseMessage) error {
	return c.send(resp)
}

// SendUserMessage sends a plain-text user message (prompt) to the agent CLI.
func (c *Client) SendUserMessage(content string) error {
	msg := &UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: content,
		},
	}
	return c.send(msg)
}

// SendUserBlocks sends a multimodal user message (text plus attachments).
func (c *Client) SendUserBlocks(blocks []ContentBlock) error {
	msg := &UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: blocks,
		},
	}
	return c.send(msg)
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, ready chan<- struct{}) {
	defer close(c.readerDone)

	scanner := bufio.NewScanner(c.stdout)
	// Allow for large JSON messages (up to 10MB)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	close(ready)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
	c.Stop()
}

func (c *Client) handleLine(line []byte) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("failed to parse message", zap.Error(err), zap.Int("line_len", len(line)))
		return
	}

	// Control requests from the CLI to us (permission requests)
	if msg.Type == MessageTypeControlRequest && msg.Request != nil {
		c.handleControlRequest(msg.RequestID, msg.Request)
		return
	}

	// Control responses to requests we sent
	if msg.Type == MessageTypeControlResponse && msg.Response != nil {
		c.handleControlResponse(msg.Response)
		return
	}

	c.mu.RLock()
	handler := c.messageHandler
	c.mu.RUnlock()

	if handler != nil {
		// Keep the raw line so callers can forward it verbatim
		msg.Raw = append(json.RawMessage(nil), line...)
		handler(&msg)
	}
}

func (c *Client) handleControlRequest(requestID string, req *ControlRequest) {
	c.mu.RLock()
	handler := c.requestHandler
	c.mu.RUnlock()

	if handler != nil {
		handler(requestID, req)
		return
	}

	c.logger.Warn("received control request but no handler registered",
		zap.String("request_id", requestID),
		zap.String("subtype", req.Subtype))
	// Auto-deny if no handler
	if err := c.SendControlResponse(&ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: requestID,
		Response: &ControlResponse{
			Subtype: "error",
			Error:   "no handler registered",
		},
	}); err != nil {
		c.logger.Warn("failed to send error response", zap.Error(err))
	}
}

func (c *Client) handleControlResponse(resp *IncomingControlResponse) {
	c.pendingRequestsMu.Lock()
	pending, ok := c.pendingRequests[resp.RequestID]
	c.pendingRequestsMu.Unlock()

	if !ok {
		c.logger.Warn("received control response for unknown request",
			zap.String("request_id", resp.RequestID),
			zap.String("subtype", resp.Subtype))
		return
	}

	select {
	case pending.ch <- resp:
	default:
		c.logger.Warn("pending request channel full", zap.String("request_id", resp.RequestID))
	}
}
