package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentbridge/agentbridge/internal/bridge/config"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/pkg/agentsdk"
)

const httpTurnTimeout = 5 * time.Minute

// apiMessage is one entry of the messages array sent to an HTTP API.
type apiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// apiResponse is the subset of a messages-API response the bridge consumes.
type apiResponse struct {
	ID         string                 `json:"id"`
	Content    []agentsdk.ContentBlock `json:"content"`
	StopReason string                 `json:"stop_reason"`
	Usage      *agentsdk.Usage        `json:"usage"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// httpTurner performs one request/response turn against an HTTP API.
// DirectAPIProvider and BedrockProvider differ only in URL and headers.
type httpTurner struct {
	cfg    *config.Config
	logger *logger.Logger

	name     string
	buildURL func(cfg *config.ProviderConfig, model string) string
	headers  func(cfg *config.ProviderConfig) map[string]string
}

// DirectAPIProvider talks to a messages endpoint directly, replaying history
// itself because the API has no server-side sessions.
type DirectAPIProvider struct{ httpTurner }

// NewDirectAPIProvider creates the direct HTTP provider.
func NewDirectAPIProvider(cfg *config.Config, log *logger.Logger) *DirectAPIProvider {
	return &DirectAPIProvider{httpTurner{
		cfg:    cfg,
		logger: log.WithComponent("direct-api-provider"),
		name:   "direct-api",
		buildURL: func(p *config.ProviderConfig, model string) string {
			base := p.BaseURL
			if base == "" {
				base = "https://api.anthropic.com"
			}
			return strings.TrimSuffix(base, "/") + "/v1/messages"
		},
		headers: func(p *config.ProviderConfig) map[string]string {
			return map[string]string{
				"x-api-key":         p.APIKey,
				"anthropic-version": "2023-06-01",
			}
		},
	}}
}

// BedrockProvider talks to a Bedrock-shaped invoke endpoint.
type BedrockProvider struct{ httpTurner }

// NewBedrockProvider creates the Bedrock-shaped HTTP provider.
func NewBedrockProvider(cfg *config.Config, log *logger.Logger) *BedrockProvider {
	return &BedrockProvider{httpTurner{
		cfg:    cfg,
		logger: log.WithComponent("bedrock-provider"),
		name:   "bedrock",
		buildURL: func(p *config.ProviderConfig, model string) string {
			return strings.TrimSuffix(p.BaseURL, "/") + "/model/" + model + "/invoke"
		},
		headers: func(p *config.ProviderConfig) map[string]string {
			return map[string]string{"x-api-key": p.APIKey}
		},
	}}
}

// Name identifies the variant.
func (t *httpTurner) Name() string { return t.name }

// Resume is unsupported: HTTP variants have no server-side sessions and no
// file checkpoints to rewind.
func (t *httpTurner) Resume(ctx context.Context, sessionID, cwd string) (Query, error) {
	return nil, ErrRewindUnsupported
}

// ListTools reports no server-side tools: HTTP variants run without the
// agent CLI's tool harness.
func (t *httpTurner) ListTools(ctx context.Context) ([]string, error) {
	return nil, nil
}

// StartTurn performs the single blocking API call and exposes the outcome
// as a short synthesized message stream (system, assistant, result).
func (t *httpTurner) StartTurn(ctx context.Context, req TurnRequest) (Query, error) {
	sessionID := req.ResumeSessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	messages := make([]apiMessage, 0, len(req.History)+1)
	for _, h := range req.History {
		messages = append(messages, apiMessage{Role: h.Role, Content: json.RawMessage(h.Content)})
	}
	if len(req.Blocks) > 0 {
		messages = append(messages, apiMessage{Role: "user", Content: req.Blocks})
	} else {
		messages = append(messages, apiMessage{Role: "user", Content: req.Prompt})
	}

	body := map[string]any{
		"model":      req.Model,
		"max_tokens": 8192,
		"messages":   messages,
	}
	if req.SystemPromptAddendum != "" {
		body["system"] = req.SystemPromptAddendum
	}
	if req.ThinkingBudget > 0 {
		body["thinking"] = map[string]any{"type": "enabled", "budget_tokens": req.ThinkingBudget}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode turn request: %w", err)
	}

	url := t.buildURL(&t.cfg.Provider, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers(&t.cfg.Provider) {
		httpReq.Header.Set(k, v)
	}

	client := &http.Client{Timeout: httpTurnTimeout}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 50*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read API response: %w", err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("malformed API response (status %d): %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("API request failed: %s: %s", parsed.Error.Type, parsed.Error.Message)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("API request failed with status %d", resp.StatusCode)
	}

	content, err := json.Marshal(parsed.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode content: %w", err)
	}

	q := &httpQuery{msgs: make(chan *agentsdk.Message, 4)}
	q.msgs <- &agentsdk.Message{Type: agentsdk.MessageTypeSystem, SessionID: sessionID, Subtype: "init"}
	q.msgs <- &agentsdk.Message{
		Type: agentsdk.MessageTypeAssistant,
		UUID: parsed.ID,
		Message: &agentsdk.MessageBody{
			Role:    "assistant",
			Content: content,
			Model:   req.Model,
			Usage:   parsed.Usage,
		},
	}
	q.msgs <- &agentsdk.Message{Type: agentsdk.MessageTypeResult, Subtype: "success"}
	close(q.msgs)
	return q, nil
}

// httpQuery is the synthesized message stream of one HTTP turn. HTTP
// variants have no checkpoints, so rewind is unsupported rather than
// silently absent.
type httpQuery struct {
	msgs     chan *agentsdk.Message
	mu       sync.Mutex
	consumed bool
}

func (q *httpQuery) Messages() (<-chan *agentsdk.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.consumed {
		return nil, ErrAlreadyConsumed
	}
	q.consumed = true
	return q.msgs, nil
}

func (q *httpQuery) Rewind(ctx context.Context, messageID string) error {
	return ErrRewindUnsupported
}

func (q *httpQuery) Interrupt(ctx context.Context) error { return nil }

func (q *httpQuery) StderrTail(n int) []string { return nil }

func (q *httpQuery) Close() error { return nil }
