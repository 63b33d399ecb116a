// Package bridge orchestrates one agent turn: it builds the provider call,
// drives the retry loop, translates streamed provider messages into IPC
// lines, and records session identity and transcript state.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/bridge/config"
	"github.com/agentbridge/agentbridge/internal/bridge/ipc"
	"github.com/agentbridge/agentbridge/internal/bridge/permission"
	"github.com/agentbridge/agentbridge/internal/bridge/provider"
	"github.com/agentbridge/agentbridge/internal/bridge/session"
	"github.com/agentbridge/agentbridge/internal/bridge/tracing"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/pkg/agentsdk"
)

const interruptGrace = 5 * time.Second

// TurnParams is the host's turn request.
type TurnParams struct {
	Text            string
	ResumeSessionID string
	Cwd             string
	PermissionMode  string
	Model           string

	OpenedFiles *OpenedFiles
	AgentPrompt string

	// Streaming overrides the config default when non-nil.
	Streaming *bool

	Attachments []Attachment
}

// Bridge ties the turn machinery together. One Bridge serves one host
// process; the registry carries live handles across operations.
type Bridge struct {
	cfg      *config.Config
	store    *session.Store
	registry *session.Registry
	provider provider.Provider
	emitter  *ipc.Emitter
	prompter permission.Prompter
	logger   *logger.Logger
	tracer   trace.Tracer
}

// New wires a Bridge.
func New(cfg *config.Config, store *session.Store, reg *session.Registry, p provider.Provider, em *ipc.Emitter, prompter permission.Prompter, log *logger.Logger) *Bridge {
	return &Bridge{
		cfg:      cfg,
		store:    store,
		registry: reg,
		provider: p,
		emitter:  em,
		prompter: prompter,
		logger:   log.WithComponent("bridge"),
		tracer:   tracing.Tracer("bridge"),
	}
}

// Registry exposes the live-handle registry for the rewind path.
func (b *Bridge) Registry() *session.Registry { return b.registry }

// Store exposes the transcript store for the history operation.
func (b *Bridge) Store() *session.Store { return b.store }

// SendTurn runs one turn end to end. Exactly one [MESSAGE_END] and one final
// result line are emitted, on every path including failure and cancellation.
func (b *Bridge) SendTurn(ctx context.Context, p TurnParams) ipc.FinalResult {
	t := &turn{b: b, params: p}
	b.emitter.Emit(ipc.MarkerMessageStart, "")

	err := t.run(ctx)

	var result ipc.FinalResult
	if err != nil {
		diag := buildDiagnostic(b.cfg, err, t.stderrTail)
		for _, line := range t.stderrTail {
			b.emitter.EmitError(ipc.MarkerSDKStderr, line)
		}
		if data, merr := json.Marshal(diag); merr == nil {
			b.emitter.EmitError(ipc.MarkerSendError, string(data))
		}
		result = ipc.FinalResult{Success: false, SessionID: t.sessionID, Error: diag.Error, Details: diag}
		b.logger.Error("turn failed", zap.String("session_id", t.sessionID), zap.Error(err))
	} else {
		result = ipc.FinalResult{Success: true, SessionID: t.sessionID}
	}

	b.emitter.Emit(ipc.MarkerMessageEnd, "")
	if err := b.emitter.EmitFinal(result); err != nil {
		b.logger.Error("failed to emit final result", zap.Error(err))
	}
	return result
}

// turn is the per-request state of one SendTurn call.
type turn struct {
	b      *Bridge
	params TurnParams

	model          string
	streaming      bool
	addendum       string
	thinkingBudget int
	blocks         []agentsdk.ContentBlock
	history        []session.HistoryEntry
	machine        *permission.Machine

	sessionID        string
	sessionIDEmitted bool
	userPersisted    bool
	stderrTail       []string
}

func (t *turn) run(ctx context.Context) error {
	p := t.params

	alias := p.Model
	if alias == "" {
		alias = t.b.cfg.Provider.Model
	}
	t.model = provider.ResolveModel(alias)

	t.streaming = t.b.cfg.Streaming.Default
	if p.Streaming != nil {
		t.streaming = *p.Streaming
	}

	t.addendum = BuildAddendum(p.OpenedFiles, p.AgentPrompt)
	t.thinkingBudget = t.b.cfg.ThinkingBudget(envThinkingBudget())
	t.machine = permission.NewMachine(permission.ParseMode(p.PermissionMode), t.b.prompter, t.b.logger)

	blocks, err := turnBlocks(ctx, p.Text, p.Attachments)
	if err != nil {
		return fmt.Errorf("failed to assemble user turn: %w", err)
	}
	t.blocks = blocks

	if p.ResumeSessionID != "" {
		if err := t.b.registry.BeginTurn(p.ResumeSessionID); err != nil {
			return err
		}
		defer t.b.registry.EndTurn(p.ResumeSessionID)

		t.sessionID = p.ResumeSessionID
		t.b.store.WaitForTranscript(ctx, p.ResumeSessionID, p.Cwd)
		t.persistUserTurn()

		history, err := t.b.store.LoadHistory(p.ResumeSessionID, p.Cwd)
		if err != nil {
			t.b.logger.Warn("failed to load history, proceeding without replay",
				zap.String("session_id", p.ResumeSessionID), zap.Error(err))
		}
		t.history = history
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 && p.ResumeSessionID == "" {
			// A fresh turn's retry starts a brand-new provider session. The
			// identity from the failed attempt must not stick, or the host
			// would be told a session id whose provider transcript lives
			// elsewhere and every later resume of it would miss.
			t.sessionID = ""
			t.sessionIDEmitted = false
			t.userPersisted = false
		}
		count, err := t.attempt(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		class := classifyError(err)
		if class == errFatal || count > maxRetryMessageCount || attempt == maxRetries {
			return err
		}

		t.b.logger.Warn("retrying turn",
			zap.Int("attempt", attempt+1),
			zap.Int("message_count", count),
			zap.Error(err))

		if class == errSessionRace && t.sessionID != "" {
			t.b.store.WaitForTranscript(ctx, t.sessionID, p.Cwd)
		}
		if derr := retryDelay(ctx, class); derr != nil {
			return derr
		}
	}
	return lastErr
}

// attempt runs one provider call. It returns the substantive message count
// (for the retry gate) alongside the outcome.
func (t *turn) attempt(ctx context.Context, attemptNo int) (int, error) {
	ctx, span := t.b.tracer.Start(ctx, "bridge.turn_attempt",
		trace.WithAttributes(
			attribute.Int("attempt", attemptNo),
			attribute.String("model", t.model),
			attribute.Bool("streaming", t.streaming),
		))
	defer span.End()

	st := newStreamState(t.b.emitter, t.streaming)
	defer st.end()

	req := provider.TurnRequest{
		ResumeSessionID:        t.params.ResumeSessionID,
		Prompt:                 t.params.Text,
		Blocks:                 t.blocks,
		Cwd:                    t.params.Cwd,
		Model:                  t.model,
		SystemPromptAddendum:   t.addendum,
		PermissionMode:         string(permission.ParseMode(t.params.PermissionMode)),
		ThinkingBudget:         t.thinkingBudget,
		IncludePartialMessages: t.streaming,
		History:                t.history,
		OnToolPermission: func(ctx context.Context, toolName string, input map[string]any) permission.Decision {
			decision, err := t.machine.Evaluate(ctx, toolName, input)
			if err != nil {
				return permission.Deny(fmt.Sprintf("permission evaluation failed: %v", err))
			}
			return decision
		},
	}

	q, err := t.b.provider.StartTurn(ctx, req)
	if err != nil {
		return 0, err
	}

	registered := false
	succeeded := false
	defer func() {
		t.stderrTail = q.StderrTail(stderrRelayLines)
		switch {
		case registered && succeeded:
			// The registry owns the handle now; rewind may reuse it.
		case registered:
			t.b.registry.Remove(t.sessionID)
		default:
			_ = q.Close()
		}
	}()

	msgs, err := q.Messages()
	if err != nil {
		return 0, err
	}

	for {
		select {
		case <-ctx.Done():
			ictx, cancel := context.WithTimeout(context.Background(), interruptGrace)
			_ = q.Interrupt(ictx)
			cancel()
			return st.messageCount, ctx.Err()

		case msg, ok := <-msgs:
			if !ok {
				// The provider went away without a result; early failures of
				// this shape are worth a retry.
				return st.messageCount, fmt.Errorf("API request failed: provider stream ended without a result")
			}
			done, err := t.processMessage(st, msg, q)
			if err != nil {
				return st.messageCount, err
			}
			if done {
				succeeded = true
				return st.messageCount, nil
			}
			registered = registered || (t.sessionID != "" && t.b.isRegistered(t.sessionID))
		}
	}
}

func (b *Bridge) isRegistered(sessionID string) bool {
	_, ok := b.registry.Get(sessionID)
	return ok
}

// processMessage translates one provider message. done reports a successful
// terminal result.
func (t *turn) processMessage(st *streamState, msg *agentsdk.Message, q provider.Query) (bool, error) {
	switch msg.Type {
	case agentsdk.MessageTypeSystem:
		st.markStarted()
		if msg.SessionID != "" {
			t.captureSession(msg.SessionID, q)
		}

	case agentsdk.MessageTypeStreamEvent:
		st.markStarted()
		st.handleStreamEvent(msg.Event)

	case agentsdk.MessageTypeAssistant:
		st.markStarted()
		st.messageCount++
		t.persist(msg)
		if msg.Message != nil && msg.Message.Usage != nil {
			u := msg.Message.Usage
			_ = t.b.emitter.EmitJSON(ipc.MarkerUsage, ipc.UsagePayload{
				InputTokens:      u.InputTokens,
				OutputTokens:     u.OutputTokens,
				CacheWriteTokens: u.CacheCreationInputTokens,
				CacheReadTokens:  u.CacheReadInputTokens,
			})
		}
		st.handleAssistant(msg)

	case agentsdk.MessageTypeUser:
		st.markStarted()
		st.messageCount++
		t.persist(msg)
		st.handleUser(msg)

	case agentsdk.MessageTypeResult:
		st.messageCount++
		t.persist(msg)
		if msg.IsError {
			text := msg.GetResultString()
			if text == "" {
				text = "provider reported an error result"
			}
			return false, &terminalResultError{text: text}
		}
		return true, nil
	}
	return false, nil
}

// captureSession establishes the turn's session identity from the first
// system message carrying one, registers the live handle for rewind reuse,
// and persists the pending user turn.
func (t *turn) captureSession(sessionID string, q provider.Query) {
	if t.sessionID == "" {
		t.sessionID = sessionID
	}
	if !t.sessionIDEmitted {
		t.b.emitter.Emit(ipc.MarkerSessionID, t.sessionID)
		t.sessionIDEmitted = true
	}
	t.b.registry.Put(t.sessionID, q)
	t.persistUserTurn()
}

// persistUserTurn appends the current user message once the session id is
// known. Resume turns persist before history replay so the drop-final-user
// rule holds.
func (t *turn) persistUserTurn() {
	if t.userPersisted || t.sessionID == "" {
		return
	}

	var content json.RawMessage
	var err error
	if len(t.blocks) > 0 {
		content, err = json.Marshal(t.blocks)
	} else {
		content, err = json.Marshal(t.params.Text)
	}
	if err != nil {
		t.b.logger.Warn("failed to encode user turn for persistence", zap.Error(err))
		return
	}

	body, err := json.Marshal(agentsdk.MessageBody{Role: "user", Content: content})
	if err != nil {
		return
	}
	rec := session.Record{Type: agentsdk.MessageTypeUser, Message: body}
	if err := t.b.store.Append(t.sessionID, t.params.Cwd, rec); err != nil {
		t.b.logger.Warn("failed to persist user turn",
			zap.String("session_id", t.sessionID), zap.Error(err))
		return
	}
	t.userPersisted = true
}

// persist appends a provider message to the transcript. Persistence failures
// are logged, never fatal: the turn's IPC stream is the primary output.
func (t *turn) persist(msg *agentsdk.Message) {
	if t.sessionID == "" {
		return
	}
	var body json.RawMessage
	if msg.Message != nil {
		data, err := json.Marshal(msg.Message)
		if err != nil {
			return
		}
		body = data
	}
	rec := session.Record{
		UUID:       msg.UUID,
		ParentUUID: msg.ParentUUID,
		Type:       msg.Type,
		Message:    body,
	}
	if err := t.b.store.Append(t.sessionID, t.params.Cwd, rec); err != nil {
		t.b.logger.Warn("failed to persist message",
			zap.String("session_id", t.sessionID),
			zap.String("type", msg.Type),
			zap.Error(err))
	}
}

// envThinkingBudget reads the MAX_THINKING_TOKENS override. Zero when unset
// or unparsable.
func envThinkingBudget() int {
	raw := os.Getenv("MAX_THINKING_TOKENS")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
