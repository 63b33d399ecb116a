// Package provider abstracts the AI backend behind a uniform interface.
// Three variants exist: the agent-sdk subprocess (stream-json CLI), a direct
// HTTP messages API, and a Bedrock-shaped HTTP API. Selection happens by
// configuration, never by inspecting the shape of a client object.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentbridge/agentbridge/internal/bridge/config"
	"github.com/agentbridge/agentbridge/internal/bridge/permission"
	"github.com/agentbridge/agentbridge/internal/bridge/session"
	"github.com/agentbridge/agentbridge/internal/bridge/supervisor"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/pkg/agentsdk"
)

// ErrNoCheckpoint reports that a rewind target has no file checkpoint. The
// rewind resolver recovers from this locally; any other rewind error aborts.
var ErrNoCheckpoint = errors.New("no checkpoint exists for message")

// ErrRewindUnsupported reports that the provider variant cannot rewind.
var ErrRewindUnsupported = errors.New("provider does not support rewind")

// ErrAlreadyConsumed reports a second iteration of a query's message stream.
var ErrAlreadyConsumed = errors.New("query messages already consumed")

// PermissionFunc is the pre-tool-use hook evaluated for every tool call.
type PermissionFunc func(ctx context.Context, toolName string, input map[string]any) permission.Decision

// TurnRequest carries everything needed to start one turn.
type TurnRequest struct {
	// ResumeSessionID resumes an existing provider session when non-empty.
	ResumeSessionID string

	// Prompt is the user's text. Blocks, when non-empty, replace Prompt with
	// a multimodal turn (text plus attachments).
	Prompt string
	Blocks []agentsdk.ContentBlock

	Cwd   string
	Model string

	// SystemPromptAddendum is appended to the provider's system prompt.
	SystemPromptAddendum string

	PermissionMode string

	// ThinkingBudget in tokens. Zero omits the budget entirely.
	ThinkingBudget int

	// IncludePartialMessages requests stream_event emission.
	IncludePartialMessages bool

	// History replays prior turns for providers without server-side sessions.
	History []session.HistoryEntry

	// OnToolPermission gates tool execution. Nil defers every call to the
	// provider's own policy.
	OnToolPermission PermissionFunc
}

// Query is one live provider call. Messages is single-iteration; the query
// stays usable for Rewind until Close.
type Query interface {
	session.QueryHandle

	// Messages returns the provider-yield-ordered message stream. The
	// channel closes when the provider finishes or fails. A second call
	// returns ErrAlreadyConsumed.
	Messages() (<-chan *agentsdk.Message, error)

	// Interrupt stops the in-flight operation without closing the query.
	Interrupt(ctx context.Context) error

	// StderrTail returns the most recent captured provider stderr lines.
	StderrTail(n int) []string
}

// Provider starts turns and enumerates tools uniformly across variants.
type Provider interface {
	Name() string
	StartTurn(ctx context.Context, req TurnRequest) (Query, error)

	// Resume obtains a live query for an existing session without sending a
	// prompt. Used by the rewind path when no handle is registered.
	Resume(ctx context.Context, sessionID, cwd string) (Query, error)

	ListTools(ctx context.Context) ([]string, error)
}

// New selects the provider variant from configuration.
func New(cfg *config.Config, sup *supervisor.Supervisor, log *logger.Logger) (Provider, error) {
	switch cfg.Provider.Kind {
	case "agent-sdk":
		return NewAgentSDKProvider(cfg, sup, log), nil
	case "direct-api":
		return NewDirectAPIProvider(cfg, log), nil
	case "bedrock":
		return NewBedrockProvider(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Provider.Kind)
	}
}

// ResolveModel maps a host-supplied model alias to the provider identifier.
// Only three buckets are recognized; anything else falls back to sonnet.
func ResolveModel(alias string) string {
	switch strings.ToLower(strings.TrimSpace(alias)) {
	case "opus":
		return "opus"
	case "haiku":
		return "haiku"
	default:
		return "sonnet"
	}
}

// classifyRewindErr folds provider error text into ErrNoCheckpoint when the
// failure is specifically a missing checkpoint.
func classifyRewindErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "no checkpoint") || strings.Contains(msg, "checkpoint not found") {
		return fmt.Errorf("%w: %s", ErrNoCheckpoint, err.Error())
	}
	return err
}
