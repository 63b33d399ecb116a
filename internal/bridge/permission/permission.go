// Package permission gates tool execution according to a permission mode.
//
// The machine is installed as the pre-tool-use hook of a turn. All modes are
// static for the turn except plan mode, which switches to the approved target
// mode when an ExitPlanMode tool call is approved.
package permission

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/pkg/agentsdk"
)

// Mode is the policy governing tool approval for a turn.
type Mode string

const (
	ModeDefault     Mode = "default"
	ModePlan        Mode = "plan"
	ModeAcceptEdits Mode = "acceptEdits"
	ModeBypass      Mode = "bypassPermissions"
)

// ParseMode maps a host-supplied mode string, falling back to default.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModePlan, ModeAcceptEdits, ModeBypass:
		return Mode(s)
	default:
		return ModeDefault
	}
}

// Decision is the three-valued outcome of a permission evaluation: allow
// (optionally with modified input), deny (with a reason), or no opinion
// (empty behavior) which lets the provider's default policy apply.
type Decision struct {
	Behavior     string // agentsdk.BehaviorAllow, agentsdk.BehaviorDeny, or ""
	UpdatedInput any
	Reason       string
}

// Allow is an unconditional approval.
func Allow() Decision { return Decision{Behavior: agentsdk.BehaviorAllow} }

// Deny blocks the tool with a reason.
func Deny(reason string) Decision {
	return Decision{Behavior: agentsdk.BehaviorDeny, Reason: reason}
}

// NoOpinion defers to the provider's default policy.
func NoOpinion() Decision { return Decision{} }

// Prompter is the external collaborator supplying interactive decisions.
// The host owns the UI; the machine only routes.
type Prompter interface {
	// PromptToolUse asks the user to approve or deny a tool call.
	PromptToolUse(ctx context.Context, toolName string, input map[string]any) (Decision, error)

	// AnswerQuestion routes an AskUserQuestion tool to the user and returns
	// the chosen answer as an updated input. Never auto-approved.
	AnswerQuestion(ctx context.Context, input map[string]any) (Decision, error)

	// ApprovePlan presents the plan for approval. On approval it returns the
	// target mode for the rest of the turn (default if unspecified).
	ApprovePlan(ctx context.Context, input map[string]any) (approved bool, target Mode, err error)
}

// verdict is the pure classification of a tool call under a mode.
type verdict int

const (
	verdictAllow verdict = iota
	verdictPrompt
	verdictQuestion
	verdictPlanApproval
	verdictBlock
)

// planModeAllowed is the read-only/planning allow-list for plan mode.
var planModeAllowed = map[string]bool{
	agentsdk.ToolRead:      true,
	agentsdk.ToolGlob:      true,
	agentsdk.ToolGrep:      true,
	agentsdk.ToolLS:        true,
	agentsdk.ToolTask:      true,
	agentsdk.ToolTodoWrite: true,
	agentsdk.ToolWebFetch:  true,
	agentsdk.ToolWebSearch: true,
	"NotebookRead":         true,
	"mcp__ide__getDiagnostics": true,
	"mcp__ide__getOpenEditors": true,
}

// fileMutatingTools are auto-approved in acceptEdits mode.
var fileMutatingTools = map[string]bool{
	agentsdk.ToolEdit:         true,
	agentsdk.ToolWrite:        true,
	agentsdk.ToolMultiEdit:    true,
	agentsdk.ToolNotebookEdit: true,
}

// classify is the pure transition input: given the current mode and tool
// name, what handling does the call get. It never touches state.
func classify(mode Mode, toolName string) verdict {
	if toolName == agentsdk.ToolAskUserQuestion {
		return verdictQuestion
	}

	switch mode {
	case ModePlan:
		switch {
		case toolName == agentsdk.ToolExitPlanMode:
			return verdictPlanApproval
		case planModeAllowed[toolName]:
			return verdictAllow
		case toolName == agentsdk.ToolEdit || toolName == agentsdk.ToolBash:
			// Allowed into the plan, but gated like default mode.
			return verdictPrompt
		case strings.HasPrefix(toolName, "mcp__"):
			// MCP tools without Write/Edit in the name are heuristically
			// read-only.
			if strings.Contains(toolName, "Write") || strings.Contains(toolName, "Edit") {
				return verdictBlock
			}
			return verdictAllow
		default:
			return verdictBlock
		}

	case ModeAcceptEdits:
		if fileMutatingTools[toolName] {
			return verdictAllow
		}
		return verdictPrompt

	case ModeBypass:
		return verdictAllow

	default:
		return verdictPrompt
	}
}

// Machine evaluates tool calls for one turn. Only the plan-mode exit
// transition mutates state; everything else is a pure function of (mode,
// tool name).
type Machine struct {
	mode     Mode
	prompter Prompter
	logger   *logger.Logger
}

// NewMachine creates a machine starting in the given mode.
func NewMachine(mode Mode, prompter Prompter, log *logger.Logger) *Machine {
	return &Machine{
		mode:     mode,
		prompter: prompter,
		logger:   log.WithComponent("permission"),
	}
}

// Mode returns the machine's current mode.
func (m *Machine) Mode() Mode {
	return m.mode
}

// Evaluate decides one tool call. On an approved ExitPlanMode the machine
// switches to the approved target mode for the remainder of the turn.
func (m *Machine) Evaluate(ctx context.Context, toolName string, input map[string]any) (Decision, error) {
	switch classify(m.mode, toolName) {
	case verdictAllow:
		return Allow(), nil

	case verdictQuestion:
		decision, err := m.prompter.AnswerQuestion(ctx, input)
		if err != nil {
			return Deny(fmt.Sprintf("failed to obtain an answer: %v", err)), nil
		}
		return decision, nil

	case verdictPlanApproval:
		approved, target, err := m.prompter.ApprovePlan(ctx, input)
		if err != nil {
			return Deny(fmt.Sprintf("plan approval failed: %v", err)), nil
		}
		if !approved {
			return Deny("plan was not approved"), nil
		}
		if target == "" {
			target = ModeDefault
		}
		m.logger.Info("plan approved, switching mode",
			zap.String("from", string(m.mode)), zap.String("to", string(target)))
		m.mode = target
		return Allow(), nil

	case verdictBlock:
		return Deny(fmt.Sprintf("tool %q is not permitted in plan mode", toolName)), nil

	default: // verdictPrompt
		decision, err := m.prompter.PromptToolUse(ctx, toolName, input)
		if err != nil {
			return Deny(fmt.Sprintf("permission prompt failed: %v", err)), nil
		}
		return decision, nil
	}
}

// ToControlResponse renders a decision as the wire-level permission result.
func (d Decision) ToControlResponse(requestID string) *agentsdk.ControlResponseMessage {
	resp := &agentsdk.ControlResponseMessage{
		Type:      agentsdk.MessageTypeControlResponse,
		RequestID: requestID,
		Response:  &agentsdk.ControlResponse{Subtype: "success"},
	}
	switch d.Behavior {
	case agentsdk.BehaviorAllow:
		resp.Response.Result = &agentsdk.PermissionResult{
			Behavior:     agentsdk.BehaviorAllow,
			UpdatedInput: d.UpdatedInput,
		}
	case agentsdk.BehaviorDeny:
		resp.Response.Result = &agentsdk.PermissionResult{
			Behavior: agentsdk.BehaviorDeny,
			Message:  d.Reason,
		}
	default:
		// No opinion: an empty result object lets the provider's own
		// policy decide.
		resp.Response.Result = &agentsdk.PermissionResult{}
	}
	return resp
}
