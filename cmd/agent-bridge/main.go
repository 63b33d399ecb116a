// Command agent-bridge is the bridge executable spawned by the GUI host, one
// process per request. Stdout carries IPC protocol lines only; logging and
// the error channel go to stderr.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/bridge"
	"github.com/agentbridge/agentbridge/internal/bridge/config"
	"github.com/agentbridge/agentbridge/internal/bridge/ipc"
	"github.com/agentbridge/agentbridge/internal/bridge/permission"
	"github.com/agentbridge/agentbridge/internal/bridge/provider"
	"github.com/agentbridge/agentbridge/internal/bridge/rewind"
	"github.com/agentbridge/agentbridge/internal/bridge/session"
	"github.com/agentbridge/agentbridge/internal/bridge/supervisor"
	"github.com/agentbridge/agentbridge/internal/bridge/tracing"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/mcp/verify"
)

func main() {
	var (
		op             = flag.String("op", "send", "operation: send, mcp-status, mcp-tools, rewind, history")
		configPath     = flag.String("config", "", "directory containing settings.json")
		prompt         = flag.String("prompt", "", "user prompt text (send)")
		sessionID      = flag.String("session", "", "session id (send resume, rewind, history)")
		cwd            = flag.String("cwd", "", "working directory of the conversation")
		model          = flag.String("model", "", "model alias: opus, haiku, sonnet")
		permissionMode = flag.String("permission-mode", "", "permission mode: default, plan, acceptEdits, bypassPermissions")
		streaming      = flag.String("streaming", "", "override streaming: true or false (empty uses the settings default)")
		stdinPayload   = flag.Bool("stdin-payload", false, "read a JSON turn payload (attachments) from stdin")
		serverName     = flag.String("server", "", "MCP server name (mcp-tools)")
		messageID      = flag.String("message", "", "rewind target message id (rewind)")
	)
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		log = logger.Default()
	}
	defer log.Sync()

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = tracing.Shutdown(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, runArgs{
		op:             *op,
		prompt:         *prompt,
		sessionID:      *sessionID,
		cwd:            *cwd,
		model:          *model,
		permissionMode: *permissionMode,
		streaming:      *streaming,
		stdinPayload:   *stdinPayload,
		serverName:     *serverName,
		messageID:      *messageID,
	}); err != nil {
		log.Error("operation failed", zap.String("op", *op), zap.Error(err))
		os.Exit(1)
	}
}

type runArgs struct {
	op             string
	prompt         string
	sessionID      string
	cwd            string
	model          string
	permissionMode string
	streaming      string
	stdinPayload   bool
	serverName     string
	messageID      string
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger, args runArgs) error {
	emitter := ipc.NewEmitter(os.Stdout, os.Stderr)
	sup := supervisor.New(log)
	store := session.NewStore(cfg.Sessions.ProjectsRoot, log)
	registry := session.NewRegistry()

	switch args.op {
	case "send":
		prov, err := provider.New(cfg, sup, log)
		if err != nil {
			return err
		}
		b := bridge.New(cfg, store, registry, prov, emitter, deferringPrompter{}, log)

		params := bridge.TurnParams{
			Text:            args.prompt,
			ResumeSessionID: args.sessionID,
			Cwd:             args.cwd,
			PermissionMode:  args.permissionMode,
			Model:           args.model,
		}
		switch args.streaming {
		case "true":
			v := true
			params.Streaming = &v
		case "false":
			v := false
			params.Streaming = &v
		}

		if args.stdinPayload {
			payload, err := bridge.ReadStdinPayload(os.Stdin)
			if err != nil {
				return err
			}
			if payload.Message != "" {
				params.Text = payload.Message
			}
			params.Attachments = payload.Attachments
			params.OpenedFiles = payload.OpenedFiles
			if payload.AgentPrompt != "" {
				params.AgentPrompt = payload.AgentPrompt
			}
			if payload.Streaming != nil {
				params.Streaming = payload.Streaming
			}
		}

		result := b.SendTurn(ctx, params)
		if !result.Success {
			return fmt.Errorf("turn failed: %s", result.Error)
		}
		return nil

	case "mcp-status":
		v := verify.New(&cfg.MCP, sup, log)
		statuses := v.VerifyAll(ctx)
		return emitter.EmitJSON(ipc.MarkerMCPStatus, statuses)

	case "mcp-tools":
		if args.serverName == "" {
			return fmt.Errorf("-server is required for mcp-tools")
		}
		v := verify.New(&cfg.MCP, sup, log)
		result := v.ListTools(ctx, args.serverName)
		return emitter.EmitJSON(ipc.MarkerMCPTools, result)

	case "rewind":
		if args.sessionID == "" || args.messageID == "" {
			return fmt.Errorf("-session and -message are required for rewind")
		}
		prov, err := provider.New(cfg, sup, log)
		if err != nil {
			return err
		}
		r := rewind.NewResolver(store, registry, prov, log)
		if err := r.Rewind(ctx, args.sessionID, args.messageID, args.cwd); err != nil {
			return err
		}
		return emitter.EmitFinal(ipc.FinalResult{Success: true, SessionID: args.sessionID})

	case "history":
		if args.sessionID == "" {
			return fmt.Errorf("-session is required for history")
		}
		records, err := store.ReadAll(args.sessionID, args.cwd)
		if err != nil {
			return err
		}
		if records == nil {
			records = []session.Record{}
		}
		data, err := json.Marshal(records)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, string(data))
		return nil

	default:
		return fmt.Errorf("unknown operation %q", args.op)
	}
}

// deferringPrompter stands in for the host's interactive decision channel.
// The host answers permission prompts through its own UI round trip; run as a
// bare CLI there is no such channel, so prompts defer to the provider's
// policy, questions are declined, and plans stay unapproved.
type deferringPrompter struct{}

func (deferringPrompter) PromptToolUse(ctx context.Context, toolName string, input map[string]any) (permission.Decision, error) {
	return permission.NoOpinion(), nil
}

func (deferringPrompter) AnswerQuestion(ctx context.Context, input map[string]any) (permission.Decision, error) {
	return permission.Deny("no interactive answer channel is available"), nil
}

func (deferringPrompter) ApprovePlan(ctx context.Context, input map[string]any) (bool, permission.Mode, error) {
	return false, "", nil
}
