package provider

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/bridge/config"
	"github.com/agentbridge/agentbridge/internal/bridge/supervisor"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/pkg/agentsdk"
)

const (
	initializeTimeout = 30 * time.Second
	interruptTimeout  = 10 * time.Second
	rewindTimeout     = 45 * time.Second

	// messageBuffer bounds the in-flight message channel; the bridge drains
	// it continuously, so this only absorbs bursts.
	messageBuffer = 256
)

// AgentSDKProvider drives the agent CLI as a supervised subprocess speaking
// the stream-json protocol.
type AgentSDKProvider struct {
	cfg        *config.Config
	supervisor *supervisor.Supervisor
	logger     *logger.Logger
}

// NewAgentSDKProvider creates the subprocess-backed provider.
func NewAgentSDKProvider(cfg *config.Config, sup *supervisor.Supervisor, log *logger.Logger) *AgentSDKProvider {
	return &AgentSDKProvider{
		cfg:        cfg,
		supervisor: sup,
		logger:     log.WithComponent("agent-sdk-provider"),
	}
}

// Name identifies the variant.
func (p *AgentSDKProvider) Name() string { return "agent-sdk" }

// buildArgs renders the CLI invocation for a turn.
func (p *AgentSDKProvider) buildArgs(req TurnRequest) []string {
	args := append([]string(nil), p.cfg.Provider.Args...)
	args = append(args,
		"-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--model", req.Model,
	)
	if req.PermissionMode != "" {
		args = append(args, "--permission-mode", req.PermissionMode)
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	if req.SystemPromptAddendum != "" {
		args = append(args, "--append-system-prompt", req.SystemPromptAddendum)
	}
	if req.IncludePartialMessages {
		args = append(args, "--include-partial-messages")
	}
	return args
}

// buildEnv renders the subprocess environment for a turn.
func (p *AgentSDKProvider) buildEnv(req TurnRequest) map[string]string {
	env := map[string]string{}
	if p.cfg.Provider.APIKey != "" {
		env["ANTHROPIC_API_KEY"] = p.cfg.Provider.APIKey
	}
	if p.cfg.Provider.BaseURL != "" {
		env["ANTHROPIC_BASE_URL"] = p.cfg.Provider.BaseURL
	}
	if req.ThinkingBudget > 0 {
		env["MAX_THINKING_TOKENS"] = strconv.Itoa(req.ThinkingBudget)
	}
	return env
}

// Resume spawns the CLI against an existing session without sending a
// prompt, yielding a handle usable for rewind.
func (p *AgentSDKProvider) Resume(ctx context.Context, sessionID, cwd string) (Query, error) {
	req := TurnRequest{ResumeSessionID: sessionID, Cwd: cwd, Model: ResolveModel("")}
	q, err := p.start(ctx, req)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// StartTurn spawns the CLI, performs the initialize handshake, installs the
// permission hook, and feeds the user turn.
func (p *AgentSDKProvider) StartTurn(ctx context.Context, req TurnRequest) (Query, error) {
	q, err := p.start(ctx, req)
	if err != nil {
		return nil, err
	}

	if len(req.Blocks) > 0 {
		err = q.client.SendUserBlocks(req.Blocks)
	} else {
		err = q.client.SendUserMessage(req.Prompt)
	}
	if err != nil {
		q.Close()
		return nil, fmt.Errorf("failed to send user turn: %w", err)
	}
	return q, nil
}

// start spawns the CLI and completes the initialize handshake.
func (p *AgentSDKProvider) start(ctx context.Context, req TurnRequest) (*agentSDKQuery, error) {
	proc, err := p.supervisor.SpawnTrusted(ctx, p.cfg.Provider.Command, p.buildArgs(req), p.buildEnv(req), req.Cwd)
	if err != nil {
		return nil, fmt.Errorf("failed to start agent CLI: %w", err)
	}

	client := agentsdk.NewClient(proc.Stdin(), proc.Stdout(), p.logger)

	q := &agentSDKQuery{
		proc:   proc,
		client: client,
		logger: p.logger,
		msgs:   make(chan *agentsdk.Message, messageBuffer),
	}

	client.SetMessageHandler(func(msg *agentsdk.Message) {
		forwardMessage(q.msgs, msg, proc.Exited(), client.Done())
	})

	if hook := req.OnToolPermission; hook != nil {
		client.SetRequestHandler(func(requestID string, ctrlReq *agentsdk.ControlRequest) {
			if ctrlReq.Subtype != agentsdk.SubtypeCanUseTool {
				return
			}
			decision := hook(ctx, ctrlReq.ToolName, ctrlReq.Input)
			if err := client.SendControlResponse(decision.ToControlResponse(requestID)); err != nil {
				p.logger.Warn("failed to send permission response", zap.Error(err))
			}
		})
	}

	<-client.Start(ctx)

	// Close the message stream only after the read loop has returned: at
	// that point no handler can be mid-send, so the close cannot race a
	// delivery. The read loop itself terminates when the CLI goes away.
	go func() {
		<-client.ReaderDone()
		q.closeMsgs()
	}()

	if err := client.Initialize(ctx, initializeTimeout); err != nil {
		q.Close()
		return nil, fmt.Errorf("agent CLI initialize failed: %w", err)
	}

	return q, nil
}

// ListTools asks the CLI for its tool inventory. The stream-json protocol
// has no tools/list; the built-in set is reported.
func (p *AgentSDKProvider) ListTools(ctx context.Context) ([]string, error) {
	return []string{
		agentsdk.ToolBash, agentsdk.ToolRead, agentsdk.ToolWrite, agentsdk.ToolEdit,
		agentsdk.ToolMultiEdit, agentsdk.ToolGlob, agentsdk.ToolGrep, agentsdk.ToolLS,
		agentsdk.ToolTask, agentsdk.ToolTodoWrite, agentsdk.ToolWebFetch, agentsdk.ToolWebSearch,
	}, nil
}

// forwardMessage delivers one provider message into the query's stream. The
// send blocks until the consumer takes it, so no message is ever dropped on
// a live query; teardown (process exit or client stop) releases a blocked
// send so the read loop can finish.
func forwardMessage(msgs chan<- *agentsdk.Message, msg *agentsdk.Message, exited, done <-chan struct{}) {
	select {
	case msgs <- msg:
	case <-exited:
	case <-done:
	}
}

// agentSDKQuery is a live CLI call.
type agentSDKQuery struct {
	proc   *supervisor.Process
	client *agentsdk.Client
	logger *logger.Logger

	msgs      chan *agentsdk.Message
	closeOnce sync.Once
	consumed  bool
	mu        sync.Mutex
}

func (q *agentSDKQuery) closeMsgs() {
	q.closeOnce.Do(func() { close(q.msgs) })
}

// Messages returns the message stream. Single iteration.
func (q *agentSDKQuery) Messages() (<-chan *agentsdk.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.consumed {
		return nil, ErrAlreadyConsumed
	}
	q.consumed = true
	return q.msgs, nil
}

// Rewind restores the file checkpoint for the given message.
func (q *agentSDKQuery) Rewind(ctx context.Context, messageID string) error {
	return classifyRewindErr(q.client.RewindFiles(ctx, messageID, rewindTimeout))
}

// Interrupt asks the CLI to stop the current operation.
func (q *agentSDKQuery) Interrupt(ctx context.Context) error {
	return q.client.Interrupt(ctx, interruptTimeout)
}

// StderrTail returns recent provider stderr lines for diagnostics.
func (q *agentSDKQuery) StderrTail(n int) []string {
	return q.proc.StderrTail(n)
}

// Close stops the client and terminates the subprocess with escalation.
func (q *agentSDKQuery) Close() error {
	q.client.Stop()
	q.proc.Kill()
	q.closeMsgs()
	return nil
}
