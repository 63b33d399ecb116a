// Package supervisor spawns and kills OS processes for the bridge. Every
// spawn goes through the command allow-list; kills escalate from SIGTERM to
// SIGKILL on a detached timer.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/common/logger"
)

// killGracePeriod is how long a SIGTERM'd process gets before SIGKILL.
const killGracePeriod = 500 * time.Millisecond

// gracefulSignal opens the kill escalation. SIGTERM, not SIGINT: daemons
// detached from a TTY routinely mask SIGINT. On platforms where Signal
// rejects it, Kill falls back to an immediate hard kill.
var gracefulSignal os.Signal = syscall.SIGTERM

// allowedCommands is the security boundary for spawning: only well-known
// runtime launchers may be executed as MCP servers or agent CLIs.
var allowedCommands = map[string]bool{
	"node":    true,
	"npx":     true,
	"npm":     true,
	"pnpm":    true,
	"yarn":    true,
	"bunx":    true,
	"bun":     true,
	"python":  true,
	"python3": true,
	"uvx":     true,
	"uv":      true,
	"deno":    true,
	"docker":  true,
	"cargo":   true,
	"go":      true,
}

// windowsExtensions are the executable extensions accepted on Windows
// basenames, in addition to the bare name.
var windowsExtensions = []string{".exe", ".cmd", ".bat"}

// ValidateCommand reports whether the command may be spawned. Validation is
// by exact basename match against the allow-list; on Windows a recognized
// executable extension on the basename is also accepted.
func ValidateCommand(command string) error {
	return validateCommandForOS(command, runtime.GOOS)
}

func validateCommandForOS(command, goos string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("empty command")
	}
	base := filepath.Base(strings.TrimSpace(command))

	if goos == "windows" {
		ext := strings.ToLower(filepath.Ext(base))
		for _, allowed := range windowsExtensions {
			if ext == allowed {
				base = strings.TrimSuffix(base, filepath.Ext(base))
				break
			}
		}
	}

	if !allowedCommands[base] {
		return fmt.Errorf("command %q is not on the allow-list (%s)", command, allowedList())
	}
	return nil
}

func allowedList() string {
	names := make([]string, 0, len(allowedCommands))
	for name := range allowedCommands {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// Process is a supervised subprocess with captured stderr.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *logger.Logger

	stderr *stderrRing

	exited   chan struct{}
	exitErr  error
	exitCode int
	waitOnce sync.Once
	killOnce sync.Once
}

// Supervisor spawns processes after allow-list validation.
type Supervisor struct {
	logger *logger.Logger
}

// New creates a Supervisor.
func New(log *logger.Logger) *Supervisor {
	return &Supervisor{logger: log.WithComponent("supervisor")}
}

// Spawn validates the command against the allow-list, then starts it with
// the merged environment. env entries override the inherited environment.
func (s *Supervisor) Spawn(ctx context.Context, command string, args []string, env map[string]string, dir string) (*Process, error) {
	if err := ValidateCommand(command); err != nil {
		return nil, err
	}
	return s.spawn(command, args, env, dir)
}

// SpawnTrusted starts a command without allow-list validation. Only for
// binaries taken from the host's own settings (the agent CLI), never for
// commands arriving in MCP server config.
func (s *Supervisor) SpawnTrusted(ctx context.Context, command string, args []string, env map[string]string, dir string) (*Process, error) {
	return s.spawn(command, args, env, dir)
}

func (s *Supervisor) spawn(command string, args []string, env map[string]string, dir string) (*Process, error) {
	// Intentionally not CommandContext: shutdown is driven by Kill with
	// signal escalation, not by context cancellation semantics.
	cmd := exec.Command(command, args...)
	cmd.Dir = dir
	cmd.Env = mergeEnv(os.Environ(), env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}

	p := &Process{
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		logger:   s.logger,
		stderr:   newStderrRing(64),
		exited:   make(chan struct{}),
		exitCode: -1,
	}

	go p.stderr.consume(stderr)
	go p.wait()

	s.logger.Debug("process started",
		zap.String("command", command), zap.Int("pid", cmd.Process.Pid))
	return p, nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(overrides))
	for _, entry := range base {
		key := entry
		if i := strings.IndexByte(entry, '='); i >= 0 {
			key = entry[:i]
		}
		if _, ok := overrides[key]; !ok {
			merged = append(merged, entry)
		}
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		merged = append(merged, k+"="+overrides[k])
	}
	return merged
}

// Stdin returns the process stdin pipe.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the process stdout pipe.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Pid returns the process id.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Exited returns a channel closed when the process has exited.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// ExitCode returns the exit code, or -1 while running.
func (p *Process) ExitCode() int {
	select {
	case <-p.exited:
		return p.exitCode
	default:
		return -1
	}
}

// StderrTail returns up to n of the most recent stderr lines.
func (p *Process) StderrTail(n int) []string {
	return p.stderr.tail(n)
}

// CloseStdin closes the stdin pipe, signalling end of input.
func (p *Process) CloseStdin() error {
	return p.stdin.Close()
}

// Kill sends a graceful signal and escalates to SIGKILL after the grace
// period. The escalation timer runs detached so it can never keep the
// bridge process alive during its own shutdown.
func (p *Process) Kill() {
	p.killOnce.Do(func() {
		proc := p.cmd.Process
		if proc == nil {
			return
		}
		select {
		case <-p.exited:
			return
		default:
		}

		p.logger.Debug("terminating process", zap.Int("pid", proc.Pid))
		if err := proc.Signal(gracefulSignal); err != nil {
			// Already gone or signal unsupported; go straight to kill.
			_ = proc.Kill()
			return
		}

		timer := time.AfterFunc(killGracePeriod, func() {
			select {
			case <-p.exited:
			default:
				p.logger.Warn("escalating to SIGKILL", zap.Int("pid", proc.Pid))
				_ = proc.Kill()
			}
		})
		// Stop the timer once the process exits on its own.
		go func() {
			<-p.exited
			timer.Stop()
		}()
	})
}

func (p *Process) wait() {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		p.exitErr = err
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				p.exitCode = exitErr.ExitCode()
			}
		} else {
			p.exitCode = 0
		}
		close(p.exited)
	})
}

// stderrRing retains the tail of a process's stderr for diagnostics.
type stderrRing struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newStderrRing(max int) *stderrRing {
	return &stderrRing{max: max}
}

func (r *stderrRing) consume(reader io.Reader) {
	buf := make([]byte, 4096)
	var partial strings.Builder
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			partial.WriteString(string(buf[:n]))
			text := partial.String()
			for {
				i := strings.IndexByte(text, '\n')
				if i < 0 {
					break
				}
				r.add(strings.TrimRight(text[:i], "\r"))
				text = text[i+1:]
			}
			partial.Reset()
			partial.WriteString(text)
		}
		if err != nil {
			if rest := strings.TrimSpace(partial.String()); rest != "" {
				r.add(rest)
			}
			return
		}
	}
}

func (r *stderrRing) add(line string) {
	if line == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > r.max {
		r.lines = r.lines[len(r.lines)-r.max:]
	}
}

func (r *stderrRing) tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n >= len(r.lines) {
		return append([]string(nil), r.lines...)
	}
	return append([]string(nil), r.lines[len(r.lines)-n:]...)
}
