package bridge

import (
	"context"
	"errors"
	"strings"

	"github.com/agentbridge/agentbridge/internal/bridge/config"
	"github.com/agentbridge/agentbridge/internal/bridge/ipc"
)

// maxDiagnosticErrorLen caps the error text surfaced to the host.
const maxDiagnosticErrorLen = 2000

// stderrRelayLines bounds how much captured provider stderr is prepended to
// the diagnostic and relayed on the [SDK-STDERR] channel.
const stderrRelayLines = 10

// Diagnostic is the structured payload attached to every unrecoverable turn
// failure. Credential fields are read from persisted settings only, never
// from the process environment, so the host sees what its own settings file
// actually configured.
type Diagnostic struct {
	Error    string `json:"error"`
	Aborted  bool   `json:"aborted"`
	TimedOut bool   `json:"timedOut"`

	APIKeySource  string `json:"apiKeySource"`
	APIKeyPreview string `json:"apiKeyPreview"`
	BaseURL       string `json:"baseUrl"`
	BaseURLSource string `json:"baseUrlSource"`
}

// buildDiagnostic assembles the failure payload. The last captured stderr
// lines are prepended to the error text; the combined text is length-capped.
func buildDiagnostic(cfg *config.Config, err error, stderrTail []string) Diagnostic {
	text := err.Error()
	if len(stderrTail) > 0 {
		tail := stderrTail
		if len(tail) > stderrRelayLines {
			tail = tail[len(tail)-stderrRelayLines:]
		}
		text = strings.Join(tail, "\n") + "\n" + text
	}
	text = ipc.TruncateTail(text, maxDiagnosticErrorLen)

	lower := strings.ToLower(err.Error())
	baseURL := cfg.Provider.BaseURL
	baseURLSource := cfg.Provider.BaseURLSource
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
		baseURLSource = "default"
	}

	return Diagnostic{
		Error:         text,
		Aborted:       errors.Is(err, context.Canceled),
		TimedOut:      errors.Is(err, context.DeadlineExceeded) || strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout"),
		APIKeySource:  cfg.Provider.APIKeySource,
		APIKeyPreview: cfg.Provider.APIKeyPreview(),
		BaseURL:       baseURL,
		BaseURLSource: baseURLSource,
	}
}
