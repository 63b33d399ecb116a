package bridge

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	maxRetries = 2

	// sessionRaceDelay covers the transcript-visibility race after resume:
	// the session file usually appears within a poll or two.
	sessionRaceDelay = 250 * time.Millisecond
	transientDelay   = 1500 * time.Millisecond

	// maxRetryMessageCount gates retries to early failures. Once the provider
	// has produced substantive output, a retry would duplicate it.
	maxRetryMessageCount = 3
)

// retryablePatterns match transient transport failures in provider error text.
var retryablePatterns = []string{
	"connection reset",
	"connection refused",
	"timed out",
	"timeout",
	"no such host",
	"dns",
	"fetch failed",
	"socket hang up",
	"network",
	"api request failed",
}

// sessionRacePatterns match the resume race where the provider has not yet
// flushed the session file.
var sessionRacePatterns = []string{
	"no conversation found with session id",
	"conversation not found",
}

// errClass drives the retry loop: the attempt outcome is matched explicitly
// instead of unwinding through panics or nested error checks.
type errClass int

const (
	errFatal errClass = iota
	errTransient
	errSessionRace
)

// terminalResultError wraps a provider result flagged as an error. It is the
// turn's terminal failure and is never retried mid-stream.
type terminalResultError struct {
	text string
}

func (e *terminalResultError) Error() string { return e.text }

// classifyError buckets an attempt failure for the retry loop.
func classifyError(err error) errClass {
	if err == nil {
		return errFatal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errFatal
	}
	var terminal *terminalResultError
	if errors.As(err, &terminal) {
		return errFatal
	}

	msg := strings.ToLower(err.Error())
	for _, p := range sessionRacePatterns {
		if strings.Contains(msg, p) {
			return errSessionRace
		}
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return errTransient
		}
	}
	return errFatal
}

// isRetryable reports whether a single substring-classified error may be
// retried at all.
func isRetryable(err error) bool {
	return classifyError(err) != errFatal
}

// retryDelay sleeps for the class-appropriate delay, honoring cancellation.
func retryDelay(ctx context.Context, class errClass) error {
	d := transientDelay
	if class == errSessionRace {
		d = sessionRaceDelay
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
