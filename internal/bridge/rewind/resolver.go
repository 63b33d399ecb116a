// Package rewind restores file checkpoints for past messages. Not every
// transcript message carries a checkpoint (only assistant turns that touched
// files do), so a rewind request resolves a candidate chain from the
// transcript and tries each candidate in order until one succeeds.
package rewind

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/bridge/provider"
	"github.com/agentbridge/agentbridge/internal/bridge/session"
	"github.com/agentbridge/agentbridge/internal/common/logger"
)

const (
	// rewindTimeout bounds one rewind_files round trip; checkpoint restore
	// can rewrite many files.
	rewindTimeout = 45 * time.Second

	// maxCandidates caps the fallback chain walked from the transcript.
	maxCandidates = 8
)

// Resolver performs checkpoint rewinds, reusing a registered live query when
// one exists and resuming the session otherwise.
type Resolver struct {
	store    *session.Store
	registry *session.Registry
	provider provider.Provider
	logger   *logger.Logger
}

// NewResolver wires the rewind path.
func NewResolver(store *session.Store, reg *session.Registry, p provider.Provider, log *logger.Logger) *Resolver {
	return &Resolver{
		store:    store,
		registry: reg,
		provider: p,
		logger:   log.WithComponent("rewind"),
	}
}

// Rewind restores the checkpoint at messageID, falling back along the
// transcript's parent chain when the exact message has no checkpoint. Any
// rewind failure other than a missing checkpoint aborts immediately.
func (r *Resolver) Rewind(ctx context.Context, sessionID, messageID, cwd string) error {
	handle, fresh, err := r.obtainHandle(ctx, sessionID, cwd)
	if err != nil {
		return err
	}
	if fresh {
		// A handle resumed just for this rewind is scoped to it. Registered
		// handles belong to the live turn and stay open.
		defer handle.Close()
	}

	candidates, err := r.candidates(sessionID, messageID, cwd)
	if err != nil {
		return err
	}

	for _, id := range candidates {
		rewindCtx, cancel := context.WithTimeout(ctx, rewindTimeout)
		err := handle.Rewind(rewindCtx, id)
		cancel()

		if err == nil {
			r.logger.Info("checkpoint restored",
				zap.String("session_id", sessionID),
				zap.String("message_id", id),
				zap.Bool("exact", id == messageID))
			return nil
		}
		if !errors.Is(err, provider.ErrNoCheckpoint) {
			return fmt.Errorf("rewind failed at message %s: %w", id, err)
		}
		r.logger.Debug("no checkpoint at candidate, trying next",
			zap.String("message_id", id))
	}

	return fmt.Errorf("no checkpoint found for message %s or any fallback candidate", messageID)
}

// obtainHandle returns a query handle for the session. The second return is
// true when the handle was freshly resumed and must be closed by the caller.
func (r *Resolver) obtainHandle(ctx context.Context, sessionID, cwd string) (session.QueryHandle, bool, error) {
	if h, ok := r.registry.Get(sessionID); ok {
		return h, false, nil
	}

	// The CLI flushes transcripts asynchronously; resuming too early fails
	// with an unknown session.
	r.store.WaitForTranscript(ctx, sessionID, cwd)

	q, err := r.provider.Resume(ctx, sessionID, cwd)
	if err != nil {
		return nil, false, fmt.Errorf("failed to resume session for rewind: %w", err)
	}
	return q, true, nil
}

// candidates resolves the ordered rewind targets: the requested message, then
// each ancestor up to and including the nearest one carrying user text, then
// the transcript's last user-text message. First-seen order, deduplicated,
// capped at maxCandidates.
func (r *Resolver) candidates(sessionID, messageID, cwd string) ([]string, error) {
	records, err := r.store.ReadAll(sessionID, cwd)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}

	byID := make(map[string]*session.Record, len(records))
	for i := range records {
		byID[records[i].UUID] = &records[i]
	}

	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id == "" || seen[id] || len(out) >= maxCandidates {
			return
		}
		seen[id] = true
		out = append(out, id)
	}

	// Walk the parent chain from the requested message until a record with
	// user text, inclusive of every visited id.
	for id := messageID; id != ""; {
		add(id)
		rec, ok := byID[id]
		if !ok || rec.UserText() != "" {
			break
		}
		id = rec.ParentUUID
	}

	for i := len(records) - 1; i >= 0; i-- {
		if records[i].UserText() != "" {
			add(records[i].UUID)
			break
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("message %s not found in transcript", messageID)
	}
	return out, nil
}
