package session

import (
	"context"
	"errors"
	"sync"
)

// ErrTurnInFlight is returned when a second turn is started for a session
// that already has one running. The host retries after the first completes.
var ErrTurnInFlight = errors.New("a turn is already in flight for this session")

// QueryHandle is a live provider call registered for later reuse (rewind).
// Implemented by provider queries; the registry owns closing on eviction.
type QueryHandle interface {
	// Rewind restores the file checkpoint taken at the given message.
	Rewind(ctx context.Context, messageID string) error
	// Close releases the handle's resources (subprocess, pipes).
	Close() error
}

// Registry maps session ids to live query handles. Eviction is caller-driven:
// the host calls Remove when a session ends. Put closes any handle it
// replaces, so at most one handle is live per session.
type Registry struct {
	mu       sync.Mutex
	handles  map[string]QueryHandle
	inflight map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handles:  make(map[string]QueryHandle),
		inflight: make(map[string]bool),
	}
}

// Put registers the handle for a session, closing any previous one.
func (r *Registry) Put(sessionID string, h QueryHandle) {
	r.mu.Lock()
	prev := r.handles[sessionID]
	r.handles[sessionID] = h
	r.mu.Unlock()

	if prev != nil && prev != h {
		_ = prev.Close()
	}
}

// Get returns the live handle for a session, if any.
func (r *Registry) Get(sessionID string) (QueryHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[sessionID]
	return h, ok
}

// Remove evicts and closes the handle for a session.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	h := r.handles[sessionID]
	delete(r.handles, sessionID)
	delete(r.inflight, sessionID)
	r.mu.Unlock()

	if h != nil {
		_ = h.Close()
	}
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// BeginTurn marks a session as having a turn in flight. A second concurrent
// turn on the same session is rejected, never queued: transcript append is
// single-writer per session.
func (r *Registry) BeginTurn(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[sessionID] {
		return ErrTurnInFlight
	}
	r.inflight[sessionID] = true
	return nil
}

// EndTurn clears the in-flight mark for a session.
func (r *Registry) EndTurn(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, sessionID)
}
