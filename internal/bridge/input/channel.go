// Package input provides the one-shot stream used to hand a single user turn
// (text plus attachment blocks) to the provider as if it were live input.
// Closing the stream means "end of user turn", not "end of conversation".
package input

import (
	"context"
	"errors"
	"sync"

	"github.com/agentbridge/agentbridge/pkg/agentsdk"
)

// ErrStreamConsumed is returned when the stream is iterated a second time.
var ErrStreamConsumed = errors.New("input stream already consumed")

// ErrStreamClosed is returned when enqueueing after Close.
var ErrStreamClosed = errors.New("input stream closed")

// Stream is a single-consumer, one-iteration async sequence of content
// blocks. Enqueue either hands the value to a pending Next immediately or
// buffers it; Close ends the sequence.
type Stream struct {
	mu       sync.Mutex
	buffer   []agentsdk.ContentBlock
	waiter   chan struct{}
	closed   bool
	consumed bool
}

// NewStream creates an empty stream.
func NewStream() *Stream {
	return &Stream{}
}

// Enqueue appends a block, waking a pending Next if one is suspended.
func (s *Stream) Enqueue(block agentsdk.ContentBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.buffer = append(s.buffer, block)
	s.signal()
	return nil
}

// Close ends the sequence. Pending and future Next calls observe "done".
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.signal()
}

func (s *Stream) signal() {
	if s.waiter != nil {
		close(s.waiter)
		s.waiter = nil
	}
}

// Next returns the next block. ok is false once the stream is closed and
// drained. Next suspends until a block is enqueued or the stream closes.
func (s *Stream) Next(ctx context.Context) (agentsdk.ContentBlock, bool, error) {
	for {
		s.mu.Lock()
		if len(s.buffer) > 0 {
			block := s.buffer[0]
			s.buffer = s.buffer[1:]
			s.mu.Unlock()
			return block, true, nil
		}
		if s.closed {
			s.mu.Unlock()
			return agentsdk.ContentBlock{}, false, nil
		}
		if s.waiter == nil {
			s.waiter = make(chan struct{})
		}
		waiter := s.waiter
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return agentsdk.ContentBlock{}, false, ctx.Err()
		case <-waiter:
		}
	}
}

// Drain marks the stream consumed and returns every remaining block in
// order, blocking until Close. A second drain (or a drain after Next
// consumed the stream to completion) is an error: the turn must be fed to
// the provider exactly once.
func (s *Stream) Drain(ctx context.Context) ([]agentsdk.ContentBlock, error) {
	s.mu.Lock()
	if s.consumed {
		s.mu.Unlock()
		return nil, ErrStreamConsumed
	}
	s.consumed = true
	s.mu.Unlock()

	var blocks []agentsdk.ContentBlock
	for {
		block, ok, err := s.Next(ctx)
		if err != nil {
			return blocks, err
		}
		if !ok {
			return blocks, nil
		}
		blocks = append(blocks, block)
	}
}
