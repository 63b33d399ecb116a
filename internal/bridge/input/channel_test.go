package input

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/agentbridge/pkg/agentsdk"
)

func textBlock(s string) agentsdk.ContentBlock {
	return agentsdk.ContentBlock{Type: agentsdk.BlockTypeText, Text: s}
}

func TestEnqueueThenNext(t *testing.T) {
	s := NewStream()
	require.NoError(t, s.Enqueue(textBlock("hello")))

	block, ok, err := s.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", block.Text)
}

func TestNextSuspendsUntilEnqueue(t *testing.T) {
	s := NewStream()

	got := make(chan agentsdk.ContentBlock, 1)
	go func() {
		block, ok, err := s.Next(context.Background())
		if err == nil && ok {
			got <- block
		}
	}()

	// The reader must not complete before anything is enqueued.
	select {
	case <-got:
		t.Fatal("Next returned before Enqueue")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, s.Enqueue(textBlock("later")))

	select {
	case block := <-got:
		assert.Equal(t, "later", block.Text)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake after Enqueue")
	}
}

func TestCloseResolvesPendingNext(t *testing.T) {
	s := NewStream()

	done := make(chan bool, 1)
	go func() {
		_, ok, err := s.Next(context.Background())
		done <- !ok && err == nil
	}()

	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case clean := <-done:
		assert.True(t, clean)
	case <-time.After(time.Second):
		t.Fatal("Next did not observe Close")
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	s := NewStream()
	s.Close()
	assert.ErrorIs(t, s.Enqueue(textBlock("x")), ErrStreamClosed)
}

func TestDrainReturnsAllInOrder(t *testing.T) {
	s := NewStream()
	require.NoError(t, s.Enqueue(textBlock("a")))
	require.NoError(t, s.Enqueue(textBlock("b")))
	s.Close()

	blocks, err := s.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, "a", blocks[0].Text)
	assert.Equal(t, "b", blocks[1].Text)
}

func TestSecondDrainFails(t *testing.T) {
	s := NewStream()
	s.Close()

	_, err := s.Drain(context.Background())
	require.NoError(t, err)

	_, err = s.Drain(context.Background())
	assert.ErrorIs(t, err, ErrStreamConsumed)
}

func TestNextHonorsContext(t *testing.T) {
	s := NewStream()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, _, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
