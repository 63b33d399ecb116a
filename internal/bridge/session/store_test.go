package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/agentbridge/internal/common/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), logger.Default())
}

func userRecord(t *testing.T, text string) Record {
	t.Helper()
	body, err := json.Marshal(map[string]any{"role": "user", "content": text})
	require.NoError(t, err)
	return Record{Type: "user", Message: body}
}

func assistantRecord(t *testing.T, text string) Record {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"role":    "assistant",
		"content": []map[string]any{{"type": "text", "text": text}},
	})
	require.NoError(t, err)
	return Record{Type: "assistant", Message: body}
}

func TestSanitizeCwd(t *testing.T) {
	assert.Equal(t, "-home-u-my-project", SanitizeCwd("/home/u/my-project"))
	assert.Equal(t, "C--Users-u", SanitizeCwd(`C:\Users\u`))
	assert.Equal(t, "plain", SanitizeCwd("plain"))
	assert.Equal(t, "", SanitizeCwd(""))
}

func TestAppendEnrichesAndPersists(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Append("sess-1", "/tmp/proj", userRecord(t, "hi")))

	records, err := store.ReadAll("sess-1", "/tmp/proj")
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.NotEmpty(t, rec.UUID)
	assert.NotEmpty(t, rec.Timestamp)
	assert.Equal(t, "sess-1", rec.SessionID)
	assert.Equal(t, "user", rec.Type)
}

func TestAppendPreservesExplicitUUID(t *testing.T) {
	store := newTestStore(t)
	rec := userRecord(t, "hi")
	rec.UUID = "fixed-id"

	require.NoError(t, store.Append("sess-1", "/tmp/proj", rec))

	records, err := store.ReadAll("sess-1", "/tmp/proj")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "fixed-id", records[0].UUID)
}

func TestReadAllSkipsMalformedLines(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Append("sess-1", "/p", userRecord(t, "ok")))

	path := store.TranscriptPath("sess-1", "/p")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("this is not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, store.Append("sess-1", "/p", assistantRecord(t, "fine")))

	records, err := store.ReadAll("sess-1", "/p")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestLoadHistoryDropsFinalUserRecord(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Append("s", "/p", userRecord(t, "first question")))
	require.NoError(t, store.Append("s", "/p", assistantRecord(t, "first answer")))
	require.NoError(t, store.Append("s", "/p", Record{Type: "result"}))
	require.NoError(t, store.Append("s", "/p", userRecord(t, "current turn")))

	history, err := store.LoadHistory("s", "/p")
	require.NoError(t, err)

	// result is filtered, and the just-persisted user turn is dropped.
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "assistant", history[1].Role)
}

func TestLoadHistoryKeepsTrailingAssistant(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Append("s", "/p", userRecord(t, "q")))
	require.NoError(t, store.Append("s", "/p", assistantRecord(t, "a")))

	history, err := store.LoadHistory("s", "/p")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "assistant", history[1].Role)
}

func TestUserTextExtraction(t *testing.T) {
	plain := userRecord(t, "hello there")
	assert.Equal(t, "hello there", plain.UserText())

	blocks, err := json.Marshal(map[string]any{
		"role": "user",
		"content": []map[string]any{
			{"type": "text", "text": "from blocks"},
			{"type": "tool_result", "tool_use_id": "t1", "content": "x"},
		},
	})
	require.NoError(t, err)
	blockRec := Record{Type: "user", Message: blocks}
	assert.Equal(t, "from blocks", blockRec.UserText())

	assistant := assistantRecord(t, "not user")
	assert.Equal(t, "", assistant.UserText())
}

func TestWaitForTranscript(t *testing.T) {
	store := newTestStore(t)

	// Missing file with nothing appearing: times out false (short ctx keeps
	// the test fast).
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	assert.False(t, store.WaitForTranscript(ctx, "nope", "/p"))

	require.NoError(t, store.Append("s", "/p", userRecord(t, "x")))
	assert.True(t, store.WaitForTranscript(context.Background(), "s", "/p"))
}

func TestTranscriptPathLayout(t *testing.T) {
	store := NewStore("/root/projects", logger.Default())
	path := store.TranscriptPath("abc", "/home/u/proj")
	assert.Equal(t, filepath.Join("/root/projects", "-home-u-proj", "abc.jsonl"), path)
}
