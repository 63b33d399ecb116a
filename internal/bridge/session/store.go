// Package session implements transcript persistence and the live query
// registry. Transcripts are append-only JSONL files keyed by (project, session),
// one enriched record per line.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/pkg/agentsdk"
)

// Transcript-visibility poll parameters. The agent CLI flushes the session
// file asynchronously; resume tolerates the race by polling briefly.
const (
	visibilityPollTimeout  = 2500 * time.Millisecond
	visibilityPollInterval = 100 * time.Millisecond
)

// Record is one persisted transcript line.
type Record struct {
	UUID       string          `json:"uuid"`
	ParentUUID string          `json:"parentUuid,omitempty"`
	SessionID  string          `json:"sessionId"`
	Timestamp  string          `json:"timestamp"`
	Type       string          `json:"type"` // user, assistant, system, result
	Message    json.RawMessage `json:"message,omitempty"`
}

// HistoryEntry is the minimal shape replayed to the provider.
type HistoryEntry struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// UserText returns the concatenated text of a user record's text blocks.
// Non-user records and records without text yield "".
func (r *Record) UserText() string {
	if r.Type != agentsdk.MessageTypeUser || len(r.Message) == 0 {
		return ""
	}
	var body agentsdk.MessageBody
	if err := json.Unmarshal(r.Message, &body); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, block := range body.ContentBlocks() {
		if block.Type == agentsdk.BlockTypeText {
			sb.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

// Store persists transcripts under <root>/<sanitizedCwd>/<sessionId>.jsonl.
// Append is single-writer per session; no locking is performed.
type Store struct {
	root   string
	logger *logger.Logger
}

// NewStore creates a Store rooted at the given projects directory. An empty
// root falls back to ~/.agentbridge/projects.
func NewStore(root string, log *logger.Logger) *Store {
	if root == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			root = filepath.Join(home, ".agentbridge", "projects")
		} else {
			root = filepath.Join(os.TempDir(), "agentbridge", "projects")
		}
	}
	return &Store{root: root, logger: log.WithComponent("session-store")}
}

// SanitizeCwd maps a working directory to a filesystem-safe project key:
// every non-alphanumeric character becomes '-'.
func SanitizeCwd(cwd string) string {
	var sb strings.Builder
	for _, r := range cwd {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('-')
		}
	}
	return sb.String()
}

// TranscriptPath returns the JSONL path for a session.
func (s *Store) TranscriptPath(sessionID, cwd string) string {
	return filepath.Join(s.root, SanitizeCwd(cwd), sessionID+".jsonl")
}

// Append persists one record, enriching it with a fresh id, timestamp and the
// session id. The per-project directory is created on demand.
func (s *Store) Append(sessionID, cwd string, rec Record) error {
	dir := filepath.Join(s.root, SanitizeCwd(cwd))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create project dir: %w", err)
	}

	if rec.UUID == "" {
		rec.UUID = uuid.New().String()
	}
	rec.SessionID = sessionID
	rec.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	data = append(data, '\n')

	file, err := os.OpenFile(s.TranscriptPath(sessionID, cwd), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return nil
}

// ReadAll parses the full transcript. Unparsable lines are skipped rather
// than failing the whole read.
func (s *Store) ReadAll(sessionID, cwd string) ([]Record, error) {
	file, err := os.Open(s.TranscriptPath(sessionID, cwd))
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("skipping malformed transcript line",
				zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("transcript read error: %w", err)
	}
	return records, nil
}

// LoadHistory returns the user/assistant records in provider replay shape.
// The final user record is dropped: the caller has already persisted the
// current turn's user message, and replaying it would duplicate the turn.
func (s *Store) LoadHistory(sessionID, cwd string) ([]HistoryEntry, error) {
	records, err := s.ReadAll(sessionID, cwd)
	if err != nil {
		return nil, err
	}

	var entries []HistoryEntry
	for _, rec := range records {
		if rec.Type != agentsdk.MessageTypeUser && rec.Type != agentsdk.MessageTypeAssistant {
			continue
		}
		var body agentsdk.MessageBody
		if err := json.Unmarshal(rec.Message, &body); err != nil {
			continue
		}
		role := body.Role
		if role == "" {
			role = rec.Type
		}
		entries = append(entries, HistoryEntry{Role: role, Content: body.Content})
	}

	if n := len(entries); n > 0 && entries[n-1].Role == "user" {
		entries = entries[:n-1]
	}
	return entries, nil
}

// WaitForTranscript polls until the session's transcript file is visible on
// disk or the poll window elapses. Returns true when the file exists.
func (s *Store) WaitForTranscript(ctx context.Context, sessionID, cwd string) bool {
	path := s.TranscriptPath(sessionID, cwd)
	deadline := time.Now().Add(visibilityPollTimeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return true
		}
		if time.Now().After(deadline) {
			s.logger.Warn("transcript not visible within poll window",
				zap.String("session_id", sessionID), zap.String("path", path))
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(visibilityPollInterval):
		}
	}
}
