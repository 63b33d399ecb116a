package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/agentbridge/agentbridge/internal/bridge/input"
	"github.com/agentbridge/agentbridge/pkg/agentsdk"
)

// stdinReadTimeout bounds the attachments read. The host writes the payload
// immediately after spawning the bridge; a stall means it never will.
const stdinReadTimeout = 5 * time.Second

// maxStdinPayload bounds the attachments payload (base64 images dominate).
const maxStdinPayload = 64 * 1024 * 1024

// Attachment is one base64-encoded file supplied by the host.
type Attachment struct {
	FileName  string `json:"fileName"`
	MediaType string `json:"mediaType"`
	Data      string `json:"data"`
}

// StdinPayload is the single JSON object the host writes on stdin when the
// attachments path is enabled.
type StdinPayload struct {
	Attachments []Attachment `json:"attachments"`
	Message     string       `json:"message"`
	OpenedFiles *OpenedFiles `json:"openedFiles,omitempty"`
	AgentPrompt string       `json:"agentPrompt,omitempty"`
	Streaming   *bool        `json:"streaming,omitempty"`
}

// ReadStdinPayload reads and decodes the host's payload. The read is bounded
// by stdinReadTimeout; this path activates only behind an explicit flag, so a
// missing payload is an error rather than an empty turn.
func ReadStdinPayload(r io.Reader) (*StdinPayload, error) {
	type readResult struct {
		data []byte
		err  error
	}
	ch := make(chan readResult, 1)
	go func() {
		data, err := io.ReadAll(io.LimitReader(r, maxStdinPayload))
		ch <- readResult{data, err}
	}()

	select {
	case <-time.After(stdinReadTimeout):
		return nil, fmt.Errorf("timed out waiting for stdin payload after %s", stdinReadTimeout)
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("failed to read stdin payload: %w", res.err)
		}
		var payload StdinPayload
		if err := json.Unmarshal(res.data, &payload); err != nil {
			return nil, fmt.Errorf("malformed stdin payload: %w", err)
		}
		return &payload, nil
	}
}

// turnBlocks assembles the multimodal user turn by feeding text and
// attachments through the one-shot input stream and draining it once.
func turnBlocks(ctx context.Context, text string, attachments []Attachment) ([]agentsdk.ContentBlock, error) {
	if len(attachments) == 0 {
		return nil, nil
	}

	stream := input.NewStream()
	go func() {
		if text != "" {
			_ = stream.Enqueue(agentsdk.ContentBlock{Type: agentsdk.BlockTypeText, Text: text})
		}
		for _, a := range attachments {
			_ = stream.Enqueue(agentsdk.ContentBlock{
				Type: agentsdk.BlockTypeImage,
				Source: &agentsdk.ImageSource{
					Type:      "base64",
					MediaType: a.MediaType,
					Data:      a.Data,
				},
			})
		}
		stream.Close()
	}()

	return stream.Drain(ctx)
}
