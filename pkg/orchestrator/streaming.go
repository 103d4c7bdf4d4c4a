package orchestrator

import (
	"context"
	"time"
	"unicode"

	"github.com/nooble-ai/nooble/pkg/config"
	"github.com/nooble-ai/nooble/pkg/models"
	"github.com/nooble-ai/nooble/pkg/wsmanager"
)

// StreamingChunk is the chat_streaming frame body.
type StreamingChunk struct {
	TaskID     string `json:"task_id"`
	Content    string `json:"content"`
	ChunkIndex int    `json:"chunk_index"`
	IsFinal    bool   `json:"is_final"`
}

// Streamer turns a complete assistant response into a sequence of
// chat_streaming frames followed by the terminal chat_response frame.
type Streamer struct {
	ws  *wsmanager.Manager
	cfg config.StreamingConfig
}

// NewStreamer creates the pseudo-streaming emitter.
func NewStreamer(ws *wsmanager.Manager, cfg config.StreamingConfig) *Streamer {
	return &Streamer{ws: ws, cfg: cfg}
}

// Deliver emits the response to every WebSocket client on the session
// channel. Short responses (and disabled streaming) skip straight to the
// terminal frame.
func (s *Streamer) Deliver(ctx context.Context, sessionID, taskID string, response *models.ChatResponse) {
	if s.cfg.Enabled {
		slices := sliceContent(response.Message.Content, s.cfg.ChunkSize)
		for i, slice := range slices {
			s.ws.Broadcast(sessionID, wsFrame("chat_streaming", StreamingChunk{
				TaskID:     taskID,
				Content:    slice,
				ChunkIndex: i,
				IsFinal:    i == len(slices)-1,
			}))
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.Delay):
			}
		}
	}

	s.ws.Broadcast(sessionID, wsFrame("chat_response", map[string]any{
		"task_id":  taskID,
		"response": response,
	}))
}

// sliceContent splits content into slices of roughly k runes, extending
// each slice's end to the next whitespace when the extension stays under
// 40% of k. Returns nil when the content is too short to bother streaming.
func sliceContent(content string, k int) []string {
	runes := []rune(content)
	if k < 1 || len(runes) <= 2*k {
		return nil
	}

	var out []string
	for pos := 0; pos < len(runes); {
		end := pos + k
		if end >= len(runes) {
			out = append(out, string(runes[pos:]))
			break
		}
		if ws := nextWhitespace(runes, end); ws >= 0 && ws-end < k*2/5 {
			// The whitespace rides with the leading slice so concatenation
			// reproduces the content exactly.
			end = ws + 1
		}
		out = append(out, string(runes[pos:end]))
		pos = end
	}
	return out
}

func nextWhitespace(runes []rune, from int) int {
	for i := from; i < len(runes); i++ {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}

func wsFrame(frameType string, data any) map[string]any {
	return map[string]any{"type": frameType, "data": data}
}
