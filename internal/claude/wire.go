// ABOUTME: Decodes Claude CLI stream-json output lines into agent events.
// ABOUTME: Handles stream_event deltas, assistant blocks, and the final result.

package claude

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/2389/coven-relay/internal/agent"
)

// wireLine is the envelope of every stream-json stdout line.
type wireLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	Event     json.RawMessage `json:"event"`
	Message   json.RawMessage `json:"message"`
	SessionID string          `json:"session_id"`
	IsError   bool            `json:"is_error"`
	Result    string          `json:"result"`
}

// streamEvent covers both delta shapes the CLI emits: the full
// content_block_delta envelope and the simplified {index, delta} form.
// Checking delta.type handles either.
type streamEvent struct {
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

type assistantMessage struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// decodeLine maps one stdout line to an agent event. The second
// return is false for lines with nothing to forward (system frames,
// tool-use blocks, deltas of other kinds, unparseable noise).
func decodeLine(line []byte, logger *slog.Logger) (agent.Event, bool) {
	var wl wireLine
	if err := json.Unmarshal(line, &wl); err != nil {
		logger.Debug("unparseable claude output line", "error", err)
		return agent.Event{}, false
	}

	switch wl.Type {
	case "stream_event":
		var se streamEvent
		if err := json.Unmarshal(wl.Event, &se); err != nil {
			logger.Debug("unparseable stream_event", "error", err)
			return agent.Event{}, false
		}
		if se.Delta.Type != "text_delta" || se.Delta.Text == "" {
			return agent.Event{}, false
		}
		return agent.Event{Kind: agent.EventDelta, Text: se.Delta.Text}, true

	case "assistant":
		var am assistantMessage
		if err := json.Unmarshal(wl.Message, &am); err != nil {
			logger.Debug("unparseable assistant message", "error", err)
			return agent.Event{}, false
		}
		var b strings.Builder
		for _, block := range am.Content {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		return agent.Event{Kind: agent.EventBlock, Text: b.String()}, true

	case "result":
		if wl.IsError {
			logger.Warn("claude turn finished with error status",
				"subtype", wl.Subtype, "result", wl.Result)
		}
		return agent.Event{Kind: agent.EventResult, ResumeKey: wl.SessionID}, true

	case "system":
		logger.Debug("claude system frame", "subtype", wl.Subtype, "session_id", wl.SessionID)
		return agent.Event{}, false

	default:
		logger.Debug("unhandled claude frame", "type", wl.Type)
		return agent.Event{}, false
	}
}
