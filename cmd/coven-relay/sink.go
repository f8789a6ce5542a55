// ABOUTME: Thread-scoped message sink for the streaming renderer
// ABOUTME: Sends and edits formatted Matrix messages inside one thread

package main

import (
	"context"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/markdown"
)

// threadSink delivers one thread's outgoing messages. It satisfies
// the renderer's Messageable: Send posts a new in-thread message and
// returns its event ID, Edit replaces a message in place.
type threadSink struct {
	matrix *mautrix.Client
	roomID id.RoomID
	root   id.EventID
	logger *slog.Logger
}

func newThreadSink(client *mautrix.Client, roomID id.RoomID, root id.EventID, logger *slog.Logger) *threadSink {
	return &threadSink{
		matrix: client,
		roomID: roomID,
		root:   root,
		logger: logger,
	}
}

func (s *threadSink) Send(ctx context.Context, text string) (string, error) {
	content := s.buildContent(text)
	content.RelatesTo = &event.RelatesTo{
		Type:    event.RelThread,
		EventID: s.root,
	}

	resp, err := s.matrix.SendMessageEvent(ctx, s.roomID, event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("sending thread message: %w", err)
	}
	return resp.EventID.String(), nil
}

func (s *threadSink) Edit(ctx context.Context, msgID, text string) error {
	content := s.buildContent(text)
	content.SetEdit(id.EventID(msgID))

	if _, err := s.matrix.SendMessageEvent(ctx, s.roomID, event.EventMessage, content); err != nil {
		return fmt.Errorf("editing thread message: %w", err)
	}
	return nil
}

// buildContent renders the agent's markdown to a formatted body. On
// conversion failure the message still goes out as plain text.
func (s *threadSink) buildContent(text string) *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	if html, ok := markdown.ToHTML(text); ok && html != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	} else if !ok {
		s.logger.Debug("markdown conversion failed, sending plain text")
	}
	return content
}
