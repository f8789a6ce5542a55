// ABOUTME: Blocking helpers that run one full turn and return the complete text.
// ABOUTME: A timed-out session is closed so a stuck backend cannot be continued.

package agent

import (
	"context"
	"errors"
	"time"
)

// ErrTurnTimeout indicates a turn did not complete within its budget.
// The session is closed before this is returned; a later message on
// the same conversation must reconnect via the resume key.
var ErrTurnTimeout = errors.New("turn timed out")

// StartCollect opens a session, runs the initial turn to completion,
// and returns the session id with the full response text. resumeKey
// may be empty for a fresh conversation.
func (m *Manager) StartCollect(ctx context.Context, resumeKey, instruction string, capabilities []string, timeout time.Duration) (string, string, error) {
	var (
		sessionID string
		stream    *Stream
		err       error
	)
	if resumeKey != "" {
		sessionID, stream, err = m.Resume(ctx, resumeKey, instruction, capabilities)
	} else {
		sessionID, stream, err = m.Start(ctx, instruction, capabilities)
	}
	if err != nil {
		return "", "", err
	}

	text, err := m.collect(sessionID, stream, timeout)
	return sessionID, text, err
}

// ContinueCollect sends a message on a live session, runs the turn to
// completion, and returns the full response text.
func (m *Manager) ContinueCollect(ctx context.Context, sessionID, message string, timeout time.Duration) (string, error) {
	stream, err := m.Continue(ctx, sessionID, message)
	if err != nil {
		return "", err
	}
	return m.collect(sessionID, stream, timeout)
}

// collect drains one turn with a deadline. On timeout the session is
// closed, which unblocks the pump and in turn closes the stream.
func (m *Manager) collect(sessionID string, stream *Stream, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var buf []byte
	frags := stream.Fragments()
	for {
		select {
		case frag, ok := <-frags:
			if !ok {
				if err := stream.Err(); err != nil {
					return string(buf), err
				}
				return string(buf), nil
			}
			buf = append(buf, frag...)

		case <-timer.C:
			m.logger.Warn("turn exceeded its budget, closing session",
				"session_id", sessionID, "timeout", timeout)
			m.Close(sessionID)
			// Drain the stream so the pump goroutine exits.
			for range frags {
			}
			return string(buf), ErrTurnTimeout
		}
	}
}
