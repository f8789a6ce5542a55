// ABOUTME: Manages live agent sessions, handles start/resume/continue, and streams turns.
// ABOUTME: Owns the ephemeral session-id map and the per-turn delta/block state machine.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrSessionNotFound indicates the session id is not currently live.
// Callers treat it as a signal to reconnect, not a fatal condition.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionClosed indicates the session was closed while a turn was
// still streaming.
var ErrSessionClosed = errors.New("session closed")

// Manager owns zero or more live connections to the agent backend,
// each indexed by an ephemeral session id generated at connect time.
// The id has no meaning to the backend; durable identity lives in the
// session store and the backend's own resume key.
type Manager struct {
	backend Backend
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*liveSession
}

// NewManager creates a Manager that opens connections via backend.
func NewManager(backend Backend, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		backend:  backend,
		logger:   logger.With("component", "agent"),
		sessions: make(map[string]*liveSession),
	}
}

// liveSession is one live backend connection plus its per-connection
// state. resumeKey is captured from the most recently completed turn.
type liveSession struct {
	id           string
	conn         Conn
	capabilities []string

	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	resumeKey string
}

// Start opens a new backend connection, sends the initial instruction,
// and returns a fresh session id with the first turn's fragment
// stream. On failure the half-opened connection is torn down before
// the error propagates.
func (m *Manager) Start(ctx context.Context, instruction string, capabilities []string) (string, *Stream, error) {
	return m.open(ctx, instruction, ConnectOptions{Capabilities: capabilities})
}

// Resume is Start with prior context: the backend reconstructs the
// conversation identified by resumeKey before handling the
// instruction. A resume failure may be recoverable by falling back to
// Start; that policy belongs to the caller.
func (m *Manager) Resume(ctx context.Context, resumeKey, instruction string, capabilities []string) (string, *Stream, error) {
	return m.open(ctx, instruction, ConnectOptions{Capabilities: capabilities, ResumeKey: resumeKey})
}

func (m *Manager) open(ctx context.Context, instruction string, opts ConnectOptions) (string, *Stream, error) {
	conn, err := m.backend.Connect(ctx, opts)
	if err != nil {
		return "", nil, fmt.Errorf("connecting agent backend: %w", err)
	}

	if err := conn.Send(ctx, instruction); err != nil {
		// No leaked connections: tear down before propagating.
		if cerr := conn.Close(); cerr != nil {
			m.logger.Warn("closing failed connection", "error", cerr)
		}
		return "", nil, fmt.Errorf("sending initial instruction: %w", err)
	}

	sess := &liveSession{
		id:           uuid.New().String(),
		conn:         conn,
		capabilities: opts.Capabilities,
		closed:       make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.mu.Unlock()

	m.logger.Info("agent session started",
		"session_id", sess.id,
		"resumed", opts.ResumeKey != "",
		"capabilities", opts.Capabilities,
	)

	stream := newStream()
	go sess.pumpTurn(stream, m.logger)
	return sess.id, stream, nil
}

// Continue sends a message on an already-open connection and returns
// the new turn's fragment stream. Returns ErrSessionNotFound when the
// id is not live; callers then reconnect via Resume or Start.
func (m *Manager) Continue(ctx context.Context, sessionID, message string) (*Stream, error) {
	sess, ok := m.get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}

	if err := sess.conn.Send(ctx, message); err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	m.logger.Debug("continuing session", "session_id", sessionID)

	stream := newStream()
	go sess.pumpTurn(stream, m.logger)
	return stream, nil
}

// Has reports whether the session id is currently live.
func (m *Manager) Has(sessionID string) bool {
	_, ok := m.get(sessionID)
	return ok
}

// ResumeKeyFor returns the backend-issued resumption key captured from
// the most recently completed turn on the session, or false when no
// turn has completed yet (or the session is not live).
func (m *Manager) ResumeKeyFor(sessionID string) (string, bool) {
	sess, ok := m.get(sessionID)
	if !ok {
		return "", false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.resumeKey == "" {
		return "", false
	}
	return sess.resumeKey, true
}

// Close releases the session's connection. Idempotent: closing an
// unknown or already-closed id is a no-op.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	sess.close(m.logger)
	m.logger.Info("agent session closed", "session_id", sessionID)
}

// CloseAll closes every live session. Used at shutdown; never fails.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*liveSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*liveSession)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.close(m.logger)
	}
	m.logger.Info("closed all agent sessions", "count", len(sessions))
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) get(sessionID string) (*liveSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

func (s *liveSession) close(logger *slog.Logger) {
	s.closeOnce.Do(func() {
		close(s.closed)
		if err := s.conn.Close(); err != nil {
			logger.Warn("closing agent connection", "session_id", s.id, "error", err)
		}
	})
}

func (s *liveSession) setResumeKey(key string) {
	s.mu.Lock()
	s.resumeKey = key
	s.mu.Unlock()
}

// pumpTurn reads backend events for one turn and forwards text
// fragments to the stream.
//
// The backend emits either fine-grained deltas or one coarse block per
// assistant turn. Deltas win when present; the block is emitted whole
// only if no delta arrived, so text is never duplicated or withheld.
// The consumer sees a flat fragment sequence either way.
func (s *liveSession) pumpTurn(stream *Stream, logger *slog.Logger) {
	defer close(stream.frags)

	sawDelta := false
	for {
		select {
		case <-s.closed:
			stream.setErr(ErrSessionClosed)
			return

		case ev, ok := <-s.conn.Events():
			if !ok {
				// Connection ended without a completion signal.
				stream.setErr(ErrSessionClosed)
				return
			}

			switch ev.Kind {
			case EventDelta:
				if ev.Text == "" {
					continue
				}
				sawDelta = true
				if !s.deliver(stream, ev.Text) {
					return
				}

			case EventBlock:
				if sawDelta {
					logger.Debug("skipping coarse block, text already streamed",
						"session_id", s.id, "chars", len(ev.Text))
				} else if ev.Text != "" {
					logger.Warn("no deltas this turn, emitting coarse block whole",
						"session_id", s.id, "chars", len(ev.Text))
					if !s.deliver(stream, ev.Text) {
						return
					}
				}
				// The next assistant turn within this response starts clean.
				sawDelta = false

			case EventResult:
				if ev.ResumeKey != "" {
					s.setResumeKey(ev.ResumeKey)
					logger.Info("captured resume key",
						"session_id", s.id, "resume_key", ev.ResumeKey)
				}
				return

			case EventError:
				stream.setErr(ev.Err)
				return
			}
		}
	}
}

// deliver forwards one fragment, giving up if the session closes while
// the consumer is not keeping up.
func (s *liveSession) deliver(stream *Stream, text string) bool {
	select {
	case stream.frags <- text:
		return true
	case <-s.closed:
		stream.setErr(ErrSessionClosed)
		return false
	}
}
