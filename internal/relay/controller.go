// ABOUTME: Conversation controller: maps chat threads to agent sessions.
// ABOUTME: Owns the continue/resume/start ladder and per-thread turn serialization.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/stream"
)

// ErrUnmanagedThread indicates the thread has no session record; the
// message is not for us.
var ErrUnmanagedThread = errors.New("thread not managed")

const resumeFallbackNotice = "_(context could not be resumed; starting fresh)_\n\n"

// Sessions is the slice of the agent manager the controller needs.
type Sessions interface {
	Start(ctx context.Context, instruction string, capabilities []string) (string, *agent.Stream, error)
	Resume(ctx context.Context, resumeKey, instruction string, capabilities []string) (string, *agent.Stream, error)
	Continue(ctx context.Context, sessionID, message string) (*agent.Stream, error)
	Close(sessionID string)
	ResumeKeyFor(sessionID string) (string, bool)
}

// Store is the durable thread-to-session mapping. Get returns a
// private copy; mutations go through Put or the narrow updates.
type Store interface {
	Get(threadID string) (*session.Record, bool)
	Put(threadID string, rec *session.Record)
	Remove(threadID string) (*session.Record, bool)
	UpdateSessionID(threadID, sessionID string)
	UpdateResumeKey(threadID, key string)
}

// Controller routes conversation turns. Each chat thread maps to one
// session record; turns within a thread are serialized so concurrent
// messages cannot interleave streaming edits.
type Controller struct {
	sessions Sessions
	store    Store
	renderer *stream.Renderer
	logger   *slog.Logger

	// When false, turns wait for the full response instead of
	// streaming incremental edits.
	streaming bool

	askTimeout  time.Duration
	codeTimeout time.Duration

	mu      sync.Mutex
	threads map[string]*sync.Mutex
}

// NewController creates a Controller. streaming selects incremental
// delivery; otherwise each turn is collected in full before sending.
func NewController(sessions Sessions, store Store, renderer *stream.Renderer, streaming bool, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		sessions:  sessions,
		store:     store,
		renderer:  renderer,
		logger:    logger.With("component", "relay"),
		streaming: streaming,
		threads:   make(map[string]*sync.Mutex),
	}
}

// SetTurnTimeouts overrides the per-kind turn budgets. Zero values
// keep the kind's built-in default.
func (c *Controller) SetTurnTimeouts(ask, code time.Duration) {
	c.askTimeout = ask
	c.codeTimeout = code
}

func (c *Controller) turnTimeout(kind session.Kind) time.Duration {
	switch {
	case kind == session.KindAsk && c.askTimeout > 0:
		return c.askTimeout
	case kind == session.KindCode && c.codeTimeout > 0:
		return c.codeTimeout
	}
	return kind.TurnTimeout()
}

// threadLock returns the mutex serializing turns for one thread.
func (c *Controller) threadLock(threadID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.threads[threadID]
	if !ok {
		lock = &sync.Mutex{}
		c.threads[threadID] = lock
	}
	return lock
}

// StartThread opens a fresh agent session for a new conversation
// thread and delivers the first turn to sink. The session record is
// persisted before the turn renders so a crash mid-turn still leaves
// the thread resumable.
func (c *Controller) StartThread(ctx context.Context, threadID string, kind session.Kind, creatorID, prompt string, sink stream.Messageable) error {
	lock := c.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	caps := session.CapabilitiesFor(kind)
	sessionID, strm, err := c.sessions.Start(ctx, prompt, caps)
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}

	rec := session.NewRecord(sessionID, kind, creatorID)
	c.store.Put(threadID, rec)

	c.logger.Info("thread session created",
		"thread_id", threadID,
		"session_id", sessionID,
		"kind", kind,
		"creator", creatorID,
	)

	c.renderTurn(ctx, threadID, rec, strm, sink, "")
	return nil
}

// HandleMessage runs one turn for a follow-up message in a managed
// thread. The session ladder: continue the live session; if it is
// gone (restart, timeout close), resume from the stored key; if
// resumption fails, start fresh and say so in the reply.
func (c *Controller) HandleMessage(ctx context.Context, threadID, text string, sink stream.Messageable) error {
	lock := c.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	rec, ok := c.store.Get(threadID)
	if !ok {
		return ErrUnmanagedThread
	}

	strm, err := c.sessions.Continue(ctx, rec.SessionID, text)
	if err == nil {
		c.renderTurn(ctx, threadID, rec, strm, sink, "")
		return nil
	}
	if !errors.Is(err, agent.ErrSessionNotFound) {
		return fmt.Errorf("continuing session: %w", err)
	}

	// The live session is gone. Reconnect with prior context when we
	// have a key, fresh otherwise.
	prefix := ""
	var sessionID string
	if rec.ResumeKey != "" {
		sessionID, strm, err = c.sessions.Resume(ctx, rec.ResumeKey, text, rec.Capabilities)
		if err != nil {
			c.logger.Warn("resume failed, starting fresh",
				"thread_id", threadID, "resume_key", rec.ResumeKey, "error", err)
			prefix = resumeFallbackNotice
			sessionID, strm, err = c.sessions.Start(ctx, text, rec.Capabilities)
		}
	} else {
		sessionID, strm, err = c.sessions.Start(ctx, text, rec.Capabilities)
	}
	if err != nil {
		return fmt.Errorf("reconnecting session: %w", err)
	}

	c.store.UpdateSessionID(threadID, sessionID)
	rec.SessionID = sessionID
	c.logger.Info("thread reconnected",
		"thread_id", threadID,
		"session_id", sessionID,
		"resumed", prefix == "",
	)

	c.renderTurn(ctx, threadID, rec, strm, sink, prefix)
	return nil
}

// renderTurn delivers one turn to the thread under the kind's time
// budget, then persists any new resume key. A timed-out session is
// closed so its next message goes through the resume ladder.
func (c *Controller) renderTurn(ctx context.Context, threadID string, rec *session.Record, strm *agent.Stream, sink stream.Messageable, prefix string) {
	turnCtx, cancel := context.WithTimeout(ctx, c.turnTimeout(rec.Kind))
	defer cancel()

	frags := strm.Fragments()
	if !c.streaming {
		frags = c.collectTurn(turnCtx, strm)
	}

	err := c.renderer.Render(turnCtx, sink, frags, strm.Err, prefix)
	if err != nil {
		c.logger.Warn("turn ended abnormally", "thread_id", threadID, "error", err)
	}

	// Read the key before any timeout close: a result frame that landed
	// right at the deadline still carries a resumable context, and the
	// manager forgets the session once it is closed.
	key, haveKey := c.sessions.ResumeKeyFor(rec.SessionID)

	if turnCtx.Err() != nil {
		// A stuck turn must not leave a half-dead connection behind.
		c.sessions.Close(rec.SessionID)
	}

	if haveKey && key != rec.ResumeKey {
		rec.ResumeKey = key
		c.store.UpdateResumeKey(threadID, key)
		c.logger.Debug("resume key persisted", "thread_id", threadID)
	}
}

// collectTurn drains the whole stream into a single fragment. The
// renderer still handles splitting and the empty-response placeholder.
func (c *Controller) collectTurn(ctx context.Context, strm *agent.Stream) <-chan string {
	out := make(chan string, 1)
	go func() {
		defer close(out)
		var buf []byte
		for {
			select {
			case frag, ok := <-strm.Fragments():
				if !ok {
					if len(buf) > 0 {
						out <- string(buf)
					}
					return
				}
				buf = append(buf, frag...)
			case <-ctx.Done():
				if len(buf) > 0 {
					out <- string(buf)
				}
				return
			}
		}
	}()
	return out
}

// Managed reports whether the thread has a session record.
func (c *Controller) Managed(threadID string) bool {
	_, ok := c.store.Get(threadID)
	return ok
}

// Reset drops the thread's session record and closes its live
// session, if any. Returns false when the thread was not managed.
func (c *Controller) Reset(threadID string) bool {
	lock := c.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	rec, ok := c.store.Remove(threadID)
	if !ok {
		return false
	}
	c.sessions.Close(rec.SessionID)
	c.logger.Info("thread reset", "thread_id", threadID, "session_id", rec.SessionID)
	return true
}
