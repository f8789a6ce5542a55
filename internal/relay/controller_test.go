// ABOUTME: Tests for the conversation controller's session ladder.
// ABOUTME: Drives a real manager and store with a scripted fake backend.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/stream"
)

type scriptConn struct {
	events chan agent.Event
	sent   []string
	script [][]agent.Event
}

func (c *scriptConn) Send(_ context.Context, text string) error {
	c.sent = append(c.sent, text)
	if len(c.script) > 0 {
		batch := c.script[0]
		c.script = c.script[1:]
		go func() {
			for _, ev := range batch {
				c.events <- ev
			}
		}()
	}
	return nil
}

func (c *scriptConn) Events() <-chan agent.Event { return c.events }
func (c *scriptConn) Close() error               { return nil }

func newScriptConn(script ...[]agent.Event) *scriptConn {
	return &scriptConn{events: make(chan agent.Event, 32), script: script}
}

// scriptBackend hands out one queued connection per Connect call and
// records the options each saw.
type scriptBackend struct {
	mu         sync.Mutex
	conns      []*scriptConn
	opts       []agent.ConnectOptions
	connectErr error
	failResume bool
}

func (b *scriptBackend) Connect(_ context.Context, opts agent.ConnectOptions) (agent.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opts = append(b.opts, opts)
	if b.connectErr != nil {
		return nil, b.connectErr
	}
	if b.failResume && opts.ResumeKey != "" {
		return nil, errors.New("resume rejected")
	}
	if len(b.conns) == 0 {
		return nil, errors.New("no scripted connection queued")
	}
	conn := b.conns[0]
	b.conns = b.conns[1:]
	return conn, nil
}

func (b *scriptBackend) queue(conn *scriptConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns = append(b.conns, conn)
}

func (b *scriptBackend) lastOpts() agent.ConnectOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opts[len(b.opts)-1]
}

type recordingSink struct {
	mu     sync.Mutex
	nextID int
	texts  map[string]string
	order  []string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{texts: make(map[string]string)}
}

func (s *recordingSink) Send(_ context.Context, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("m%d", s.nextID)
	s.texts[id] = text
	s.order = append(s.order, id)
	return id, nil
}

func (s *recordingSink) Edit(_ context.Context, id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts[id] = text
	return nil
}

func (s *recordingSink) finals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	for i, id := range s.order {
		out[i] = s.texts[id]
	}
	return out
}

type fixture struct {
	backend    *scriptBackend
	mgr        *agent.Manager
	store      *session.FileStore
	storePath  string
	controller *Controller
}

func newFixture(t *testing.T, streaming bool) *fixture {
	t.Helper()
	backend := &scriptBackend{}
	mgr := agent.NewManager(backend, slog.Default())
	path := filepath.Join(t.TempDir(), "sessions.json")
	store := session.NewFileStore(path, slog.Default())
	renderer := stream.NewRenderer(slog.Default(), stream.WithEditInterval(time.Millisecond))
	return &fixture{
		backend:    backend,
		mgr:        mgr,
		store:      store,
		storePath:  path,
		controller: NewController(mgr, store, renderer, streaming, slog.Default()),
	}
}

func turn(frags ...string) []agent.Event {
	var evs []agent.Event
	for _, f := range frags {
		evs = append(evs, agent.Event{Kind: agent.EventDelta, Text: f})
	}
	return evs
}

func withResult(key string, evs []agent.Event) []agent.Event {
	return append(evs, agent.Event{Kind: agent.EventResult, ResumeKey: key})
}

func TestController_StartThread(t *testing.T) {
	f := newFixture(t, true)
	f.backend.queue(newScriptConn(withResult("cli-key-1", turn("Hello", " world"))))
	sink := newRecordingSink()

	err := f.controller.StartThread(context.Background(), "thread-1", session.KindAsk, "@alice:example.org", "hi", sink)
	require.NoError(t, err)

	finals := sink.finals()
	require.Len(t, finals, 1)
	assert.Equal(t, "Hello world", finals[0])

	rec, ok := f.store.Get("thread-1")
	require.True(t, ok)
	assert.Equal(t, session.KindAsk, rec.Kind)
	assert.Equal(t, "@alice:example.org", rec.CreatorID)
	assert.Equal(t, "cli-key-1", rec.ResumeKey, "resume key persisted after the turn")
	assert.Equal(t, []string{"Bash", "Read"}, f.backend.lastOpts().Capabilities)
	assert.True(t, f.controller.Managed("thread-1"))
}

func TestController_HandleMessageContinuesLiveSession(t *testing.T) {
	f := newFixture(t, true)
	conn := newScriptConn(
		withResult("k1", turn("first")),
		withResult("k2", turn("second")),
	)
	f.backend.queue(conn)
	sink := newRecordingSink()

	require.NoError(t, f.controller.StartThread(context.Background(), "thread-1", session.KindCode, "@a:x", "start", sink))
	require.NoError(t, f.controller.HandleMessage(context.Background(), "thread-1", "follow up", sink))

	assert.Equal(t, []string{"start", "follow up"}, conn.sent, "one connection serves both turns")
	finals := sink.finals()
	require.Len(t, finals, 2)
	assert.Equal(t, "second", finals[1])

	rec, _ := f.store.Get("thread-1")
	assert.Equal(t, "k2", rec.ResumeKey)
}

func TestController_HandleMessageUnmanagedThread(t *testing.T) {
	f := newFixture(t, true)
	err := f.controller.HandleMessage(context.Background(), "nope", "hi", newRecordingSink())
	assert.ErrorIs(t, err, ErrUnmanagedThread)
	assert.False(t, f.controller.Managed("nope"))
}

func TestController_ResumeAfterRestart(t *testing.T) {
	f := newFixture(t, true)
	f.backend.queue(newScriptConn(withResult("old-key", turn("before restart"))))
	sink := newRecordingSink()
	require.NoError(t, f.controller.StartThread(context.Background(), "thread-1", session.KindAsk, "@a:x", "start", sink))
	oldRec, _ := f.store.Get("thread-1")

	// A restart: fresh manager and controller over the same store file.
	restarted := newFixture(t, true)
	restarted.store = session.NewFileStore(f.storePath, slog.Default())
	require.Equal(t, 1, restarted.store.Load())
	renderer := stream.NewRenderer(slog.Default(), stream.WithEditInterval(time.Millisecond))
	restarted.controller = NewController(restarted.mgr, restarted.store, renderer, true, slog.Default())

	restarted.backend.queue(newScriptConn(withResult("new-key", turn("after restart"))))
	sink2 := newRecordingSink()
	require.NoError(t, restarted.controller.HandleMessage(context.Background(), "thread-1", "still there?", sink2))

	opts := restarted.backend.lastOpts()
	assert.Equal(t, "old-key", opts.ResumeKey, "reconnect carries the stored resume key")

	finals := sink2.finals()
	require.Len(t, finals, 1)
	assert.Equal(t, "after restart", finals[0], "no fallback notice on a clean resume")

	rec, _ := restarted.store.Get("thread-1")
	assert.NotEqual(t, oldRec.SessionID, rec.SessionID, "record tracks the new live session")
	assert.Equal(t, "new-key", rec.ResumeKey)
}

func TestController_ResumeFailureFallsBackWithNotice(t *testing.T) {
	f := newFixture(t, true)
	rec := session.NewRecord("stale-session", session.KindAsk, "@a:x")
	rec.ResumeKey = "expired-key"
	f.store.Put("thread-1", rec)

	f.backend.failResume = true
	f.backend.queue(newScriptConn(withResult("fresh-key", turn("starting over"))))
	sink := newRecordingSink()

	require.NoError(t, f.controller.HandleMessage(context.Background(), "thread-1", "hello again", sink))

	finals := sink.finals()
	require.Len(t, finals, 1)
	assert.True(t, strings.HasPrefix(finals[0], resumeFallbackNotice),
		"fallback must be visible to the user, got %q", finals[0])
	assert.True(t, strings.HasSuffix(finals[0], "starting over"))

	got, _ := f.store.Get("thread-1")
	assert.Equal(t, "fresh-key", got.ResumeKey)
}

func TestController_NoResumeKeyStartsFreshWithoutNotice(t *testing.T) {
	f := newFixture(t, true)
	f.store.Put("thread-1", session.NewRecord("gone-session", session.KindCode, "@a:x"))
	f.backend.queue(newScriptConn(withResult("k", turn("fresh"))))
	sink := newRecordingSink()

	require.NoError(t, f.controller.HandleMessage(context.Background(), "thread-1", "hi", sink))

	assert.Empty(t, f.backend.lastOpts().ResumeKey)
	assert.Equal(t, []string{"Bash", "Read", "Edit", "Write", "MultiEdit"}, f.backend.lastOpts().Capabilities,
		"reconnect keeps the thread's granted capabilities")
	finals := sink.finals()
	require.Len(t, finals, 1)
	assert.Equal(t, "fresh", finals[0])
}

func TestController_Reset(t *testing.T) {
	f := newFixture(t, true)
	f.backend.queue(newScriptConn(withResult("k", turn("hi"))))
	require.NoError(t, f.controller.StartThread(context.Background(), "thread-1", session.KindAsk, "@a:x", "go", newRecordingSink()))

	assert.True(t, f.controller.Reset("thread-1"))
	assert.False(t, f.controller.Managed("thread-1"))
	assert.Equal(t, 0, f.mgr.Count(), "reset closes the live session")

	assert.False(t, f.controller.Reset("thread-1"), "second reset is a no-op")
}

func TestController_NonStreamingDeliversOnce(t *testing.T) {
	f := newFixture(t, false)
	f.backend.queue(newScriptConn(withResult("k", turn("all", " at", " once"))))
	sink := newRecordingSink()

	require.NoError(t, f.controller.StartThread(context.Background(), "thread-1", session.KindAsk, "@a:x", "go", sink))

	finals := sink.finals()
	require.Len(t, finals, 1)
	assert.Equal(t, "all at once", finals[0])
}

func TestController_SecondMessageWaitsForTurnInFlight(t *testing.T) {
	f := newFixture(t, true)
	conn := newScriptConn(
		withResult("k1", turn("one")),
		withResult("k2", turn("two")),
		withResult("k3", turn("three")),
	)
	f.backend.queue(conn)
	sink := newRecordingSink()
	require.NoError(t, f.controller.StartThread(context.Background(), "thread-1", session.KindCode, "@a:x", "start", sink))

	// Two follow-ups land while neither has finished; both must be
	// delivered, one turn at a time.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, text := range []string{"second", "third"} {
		wg.Add(1)
		go func(i int, text string) {
			defer wg.Done()
			errs[i] = f.controller.HandleMessage(context.Background(), "thread-1", text, sink)
		}(i, text)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Len(t, conn.sent, 3, "no message may be dropped")
	finals := sink.finals()
	require.Len(t, finals, 3)
	assert.Equal(t, "one", finals[0])
	assert.ElementsMatch(t, []string{"two", "three"}, finals[1:])
}

// spySessions wraps the real manager and records the order of the
// lifecycle calls made while a turn is wound down.
type spySessions struct {
	Sessions
	mu    sync.Mutex
	calls []string
}

func (s *spySessions) ResumeKeyFor(sessionID string) (string, bool) {
	s.mu.Lock()
	s.calls = append(s.calls, "resume_key_for")
	s.mu.Unlock()
	return s.Sessions.ResumeKeyFor(sessionID)
}

func (s *spySessions) Close(sessionID string) {
	s.mu.Lock()
	s.calls = append(s.calls, "close")
	s.mu.Unlock()
	s.Sessions.Close(sessionID)
}

func TestController_TimeoutReadsResumeKeyBeforeClose(t *testing.T) {
	f := newFixture(t, true)
	spy := &spySessions{Sessions: f.mgr}
	renderer := stream.NewRenderer(slog.Default(), stream.WithEditInterval(time.Millisecond))
	f.controller = NewController(spy, f.store, renderer, true, slog.Default())

	f.backend.queue(newScriptConn(turn("stuck")))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, f.controller.StartThread(ctx, "thread-1", session.KindAsk, "@a:x", "go", newRecordingSink()))

	// The manager forgets a session on Close, so a result frame landing
	// right at the deadline is only resumable if the key is read first.
	spy.mu.Lock()
	defer spy.mu.Unlock()
	keyIdx, closeIdx := -1, -1
	for i, call := range spy.calls {
		switch call {
		case "resume_key_for":
			if keyIdx == -1 {
				keyIdx = i
			}
		case "close":
			closeIdx = i
		}
	}
	require.NotEqual(t, -1, closeIdx, "timed-out session must be closed")
	require.NotEqual(t, -1, keyIdx, "resume key must be queried")
	assert.Less(t, keyIdx, closeIdx, "key read must come before the timeout close")
}

func TestController_TurnDeadlineClosesSession(t *testing.T) {
	f := newFixture(t, true)
	// One delta, then silence: the turn never completes.
	f.backend.queue(newScriptConn(turn("stuck")))
	sink := newRecordingSink()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, f.controller.StartThread(ctx, "thread-1", session.KindAsk, "@a:x", "go", sink))

	assert.Equal(t, 0, f.mgr.Count(), "stuck session must be closed")
	assert.True(t, f.controller.Managed("thread-1"), "record survives for a later resume")

	finals := sink.finals()
	require.Len(t, finals, 1)
	assert.Contains(t, finals[0], "stuck")
	assert.Contains(t, finals[0], "⚠️")
}

func TestController_StartFailureSurfaces(t *testing.T) {
	f := newFixture(t, true)
	f.backend.connectErr = errors.New("backend down")

	err := f.controller.StartThread(context.Background(), "thread-1", session.KindAsk, "@a:x", "go", newRecordingSink())
	require.Error(t, err)
	assert.False(t, f.controller.Managed("thread-1"), "no record for a session that never started")
}
