// ABOUTME: Tests for the session manager and the per-turn pump.
// ABOUTME: Uses a scripted fake backend to drive delta, block, and result events.

package agent

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a scripted backend connection. Each Send releases the
// next batch of events onto the shared event channel.
type fakeConn struct {
	events chan Event
	sent   []string
	script [][]Event

	sendErr  error
	closed   int
	closeErr error
}

func (c *fakeConn) Send(_ context.Context, text string) error {
	if c.sendErr != nil {
		return c.sendErr
	}
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

func (c *fakeConn) Events() <-chan Event { return c.events }

func (c *fakeConn) Close() error {
	c.closed++
	return c.closeErr
}

type fakeBackend struct {
	conn       *fakeConn
	connectErr error
	lastOpts   ConnectOptions
}

func (b *fakeBackend) Connect(_ context.Context, opts ConnectOptions) (Conn, error) {
	b.lastOpts = opts
	if b.connectErr != nil {
		return nil, b.connectErr
	}
	return b.conn, nil
}

func newFakeConn(script ...[]Event) *fakeConn {
	return &fakeConn{events: make(chan Event, 32), script: script}
}

func newTestManager(conn *fakeConn) (*Manager, *fakeBackend) {
	backend := &fakeBackend{conn: conn}
	return NewManager(backend, slog.Default()), backend
}

func TestManager_StartStreamsDeltas(t *testing.T) {
	conn := newFakeConn([]Event{
		{Kind: EventDelta, Text: "He"},
		{Kind: EventDelta, Text: "llo"},
		{Kind: EventDelta, Text: " there"},
		{Kind: EventResult, ResumeKey: "abc123"},
	})
	mgr, backend := newTestManager(conn)

	sessionID, stream, err := mgr.Start(context.Background(), "say hello", []string{"Bash", "Read"})
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)
	assert.Equal(t, []string{"Bash", "Read"}, backend.lastOpts.Capabilities)
	assert.Empty(t, backend.lastOpts.ResumeKey)
	assert.Equal(t, []string{"say hello"}, conn.sent)

	var frags []string
	for frag := range stream.Fragments() {
		frags = append(frags, frag)
	}
	assert.Equal(t, []string{"He", "llo", " there"}, frags)
	assert.NoError(t, stream.Err())

	key, ok := mgr.ResumeKeyFor(sessionID)
	require.True(t, ok)
	assert.Equal(t, "abc123", key)
}

func TestManager_BlockSkippedAfterDeltas(t *testing.T) {
	conn := newFakeConn([]Event{
		{Kind: EventDelta, Text: "streamed"},
		{Kind: EventBlock, Text: "streamed"},
		{Kind: EventResult},
	})
	mgr, _ := newTestManager(conn)

	_, stream, err := mgr.Start(context.Background(), "go", nil)
	require.NoError(t, err)

	text, err := stream.Collect()
	require.NoError(t, err)
	assert.Equal(t, "streamed", text, "block must not duplicate streamed deltas")
}

func TestManager_BlockEmittedWithoutDeltas(t *testing.T) {
	conn := newFakeConn([]Event{
		{Kind: EventBlock, Text: "whole response"},
		{Kind: EventResult},
	})
	mgr, _ := newTestManager(conn)

	_, stream, err := mgr.Start(context.Background(), "go", nil)
	require.NoError(t, err)

	text, err := stream.Collect()
	require.NoError(t, err)
	assert.Equal(t, "whole response", text)
}

func TestManager_BlockStateResetsPerAssistantTurn(t *testing.T) {
	// Two assistant turns inside one response: the first streams
	// deltas, the second only emits a block. Both must come through
	// exactly once.
	conn := newFakeConn([]Event{
		{Kind: EventDelta, Text: "first"},
		{Kind: EventBlock, Text: "first"},
		{Kind: EventBlock, Text: " second"},
		{Kind: EventResult},
	})
	mgr, _ := newTestManager(conn)

	_, stream, err := mgr.Start(context.Background(), "go", nil)
	require.NoError(t, err)

	text, err := stream.Collect()
	require.NoError(t, err)
	assert.Equal(t, "first second", text)
}

func TestManager_ContinueReusesConnection(t *testing.T) {
	conn := newFakeConn(
		[]Event{{Kind: EventDelta, Text: "one"}, {Kind: EventResult, ResumeKey: "k1"}},
		[]Event{{Kind: EventDelta, Text: "two"}, {Kind: EventResult, ResumeKey: "k2"}},
	)
	mgr, _ := newTestManager(conn)

	sessionID, stream, err := mgr.Start(context.Background(), "first", nil)
	require.NoError(t, err)
	text, err := stream.Collect()
	require.NoError(t, err)
	assert.Equal(t, "one", text)

	stream, err = mgr.Continue(context.Background(), sessionID, "second")
	require.NoError(t, err)
	text, err = stream.Collect()
	require.NoError(t, err)
	assert.Equal(t, "two", text)

	assert.Equal(t, []string{"first", "second"}, conn.sent)
	key, ok := mgr.ResumeKeyFor(sessionID)
	require.True(t, ok)
	assert.Equal(t, "k2", key, "resume key tracks the latest completed turn")
}

func TestManager_ContinueUnknownSession(t *testing.T) {
	mgr, _ := newTestManager(newFakeConn())

	_, err := mgr.Continue(context.Background(), "no-such-session", "hi")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_ResumePassesKey(t *testing.T) {
	conn := newFakeConn([]Event{{Kind: EventResult, ResumeKey: "fresh"}})
	mgr, backend := newTestManager(conn)

	_, stream, err := mgr.Resume(context.Background(), "old-key", "continue please", []string{"Bash"})
	require.NoError(t, err)
	assert.Equal(t, "old-key", backend.lastOpts.ResumeKey)

	_, err = stream.Collect()
	require.NoError(t, err)
}

func TestManager_StartConnectFailure(t *testing.T) {
	backend := &fakeBackend{connectErr: errors.New("spawn failed")}
	mgr := NewManager(backend, slog.Default())

	_, _, err := mgr.Start(context.Background(), "go", nil)
	require.Error(t, err)
	assert.Equal(t, 0, mgr.Count())
}

func TestManager_StartSendFailureClosesConnection(t *testing.T) {
	conn := newFakeConn()
	conn.sendErr = errors.New("stdin closed")
	mgr, _ := newTestManager(conn)

	_, _, err := mgr.Start(context.Background(), "go", nil)
	require.Error(t, err)
	assert.Equal(t, 1, conn.closed, "half-opened connection must be torn down")
	assert.Equal(t, 0, mgr.Count())
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	conn := newFakeConn([]Event{{Kind: EventResult}})
	mgr, _ := newTestManager(conn)

	sessionID, stream, err := mgr.Start(context.Background(), "go", nil)
	require.NoError(t, err)
	_, err = stream.Collect()
	require.NoError(t, err)

	mgr.Close(sessionID)
	mgr.Close(sessionID)
	mgr.Close("never-existed")

	assert.Equal(t, 1, conn.closed)
	assert.False(t, mgr.Has(sessionID))
}

func TestManager_CloseMidTurnEndsStream(t *testing.T) {
	conn := newFakeConn([]Event{{Kind: EventDelta, Text: "partial"}})
	mgr, _ := newTestManager(conn)

	sessionID, stream, err := mgr.Start(context.Background(), "go", nil)
	require.NoError(t, err)

	// First fragment arrives, then the session is closed under the
	// consumer with no result event in sight.
	frag := <-stream.Fragments()
	assert.Equal(t, "partial", frag)
	mgr.Close(sessionID)

	_, err = stream.Collect()
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestManager_EventErrorSurfacesOnStream(t *testing.T) {
	backendErr := errors.New("process exited")
	conn := newFakeConn([]Event{
		{Kind: EventDelta, Text: "some"},
		{Kind: EventError, Err: backendErr},
	})
	mgr, _ := newTestManager(conn)

	_, stream, err := mgr.Start(context.Background(), "go", nil)
	require.NoError(t, err)

	text, err := stream.Collect()
	assert.Equal(t, "some", text)
	assert.ErrorIs(t, err, backendErr)
}

func TestManager_CloseAll(t *testing.T) {
	connA := newFakeConn([]Event{{Kind: EventResult}})
	backend := &fakeBackend{conn: connA}
	mgr := NewManager(backend, slog.Default())

	_, streamA, err := mgr.Start(context.Background(), "a", nil)
	require.NoError(t, err)
	_, err = streamA.Collect()
	require.NoError(t, err)

	connB := newFakeConn([]Event{{Kind: EventResult}})
	backend.conn = connB
	_, streamB, err := mgr.Start(context.Background(), "b", nil)
	require.NoError(t, err)
	_, err = streamB.Collect()
	require.NoError(t, err)

	require.Equal(t, 2, mgr.Count())
	mgr.CloseAll()
	assert.Equal(t, 0, mgr.Count())
	assert.Equal(t, 1, connA.closed)
	assert.Equal(t, 1, connB.closed)
}

func TestManager_ResumeKeyForUnknown(t *testing.T) {
	mgr, _ := newTestManager(newFakeConn())
	_, ok := mgr.ResumeKeyFor("nope")
	assert.False(t, ok)
}

func TestCollect_Timeout(t *testing.T) {
	// A turn that delivers one fragment and then stalls forever.
	conn := newFakeConn([]Event{{Kind: EventDelta, Text: "stuck"}})
	mgr, _ := newTestManager(conn)

	sessionID, text, err := mgr.StartCollect(context.Background(), "", "go", nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTurnTimeout)
	assert.Equal(t, "stuck", text)
	assert.False(t, mgr.Has(sessionID), "timed-out session must be closed")
}

func TestCollect_Completes(t *testing.T) {
	conn := newFakeConn(
		[]Event{{Kind: EventDelta, Text: "hi"}, {Kind: EventResult, ResumeKey: "k"}},
		[]Event{{Kind: EventDelta, Text: "again"}, {Kind: EventResult}},
	)
	mgr, _ := newTestManager(conn)

	sessionID, text, err := mgr.StartCollect(context.Background(), "", "go", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hi", text)

	text, err = mgr.ContinueCollect(context.Background(), sessionID, "more", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "again", text)
}
