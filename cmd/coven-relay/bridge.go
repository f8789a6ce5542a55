// ABOUTME: Matrix bridge core for coven-relay
// ABOUTME: Handles sync, command parsing, and thread routing to the relay controller

package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/message"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/session"
)

// availabilityChecker probes whether the agent backend can serve
// sessions right now.
type availabilityChecker interface {
	CheckAvailable(ctx context.Context) error
}

// Bridge connects Matrix rooms to Claude sessions. Each !ask or !code
// command roots a thread at the command event; follow-up messages in
// the thread continue the same session.
type Bridge struct {
	config     *config.Config
	matrix     *mautrix.Client
	controller *relay.Controller
	store      *session.FileStore
	manager    *agent.Manager
	backend    availabilityChecker
	logger     *slog.Logger

	// ctx is the parent context for turn goroutines
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBridge creates a new Matrix bridge.
func NewBridge(cfg *config.Config, controller *relay.Controller, store *session.FileStore, manager *agent.Manager, backend availabilityChecker, logger *slog.Logger) (*Bridge, error) {
	client, err := mautrix.NewClient(cfg.Matrix.Homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	return &Bridge{
		config:     cfg,
		matrix:     client,
		controller: controller,
		store:      store,
		manager:    manager,
		backend:    backend,
		logger:     logger,
	}, nil
}

// Login authenticates with the homeserver using password auth and
// stores the resulting credentials on the client.
func (b *Bridge) Login(ctx context.Context) error {
	resp, err := b.matrix.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: b.config.Matrix.Username,
		},
		Password:                 b.config.Matrix.Password,
		InitialDeviceDisplayName: "coven-relay",
		StoreCredentials:         true,
		StoreHomeserverURL:       true,
	})
	if err != nil {
		return err
	}

	b.logger.Info("logged in to matrix",
		"user_id", resp.UserID.String(),
		"device_id", resp.DeviceID.String(),
	)
	return nil
}

// UserID returns the bot's Matrix user ID after login.
func (b *Bridge) UserID() string {
	return b.matrix.UserID.String()
}

// Run starts the bridge and blocks until context is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("starting matrix bridge",
		"homeserver", b.config.Matrix.Homeserver,
		"user_id", b.UserID(),
	)

	// Store context for turn goroutines
	b.ctx, b.cancel = context.WithCancel(ctx)
	defer b.cancel()

	// Register event handler for messages
	syncer, ok := b.matrix.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.matrix.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)

	// Start syncing
	b.logger.Info("connecting to matrix homeserver")

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.matrix.SyncWithContext(b.ctx)
	}()

	b.logger.Info("matrix bridge running")

	// Wait for context cancellation or sync error
	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bridge")
		b.cancel()
		return nil
	case err := <-syncErr:
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// handleMessageEvent processes incoming Matrix messages.
func (b *Bridge) handleMessageEvent(ctx context.Context, evt *event.Event) {
	// Ignore our own messages
	if evt.Sender == b.matrix.UserID {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}

	// Only handle text messages
	if content.MsgType != event.MsgText {
		return
	}

	body := strings.TrimSpace(content.Body)
	if body == "" {
		return
	}

	msg := &message.Message{
		ID:        evt.ID.String(),
		Content:   body,
		Type:      message.TypeText,
		UserID:    evt.Sender.String(),
		ChannelID: evt.RoomID.String(),
		ThreadID:  content.RelatesTo.GetThreadParent().String(),
		Platform:  message.PlatformMatrix,
		Timestamp: time.UnixMilli(evt.Timestamp),
	}

	if !b.isRoomAllowed(msg.ChannelID) {
		b.logger.Debug("ignoring message from non-allowed room", "room", msg.ChannelID)
		return
	}
	if !b.isUserAllowed(msg.UserID) {
		b.logger.Debug("ignoring message from non-allowed user", "sender", msg.UserID)
		return
	}

	// Messages inside a managed thread continue that session
	if msg.InThread() {
		b.handleThreadMessage(msg)
		return
	}

	// Top-level messages must be commands
	prefix := b.config.Bridge.CommandPrefix
	if prefix == "" || !strings.HasPrefix(msg.Content, prefix) {
		return
	}
	b.handleCommand(msg, strings.TrimPrefix(msg.Content, prefix))
}

// handleThreadMessage routes a follow-up inside an existing thread.
func (b *Bridge) handleThreadMessage(msg *message.Message) {
	if !b.controller.Managed(msg.ThreadID) {
		return
	}
	roomID := id.RoomID(msg.ChannelID)
	root := id.EventID(msg.ThreadID)

	// !reset inside a thread ends its session
	prefix := b.config.Bridge.CommandPrefix
	if prefix != "" && strings.HasPrefix(msg.Content, prefix) && strings.TrimSpace(strings.TrimPrefix(msg.Content, prefix)) == "reset" {
		b.controller.Reset(msg.ThreadID)
		b.sendText(roomID, root, "Session ended. Start a new one with "+prefix+"ask or "+prefix+"code.")
		return
	}

	b.logger.Info("thread follow-up",
		"room", msg.ChannelID,
		"thread", msg.ThreadID,
		"sender", msg.UserID,
		"content", truncate(msg.Content, 50),
	)

	go b.runTurn(roomID, root, func(ctx context.Context, sink *threadSink) error {
		return b.controller.HandleMessage(ctx, msg.ThreadID, msg.Content, sink)
	})
}

// handleCommand dispatches a top-level prefixed command.
func (b *Bridge) handleCommand(msg *message.Message, rest string) {
	cmd, args := rest, ""
	if i := strings.IndexAny(rest, " \n"); i >= 0 {
		cmd, args = rest[:i], strings.TrimSpace(rest[i:])
	}

	roomID := id.RoomID(msg.ChannelID)
	switch strings.ToLower(cmd) {
	case "ask":
		b.startThread(msg, session.KindAsk, args)
	case "code":
		b.startThread(msg, session.KindCode, args)
	case "status":
		b.sendText(roomID, "", b.statusText())
	case "sessions":
		b.sendText(roomID, "", b.sessionsText())
	case "reset":
		b.sendText(roomID, "", "Use "+b.config.Bridge.CommandPrefix+"reset inside a session thread.")
	default:
		b.logger.Debug("unknown command", "command", cmd)
	}
}

// startThread opens a session rooted at the command event itself, so
// the whole conversation hangs off the user's message.
func (b *Bridge) startThread(msg *message.Message, kind session.Kind, prompt string) {
	roomID := id.RoomID(msg.ChannelID)
	if prompt == "" {
		b.sendText(roomID, "", fmt.Sprintf("Usage: %s%s <prompt>", b.config.Bridge.CommandPrefix, kind))
		return
	}

	root := id.EventID(msg.ID)
	b.logger.Info("starting session thread",
		"room", msg.ChannelID,
		"thread", msg.ID,
		"kind", kind,
		"creator", msg.UserID,
		"prompt", truncate(prompt, 50),
	)

	go b.runTurn(roomID, root, func(ctx context.Context, sink *threadSink) error {
		return b.controller.StartThread(ctx, msg.ID, kind, msg.UserID, prompt, sink)
	})
}

// runTurn executes one turn with the typing indicator. A message sent
// while the thread already has a turn in flight waits on the
// controller's per-thread lock rather than being dropped.
func (b *Bridge) runTurn(roomID id.RoomID, root id.EventID, turn func(context.Context, *threadSink) error) {
	threadID := root.String()

	if b.config.Bridge.TypingIndicator {
		b.setTyping(roomID, true)
		defer b.setTyping(roomID, false)
	}

	sink := newThreadSink(b.matrix, roomID, root, b.logger)
	if err := turn(b.ctx, sink); err != nil {
		b.logger.Error("turn failed", "room", roomID.String(), "thread", threadID, "error", err)
		b.sendText(roomID, root, fmt.Sprintf("⚠️ failed to reach the agent: %v", err))
	}
}

// statusText summarizes the relay's current state, including a fresh
// backend availability probe.
func (b *Bridge) statusText() string {
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()

	backendState := "✅ claude available"
	if err := b.backend.CheckAvailable(ctx); err != nil {
		backendState = fmt.Sprintf("⚠️ claude unavailable: %v", err)
	}
	return fmt.Sprintf("coven-relay: %s · %d live session(s), %d thread(s) on record.",
		backendState, b.manager.Count(), b.store.Len())
}

// sessionsText lists stored session threads, oldest first.
func (b *Bridge) sessionsText() string {
	entries := b.store.Entries()
	if len(entries) == 0 {
		return "No session threads on record."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d session thread(s):\n", len(entries))
	for _, e := range entries {
		live := ""
		if b.manager.Has(e.Record.SessionID) {
			live = ", live"
		}
		fmt.Fprintf(&sb, "- %s (%s, by %s, %s%s)\n",
			e.ThreadID, e.Record.Kind, e.Record.CreatorID,
			e.Record.CreatedAt.Format("2006-01-02 15:04"), live)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// isRoomAllowed checks if the room is in the allowed list.
func (b *Bridge) isRoomAllowed(roomID string) bool {
	if len(b.config.Bridge.AllowedRooms) == 0 {
		return true // Allow all if no filter
	}
	for _, allowed := range b.config.Bridge.AllowedRooms {
		if allowed == roomID {
			return true
		}
	}
	return false
}

// isUserAllowed checks if the sender is in the allowed list.
func (b *Bridge) isUserAllowed(userID string) bool {
	if len(b.config.Bridge.AllowedUsers) == 0 {
		return true
	}
	for _, allowed := range b.config.Bridge.AllowedUsers {
		if allowed == userID {
			return true
		}
	}
	return false
}

// typingTimeout is the duration the typing indicator shows (30 seconds).
const typingTimeout = 30 * time.Second

// networkTimeout is the timeout for Matrix API calls.
const networkTimeout = 10 * time.Second

// setTyping sends typing indicator to room.
func (b *Bridge) setTyping(roomID id.RoomID, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	// Use a timeout context to avoid hanging during shutdown or network issues
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	_, err := b.matrix.UserTyping(ctx, roomID, typing, timeout)
	if err != nil {
		b.logger.Debug("failed to set typing indicator", "room", roomID.String(), "error", err)
	}
}

// sendText sends a plain text message, threaded when root is set.
func (b *Bridge) sendText(roomID id.RoomID, root id.EventID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	if root != "" {
		content.RelatesTo = &event.RelatesTo{Type: event.RelThread, EventID: root}
	}
	if _, err := b.matrix.SendMessageEvent(ctx, roomID, event.EventMessage, content); err != nil {
		b.logger.Error("failed to send message", "room", roomID.String(), "error", err)
	}
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
