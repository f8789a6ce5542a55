// ABOUTME: Platform-neutral inbound message model for the relay.
// ABOUTME: Carries sender, channel, and thread identity without platform types.

package message

import "time"

// Platform identifies the chat platform a message arrived from.
type Platform string

const (
	PlatformMatrix Platform = "matrix"
)

// Type discriminates inbound message content.
type Type string

const (
	TypeText Type = "text"
)

// Message is one inbound chat message, normalized away from platform
// SDK types so the relay core stays platform-neutral. ThreadID is the
// platform's thread root identifier, empty for top-level messages.
type Message struct {
	ID          string
	Content     string
	Type        Type
	UserID      string
	UserName    string
	ChannelID   string
	ChannelName string
	ThreadID    string
	Platform    Platform
	Timestamp   time.Time
}

// InThread reports whether the message was posted inside a thread.
func (m *Message) InThread() bool {
	return m.ThreadID != ""
}
