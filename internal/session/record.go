// ABOUTME: Session record model binding a conversation thread to an agent session.
// ABOUTME: Defines conversation kinds, capability sets, and the persisted record shape.

package session

import (
	"time"
)

// Kind selects the capability set granted to a session.
type Kind string

const (
	// KindAsk is a general dialogue session with read-only capabilities.
	KindAsk Kind = "ask"
	// KindCode is a task-execution session with edit capabilities.
	KindCode Kind = "code"
)

// BotType identifies the agent backend a session is bound to.
type BotType string

// BotClaudeAgent is the Claude Code CLI backend.
const BotClaudeAgent BotType = "claude_agent"

// Capability sets per conversation kind. Pre-authorized at session
// creation so the headless backend never blocks on a permission prompt,
// and reused verbatim on every reconnect so tool behavior stays
// consistent for the lifetime of the thread.
var (
	askCapabilities  = []string{"Bash", "Read"}
	codeCapabilities = []string{"Bash", "Read", "Edit", "Write", "MultiEdit"}
)

// CapabilitiesFor returns a fresh copy of the capability set for the
// given conversation kind. Unknown kinds get the ask set.
func CapabilitiesFor(kind Kind) []string {
	src := askCapabilities
	if kind == KindCode {
		src = codeCapabilities
	}
	caps := make([]string, len(src))
	copy(caps, src)
	return caps
}

// TurnTimeout returns the per-turn response deadline for the kind.
// Code sessions get longer because tool execution dominates the turn.
func (k Kind) TurnTimeout() time.Duration {
	if k == KindCode {
		return 10 * time.Minute
	}
	return 5 * time.Minute
}

// Record stores the agent-session state of one conversation thread.
//
// SessionID indexes the in-memory connection map only; it is replaced
// every time a live connection is (re)established and carries no
// meaning for the backend. ResumeKey is the backend-issued token that
// lets a future connection reconstruct the full conversational context
// after the connection (or the whole process) is gone. Once set it is
// only ever replaced, never cleared, until the record is removed.
type Record struct {
	SessionID    string    `json:"session_id"`
	Kind         Kind      `json:"conversation_kind"`
	BotType      BotType   `json:"bot_type"`
	CreatorID    string    `json:"creator_id"`
	Capabilities []string  `json:"granted_capabilities"`
	ResumeKey    string    `json:"external_resume_key,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Clone returns an independent copy. The store hands out clones so
// callers never alias the record a concurrent flush is serializing.
func (r *Record) Clone() *Record {
	c := *r
	c.Capabilities = make([]string, len(r.Capabilities))
	copy(c.Capabilities, r.Capabilities)
	return &c
}

// NewRecord creates a record for a freshly started session, granting
// the capability set that matches the conversation kind.
func NewRecord(sessionID string, kind Kind, creatorID string) *Record {
	return &Record{
		SessionID:    sessionID,
		Kind:         kind,
		BotType:      BotClaudeAgent,
		CreatorID:    creatorID,
		Capabilities: CapabilitiesFor(kind),
		CreatedAt:    time.Now().UTC(),
	}
}
