// ABOUTME: Backend abstraction for the agent process behind the session manager.
// ABOUTME: Defines connection options and the turn event taxonomy the manager consumes.

package agent

import "context"

// Backend opens live connections to the agent process. The Claude CLI
// transport in internal/claude is the production implementation; tests
// substitute fakes.
type Backend interface {
	Connect(ctx context.Context, opts ConnectOptions) (Conn, error)
}

// ConnectOptions carries everything a backend needs to open a
// connection. ResumeKey, when set, asks the backend to reconstruct the
// conversational context of an earlier session.
type ConnectOptions struct {
	Capabilities []string
	ResumeKey    string
}

// Conn is one live bidirectional agent connection. Send submits a user
// message, starting a new turn; Events delivers the backend's signals
// in arrival order on a single long-lived channel that closes when the
// connection ends. Close releases the connection and is safe to call
// more than once.
type Conn interface {
	Send(ctx context.Context, text string) error
	Events() <-chan Event
	Close() error
}

// EventKind discriminates the signals a backend can emit during a turn.
type EventKind int

const (
	// EventDelta is a fine-grained incremental text fragment.
	EventDelta EventKind = iota
	// EventBlock is a coarse full-text block for an assistant turn,
	// emitted by backends (or backend modes) that do not stream deltas.
	EventBlock
	// EventResult marks turn completion and may carry the backend's
	// resumption key for the conversation.
	EventResult
	// EventError reports a connection-level failure; the turn ends.
	EventError
)

// Event is one signal from the backend.
type Event struct {
	Kind      EventKind
	Text      string
	ResumeKey string
	Err       error
}
