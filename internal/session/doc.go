// Package session holds the durable side of the relay's conversation
// state: the Record that binds one chat thread to one agent session,
// and the FileStore that persists those bindings across restarts.
//
// # Two lifetimes, two keys
//
// A thread's binding to the AI is durable; the live connection behind
// it is not. The store is keyed by the stable thread id and survives
// restarts. Record.SessionID is a foreign key into the connection
// manager's in-memory map and is regenerated on every reconnect;
// Record.ResumeKey is what actually carries the conversation context
// across a restart, by letting the backend rebuild its own state.
//
// # Durability contract
//
// Every mutating call (Put, Remove, Clear, UpdateSessionID,
// UpdateResumeKey) rewrites the full JSON file before returning, so
// on-disk state never lags memory after a successful call. Flush
// errors are logged and the in-memory mutation stands. Load tolerates
// a corrupt file (start empty) and corrupt individual entries (skip,
// keep the rest). Records are handed out and accepted by value, so
// concurrent callers never share a record with an in-progress flush.
//
// The file is plain indented JSON so an operator can inspect or repair
// it by hand. Exactly one process may own a store file.
package session
