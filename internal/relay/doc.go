// Package relay coordinates chat threads with agent sessions.
//
// The Controller is the conversation brain: a thread's first message
// opens a session, follow-ups continue it, and when the live session
// is gone (process restart, turn timeout) the stored resume key
// reconnects with full prior context. Only when resumption itself
// fails does a thread silently start over, and the reply says so.
//
// Turns within a thread are serialized; different threads run
// concurrently.
package relay
