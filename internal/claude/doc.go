// Package claude runs the Claude CLI as the agent backend.
//
// Each connection is one `claude` subprocess in bidirectional
// stream-json mode: user turns are written to stdin as NDJSON and the
// response comes back as NDJSON frames on stdout (token deltas,
// assistant blocks, and a final result frame carrying the CLI's own
// session id, which serves as the resumption key for --resume).
//
// The package exposes Service, an agent.Backend, plus CheckAvailable
// for a startup probe of the binary.
package claude
