// Package agent manages live sessions with an AI agent backend.
//
// # Overview
//
// The agent package owns the lifecycle of agent sessions: opening a
// connection, sending instructions, streaming each turn's response
// text, and tearing down. It knows nothing about chat platforms or
// persistence; the relay controller wires those around it.
//
// # Manager
//
// The Manager tracks all live sessions, each under an ephemeral id
// generated at connect time:
//
//	mgr := agent.NewManager(backend, logger)
//
// Key operations:
//
//   - Start(ctx, instruction, capabilities): Open a fresh session
//   - Resume(ctx, resumeKey, instruction, capabilities): Open with prior context
//   - Continue(ctx, sessionID, message): Send a follow-up on a live session
//   - Close(sessionID): Release a session (idempotent)
//   - CloseAll(): Shutdown path
//
// Start, Resume, and Continue each return a Stream delivering that
// turn's text fragments in order. The stream closes when the turn
// completes; Stream.Err reports a mid-turn failure afterwards.
//
// # Two Lifetimes
//
// A session id is only as durable as the process: after a restart the
// id is gone, but the backend's resumption key (captured from each
// completed turn, readable via ResumeKeyFor) lets a new session pick
// up the old conversation. ErrSessionNotFound from Continue is the
// cue to fall back to Resume.
//
// # Delta/Block Handling
//
// Backends may stream fine-grained text deltas, emit one coarse block
// per assistant turn, or both. The manager prefers deltas and emits a
// block only when no delta preceded it, so consumers never see
// duplicated or missing text regardless of backend mode.
//
// # Thread Safety
//
// Manager is safe for concurrent use. Each Stream has a single
// producer; callers should drain it from one goroutine.
package agent
