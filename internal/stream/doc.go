// Package stream renders unbounded agent output into bounded chat
// messages.
//
// Chat platforms cap outgoing messages (around 2000 characters) and
// rate-limit edits; agent turns respect neither. The Renderer bridges
// the two: it buffers incoming text fragments, updates one message in
// place with a trailing cursor while the turn is live, splits at line
// breaks when the buffer crosses the ceiling, and settles everything
// with a final cursor-free edit when the stream ends. Edits are
// throttled to a minimum interval; correctness depends only on the
// final state, never on any individual edit landing.
package stream
