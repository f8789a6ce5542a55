// ABOUTME: Stream delivers the text fragments of one agent turn to a consumer.
// ABOUTME: Fragments arrive in order; Err reports a mid-stream failure after close.

package agent

import "sync"

// Stream is the consumer side of one agent turn: a flat, ordered
// sequence of text fragments. The channel closes when the turn
// completes or fails; after it closes, Err reports whether the turn
// ended with a failure.
type Stream struct {
	frags chan string

	mu  sync.Mutex
	err error
}

func newStream() *Stream {
	return &Stream{frags: make(chan string, 16)}
}

// Fragments returns the channel of text fragments for this turn.
func (s *Stream) Fragments() <-chan string {
	return s.frags
}

// Err returns the failure that ended the turn, or nil for a clean
// completion. Only meaningful after Fragments has closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Collect drains the stream and returns the concatenated response.
func (s *Stream) Collect() (string, error) {
	var parts []byte
	for frag := range s.frags {
		parts = append(parts, frag...)
	}
	return string(parts), s.Err()
}
