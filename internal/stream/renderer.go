// ABOUTME: Renders an unbounded fragment stream into bounded, editable chat messages.
// ABOUTME: Splits at line breaks near the ceiling and throttles in-place edits.

package stream

import (
	"context"
	"log/slog"
	"time"
)

// Messageable is the outbound side of a conversation thread: send a
// new message (returning its platform id) or edit one in place.
type Messageable interface {
	Send(ctx context.Context, text string) (string, error)
	Edit(ctx context.Context, id, text string) error
}

const (
	// DefaultCeiling leaves margin below the common 2000-character
	// platform limit so markup and the cursor marker always fit.
	DefaultCeiling = 1900
	// DefaultEditInterval bounds the platform edit rate.
	DefaultEditInterval = 1500 * time.Millisecond

	cursorMarker     = " ▌"
	emptyPlaceholder = "_(empty response)_"
	errorSuffix      = "\n\n⚠️ response interrupted"
)

// Renderer turns a lazy sequence of text fragments into one or more
// chat messages, none longer than the ceiling. While a message is
// still growing it carries a trailing cursor marker and is updated in
// place, at most once per edit interval; crossing the ceiling
// finalizes the current message at the last line break and rolls the
// remainder into a fresh one.
type Renderer struct {
	ceiling      int
	editInterval time.Duration
	logger       *slog.Logger

	now func() time.Time
}

// RendererOption configures a Renderer.
type RendererOption func(*Renderer)

// WithCeiling overrides the per-message character ceiling.
func WithCeiling(n int) RendererOption {
	return func(r *Renderer) {
		if n > 0 {
			r.ceiling = n
		}
	}
}

// WithEditInterval overrides the minimum time between in-place edits.
func WithEditInterval(d time.Duration) RendererOption {
	return func(r *Renderer) {
		if d > 0 {
			r.editInterval = d
		}
	}
}

// NewRenderer creates a Renderer with the default ceiling and edit
// interval.
func NewRenderer(logger *slog.Logger, opts ...RendererOption) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Renderer{
		ceiling:      DefaultCeiling,
		editInterval: DefaultEditInterval,
		logger:       logger.With("component", "stream"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render consumes fragments until the channel closes and delivers
// them to sink. prefix, when non-empty, leads the first message.
// errFn is consulted once the channel has closed (or ctx ends) and
// reports whether the stream failed mid-turn; a failure appends a
// visible suffix to whatever was buffered. Platform send/edit
// failures are logged and degrade delivery but never abort the turn.
// The returned error is the stream's own failure, if any.
func (r *Renderer) Render(ctx context.Context, sink Messageable, frags <-chan string, errFn func() error, prefix string) error {
	state := &renderState{
		buf: []rune(prefix),
	}

	for {
		select {
		case <-ctx.Done():
			// Drain so the producer is not left blocked.
			go func() {
				for range frags {
				}
			}()
			r.finalize(sink, state, ctx.Err())
			return ctx.Err()

		case frag, ok := <-frags:
			if !ok {
				err := error(nil)
				if errFn != nil {
					err = errFn()
				}
				r.finalize(sink, state, err)
				return err
			}
			if frag == "" {
				continue
			}
			r.absorb(ctx, sink, state, frag)
		}
	}
}

type renderState struct {
	buf      []rune
	msgID    string
	lastEdit time.Time
	sentAny  bool
}

// absorb appends one fragment, finalizing as many full messages as
// the buffer now holds, then refreshes the open message if the edit
// interval allows.
func (r *Renderer) absorb(ctx context.Context, sink Messageable, st *renderState, frag string) {
	st.buf = append(st.buf, []rune(frag)...)

	// A single fragment can push the buffer past the ceiling by more
	// than one message's worth.
	for len(st.buf) > r.ceiling {
		head, rest := splitOverflow(st.buf, r.ceiling)
		r.deliverFinal(ctx, sink, st, string(head))
		st.msgID = ""
		st.buf = rest
	}

	if len(st.buf) == 0 {
		return
	}

	now := r.now()
	switch {
	case st.msgID == "":
		id, err := sink.Send(ctx, string(st.buf)+cursorMarker)
		if err != nil {
			r.logger.Warn("sending streaming message", "error", err)
			return
		}
		st.msgID = id
		st.sentAny = true
		st.lastEdit = now

	case now.Sub(st.lastEdit) >= r.editInterval:
		if err := sink.Edit(ctx, st.msgID, string(st.buf)+cursorMarker); err != nil {
			r.logger.Warn("editing streaming message", "error", err)
			return
		}
		st.lastEdit = now
	}
}

// deliverFinal writes completed text: an in-place edit when a message
// is open for this buffer, a fresh send otherwise.
func (r *Renderer) deliverFinal(ctx context.Context, sink Messageable, st *renderState, text string) {
	if st.msgID != "" {
		if err := sink.Edit(ctx, st.msgID, text); err != nil {
			r.logger.Warn("finalizing message edit", "error", err)
		}
		return
	}
	if _, err := sink.Send(ctx, text); err != nil {
		r.logger.Warn("sending finalized message", "error", err)
		return
	}
	st.sentAny = true
}

// finalize settles the last message once the stream has ended. Runs
// on a background context so a cancelled turn can still flush.
func (r *Renderer) finalize(sink Messageable, st *renderState, streamErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	text := string(st.buf)
	if streamErr != nil {
		text += errorSuffix
		r.logger.Warn("stream ended with error", "error", streamErr)
	}

	switch {
	case st.msgID != "":
		if text == "" {
			text = emptyPlaceholder
		}
		if err := sink.Edit(ctx, st.msgID, text); err != nil {
			r.logger.Warn("final message edit", "error", err)
		}

	case text != "":
		if _, err := sink.Send(ctx, text); err != nil {
			r.logger.Warn("final message send", "error", err)
		}

	case !st.sentAny:
		if _, err := sink.Send(ctx, emptyPlaceholder); err != nil {
			r.logger.Warn("placeholder send", "error", err)
		}
	}
}

// splitOverflow cuts buf at the last line break below the ceiling, or
// hard-cuts at the ceiling when the first line is itself too long.
// The line break is consumed; the remainder keeps no leading line
// breaks.
func splitOverflow(buf []rune, ceiling int) (head, rest []rune) {
	cut := -1
	limit := ceiling - 1
	if limit >= len(buf) {
		limit = len(buf) - 1
	}
	for i := limit; i >= 0; i-- {
		if buf[i] == '\n' {
			cut = i
			break
		}
	}
	if cut <= 0 {
		cut = ceiling
	}

	head = buf[:cut]
	rest = buf[cut:]
	for len(rest) > 0 && rest[0] == '\n' {
		rest = rest[1:]
	}
	return head, rest
}
