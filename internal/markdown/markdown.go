// ABOUTME: Converts agent markdown output to HTML for formatted chat messages.
// ABOUTME: Falls back to the raw text when conversion fails.

package markdown

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
)

// ToHTML renders markdown to HTML suitable for a formatted message
// body. On conversion failure the raw text is returned so delivery
// still happens, just unformatted.
func ToHTML(text string) (string, bool) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(text), &buf); err != nil {
		return text, false
	}
	return strings.TrimSpace(buf.String()), true
}
