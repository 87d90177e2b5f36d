package textutil

import (
	"strings"
	"unicode"
)

// SingleLine prepares untrusted text for a log line or an error payload: control characters are
// dropped, line breaks and tabs become spaces, surrounding space is trimmed, and the result is cut to
// limit bytes on a rune boundary. A limit <= 0 disables the cut.
func SingleLine(value string, limit int) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return ' '
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, value)
	return truncate(strings.TrimSpace(cleaned), limit)
}
