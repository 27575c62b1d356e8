package provider

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SanitizePrompt strips control characters and collapses whitespace in
// user-supplied text before it reaches a prompt, and hard-caps length
// so a single input cannot blow the context window.
func SanitizePrompt(text string, maxLen int) string {
	var sb strings.Builder
	sb.Grow(len(text))

	lastSpace := false
	for _, r := range text {
		switch {
		case r == '\n' || r == '\t':
			// Keep structure, normalize to single spaces around it
			sb.WriteRune(r)
			lastSpace = false
		case unicode.IsControl(r) || r == '\u200b':
			continue
		case unicode.IsSpace(r):
			if !lastSpace {
				sb.WriteRune(' ')
			}
			lastSpace = true
		default:
			sb.WriteRune(r)
			lastSpace = false
		}
	}

	out := strings.TrimSpace(sb.String())
	if maxLen > 0 && len(out) > maxLen {
		out = out[:maxLen]
		// Never cut a multi-byte rune in half
		for len(out) > 0 && !utf8.ValidString(out) {
			out = out[:len(out)-1]
		}
		out = strings.TrimSpace(out)
	}
	return out
}
