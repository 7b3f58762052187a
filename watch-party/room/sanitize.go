package room

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

const (
	DefaultUsername = "Guest"

	maxUsernameRunes = 24
	maxTextRunes     = 500
	maxEmojiRunes    = 16
)

// Names and emoji lose any markup. Chat text is carried verbatim as JSON and
// rendered as text, so it only loses control characters.
var strictPolicy = bluemonday.StrictPolicy()

// CleanUsername strips markup and control characters from a self-declared
// name. Empty results fall back to DefaultUsername.
func CleanUsername(name string) string {
	if s := clean(name, maxUsernameRunes); s != "" {
		return s
	}
	return DefaultUsername
}

func CleanText(text string) string {
	return plain(text, maxTextRunes)
}

func CleanEmoji(emoji string) string {
	return clean(emoji, maxEmojiRunes)
}

func clean(s string, limit int) string {
	if s == "" {
		return ""
	}
	s = strictPolicy.Sanitize(html.UnescapeString(s))
	// the policy re-escapes entities; clients expect raw text
	return plain(html.UnescapeString(s), limit)
}

func plain(s string, limit int) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if runes := []rune(s); len(runes) > limit {
		s = strings.TrimSpace(string(runes[:limit]))
	}
	return s
}
