package pipeline

import (
	"regexp"
	"strings"
)

// IsSilent reports whether text begins or ends with one of tokens, boundary
// anchored so a token occurring only in the middle of text never matches.
// Ported from `_is_silent` in the original daemon: tokens are word-character
// strings, matched case-sensitively against the trimmed reply.
func IsSilent(text string, tokens []string) bool {
	if text == "" || len(tokens) == 0 {
		return false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	for _, token := range tokens {
		if token == "" {
			continue
		}
		quoted := regexp.QuoteMeta(token)
		if regexp.MustCompile(`^\s*` + quoted + `($|\W)`).MatchString(text) {
			return true
		}
		if regexp.MustCompile(`\b` + quoted + `\b\W*$`).MatchString(text) {
			return true
		}
	}
	return false
}
