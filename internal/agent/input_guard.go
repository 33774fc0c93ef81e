package agent

import (
	"regexp"
)

// InputGuard scans inbound user messages for common prompt-injection
// patterns before they reach the system prompt and history.
type InputGuard struct {
	patterns []*regexp.Regexp
	names    []string
}

// NewInputGuard builds an InputGuard with the default pattern set: attempts
// to override prior instructions, reveal the system prompt, or impersonate
// a system/assistant turn inside user-supplied text.
func NewInputGuard() *InputGuard {
	defs := []struct {
		name    string
		pattern string
	}{
		{"ignore_instructions", `(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions`},
		{"reveal_system_prompt", `(?i)(reveal|print|show|repeat)\s+(your\s+)?(system\s+prompt|instructions)`},
		{"role_override", `(?i)you\s+are\s+now\s+(a|an|in)\s`},
		{"fake_system_turn", `(?i)^\s*(system|assistant)\s*:`},
		{"developer_mode", `(?i)(developer|dan|jailbreak)\s+mode`},
	}

	g := &InputGuard{}
	for _, d := range defs {
		g.patterns = append(g.patterns, regexp.MustCompile(d.pattern))
		g.names = append(g.names, d.name)
	}
	return g
}

// Scan returns the names of every pattern that matched the message.
func (g *InputGuard) Scan(message string) []string {
	var matches []string
	for i, p := range g.patterns {
		if p.MatchString(message) {
			matches = append(matches, g.names[i])
		}
	}
	return matches
}
