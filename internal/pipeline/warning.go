package pipeline

import "fmt"

// InjectWarning prepends a pending system warning to user text, reporting
// whether the warning was actually consumed. Matches `_inject_warning`
// exactly: an empty warning leaves text untouched.
func InjectWarning(text, warning string) (string, bool) {
	if warning == "" {
		return text, false
	}
	return fmt.Sprintf("[system: %s]\n\n%s", warning, text), true
}

// ShouldWarnContext decides whether to set a compaction warning on the
// session: 80% of the compaction threshold, but only once per compaction
// cycle and never after the hard threshold has already been crossed.
func ShouldWarnContext(inputTokens, compactionThreshold int, needsCompaction, alreadyWarned bool) bool {
	const warningPct = 0.8
	warningThreshold := int(float64(compactionThreshold) * warningPct)
	return inputTokens > warningThreshold && !needsCompaction && !alreadyWarned
}

// ShouldDeliver reports whether a reply should be sent through the
// originating channel: non-empty after trimming, and not from a source in
// noDeliverySources (the suppressed-delivery set — "system", "http").
func ShouldDeliver(reply, source string, noDeliverySources map[string]bool) bool {
	return trimmedNonEmpty(reply) && !noDeliverySources[source]
}

func trimmedNonEmpty(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return true
		}
	}
	return false
}
