package agent

import (
	"context"
	"log/slog"

	"github.com/nicolasforstinger/lucyd/internal/config"
	"github.com/nicolasforstinger/lucyd/internal/providers"
)

// charsPerToken is the rough token estimator used throughout the codebase
// (recall, consolidation) when no provider-reported token count is available.
const charsPerToken = 4

// EstimateTokensWithCalibration estimates the token count of history.
// When a prompt token count and the message count it was reported for are
// both known (non-zero), the per-message ratio observed there is used to
// scale the estimate for the current history, whatever its length — this tracks the real
// tokenizer far better than a flat chars/4 count once a session has made
// at least one real request. Falls back to chars/4 otherwise.
func EstimateTokensWithCalibration(history []providers.Message, lastPromptTokens, lastMessageCount int) int {
	if lastPromptTokens > 0 && lastMessageCount > 0 {
		perMessage := float64(lastPromptTokens) / float64(lastMessageCount)
		return int(perMessage * float64(len(history)))
	}
	total := 0
	for _, m := range history {
		total += len(m.Content) / charsPerToken
		for _, tc := range m.ToolCalls {
			total += len(tc.Name) / charsPerToken
			for _, v := range tc.Arguments {
				if s, ok := v.(string); ok {
					total += len(s) / charsPerToken
				}
			}
		}
	}
	return total
}

// pruneContextMessages returns a copy of msgs with old tool results trimmed
// to save context window, per the "cache-ttl" pruning mode; msgs itself is
// not modified. Mode "off" (the default) returns history unchanged.
func pruneContextMessages(msgs []providers.Message, contextWindow int, cfg *config.ContextPruningConfig) []providers.Message {
	if cfg == nil || cfg.Mode != "cache-ttl" || len(msgs) == 0 {
		return msgs
	}

	keepLastAssistants := cfg.KeepLastAssistants
	if keepLastAssistants <= 0 {
		keepLastAssistants = 3
	}
	softTrim := cfg.SoftTrim
	maxChars, headChars, tailChars := 4000, 1500, 1500
	if softTrim != nil {
		if softTrim.MaxChars > 0 {
			maxChars = softTrim.MaxChars
		}
		if softTrim.HeadChars > 0 {
			headChars = softTrim.HeadChars
		}
		if softTrim.TailChars > 0 {
			tailChars = softTrim.TailChars
		}
	}
	minPrunable := cfg.MinPrunableToolChars
	if minPrunable <= 0 {
		minPrunable = 50000
	}

	// Find the index after which assistant messages are protected from pruning.
	assistantsSeen := 0
	protectFrom := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "assistant" {
			assistantsSeen++
			if assistantsSeen > keepLastAssistants {
				protectFrom = i + 1
				break
			}
			protectFrom = i
		}
	}

	totalPrunableChars := 0
	for i := 0; i < protectFrom; i++ {
		if msgs[i].Role == "tool" {
			totalPrunableChars += len(msgs[i].Content)
		}
	}
	if totalPrunableChars < minPrunable {
		return msgs
	}

	out := make([]providers.Message, len(msgs))
	copy(out, msgs)
	for i := 0; i < protectFrom; i++ {
		if out[i].Role != "tool" || len(out[i].Content) <= maxChars {
			continue
		}
		content := out[i].Content
		out[i].Content = content[:headChars] + "\n...[pruned]...\n" + content[len(content)-tailChars:]
	}
	return out
}

// MemoryFlushSettings resolves config.MemoryFlushConfig with its defaults applied.
type MemoryFlushSettings struct {
	Enabled             bool
	SoftThresholdTokens int
	Prompt              string
	SystemPrompt        string
}

// ResolveMemoryFlushSettings applies defaults on top of the compaction
// config's optional memory flush section (enabled by default).
func ResolveMemoryFlushSettings(cfg *config.CompactionConfig) MemoryFlushSettings {
	settings := MemoryFlushSettings{Enabled: true, SoftThresholdTokens: 4000}
	if cfg == nil || cfg.MemoryFlush == nil {
		return settings
	}
	mf := cfg.MemoryFlush
	if mf.Enabled != nil {
		settings.Enabled = *mf.Enabled
	}
	if mf.SoftThresholdTokens > 0 {
		settings.SoftThresholdTokens = mf.SoftThresholdTokens
	}
	settings.Prompt = mf.Prompt
	settings.SystemPrompt = mf.SystemPrompt
	return settings
}

// shouldRunMemoryFlush reports whether the pre-compaction memory flush
// should run for this turn: flush is enabled, the session is within
// SoftThresholdTokens of its compaction trigger, and the flush hasn't
// already run for the current compaction cycle.
func (l *Loop) shouldRunMemoryFlush(sessionKey string, tokenEstimate int, settings MemoryFlushSettings) bool {
	if !settings.Enabled || l.memoryFlush == nil {
		return false
	}
	historyShare := 0.75
	if l.compactionCfg != nil && l.compactionCfg.MaxHistoryShare > 0 {
		historyShare = l.compactionCfg.MaxHistoryShare
	}
	threshold := int(float64(l.contextWindow) * historyShare)
	if tokenEstimate < threshold-settings.SoftThresholdTokens {
		return false
	}
	currentCycle := l.sessions.GetCompactionCount(sessionKey)
	return l.sessions.GetMemoryFlushCompactionCount(sessionKey) != currentCycle
}

// runMemoryFlush triggers an opportunistic consolidation pass just before
// compaction would discard the session history it's run against.
func (l *Loop) runMemoryFlush(ctx context.Context, sessionKey string, settings MemoryFlushSettings) {
	if err := l.memoryFlush(ctx, sessionKey); err != nil {
		slog.Warn("memory flush failed", "session", sessionKey, "error", err)
		return
	}
	l.sessions.SetMemoryFlushDone(sessionKey)
}
