// Package consolidation implements the consolidation pipeline (SPEC_FULL
// component F): incremental extraction of facts and episodes from a
// session's unprocessed message range, state tracking across compaction
// boundaries, and idempotent extraction from workspace files by content
// hash — all writes within one pass share a single transaction.
package consolidation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/nicolasforstinger/lucyd/internal/providers"
	"github.com/nicolasforstinger/lucyd/internal/store"
)

// Config tunes the extraction thresholds and serialization budget.
type Config struct {
	ConfidenceThreshold  float64 // facts below this are dropped (default 0.6)
	CharBudget           int     // serialized range is trimmed to this many chars
	ToolOutputTruncate   int     // max chars kept per tool result line
	MaxFileBytes         int     // files larger than this are not read
}

// DefaultConfig matches the thresholds named in spec §4.F.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.6,
		CharBudget:          12000,
		ToolOutputTruncate:  500,
		MaxFileBytes:        2_000_000,
	}
}

// Engine drives fact and episode extraction via two LLM roles: a cheaper
// subagent model for fact extraction, and the primary model for episode
// extraction (so episode summaries carry the persona's voice).
type Engine struct {
	mem              store.MemoryStore
	cfg              Config
	subagentProvider providers.Provider
	subagentModel    string
	primaryProvider  providers.Provider
	primaryModel     string
}

func New(mem store.MemoryStore, cfg Config, subagentProvider providers.Provider, subagentModel string, primaryProvider providers.Provider, primaryModel string) *Engine {
	return &Engine{
		mem:              mem,
		cfg:              cfg,
		subagentProvider: subagentProvider,
		subagentModel:    subagentModel,
		primaryProvider:  primaryProvider,
		primaryModel:     primaryModel,
	}
}

// GetUnprocessedRange computes the [start, end) message index range that
// has not yet been consolidated, per spec §4.F:
//
//	absent state               -> (0, len(messages))
//	compaction_count advanced   -> (1, len(messages))   // skip the summary at index 0
//	messages grew, same compact -> (stored.message_count, len(messages))
//	otherwise                   -> (0, 0)                // nothing new
func (e *Engine) GetUnprocessedRange(sessionID string, messageCount int, compactionCount int) (int, int, error) {
	st, err := e.mem.GetConsolidationState(sessionID)
	if err != nil {
		return 0, 0, fmt.Errorf("get consolidation state: %w", err)
	}
	if st.LastConsolidatedAt.IsZero() && st.LastMessageCount == 0 && st.LastCompactionCount == 0 {
		return 0, messageCount, nil
	}
	if compactionCount > st.LastCompactionCount {
		return 1, messageCount, nil
	}
	if messageCount > st.LastMessageCount {
		return st.LastMessageCount, messageCount, nil
	}
	return 0, 0, nil
}

// Serialize renders messages[start:end] as Human:/Assistant:/Tool
// call:/Tool result: lines, truncating tool output per call and dropping
// the oldest lines from the front if the result exceeds cfg.CharBudget.
func (e *Engine) Serialize(messages []providers.Message, start, end int) string {
	if start < 0 {
		start = 0
	}
	if end > len(messages) {
		end = len(messages)
	}
	if start >= end {
		return ""
	}

	var lines []string
	for _, msg := range messages[start:end] {
		switch msg.Role {
		case "user":
			lines = append(lines, "Human: "+msg.Content)
		case "assistant":
			if msg.Content != "" {
				lines = append(lines, "Assistant: "+msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				lines = append(lines, fmt.Sprintf("Tool call: %s(%s)", tc.Name, string(args)))
			}
		case "tool":
			result := msg.Content
			if e.cfg.ToolOutputTruncate > 0 && len(result) > e.cfg.ToolOutputTruncate {
				result = result[:e.cfg.ToolOutputTruncate] + "…"
			}
			lines = append(lines, "Tool result: "+result)
		}
	}

	text := strings.Join(lines, "\n")
	budget := e.cfg.CharBudget
	if budget <= 0 {
		budget = 12000
	}
	for len(text) > budget && len(lines) > 1 {
		lines = lines[1:]
		text = strings.Join(lines, "\n")
	}
	return text
}

// ExtractedFact is a raw fact candidate from subagent extraction, prior
// to confidence filtering and alias resolution.
type ExtractedFact struct {
	Entity     string  `json:"entity"`
	Attribute  string  `json:"attribute"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// ExtractedAlias maps a surface form to a canonical entity name.
type ExtractedAlias struct {
	Alias     string `json:"alias"`
	Canonical string `json:"canonical"`
}

type factExtraction struct {
	Facts   []ExtractedFact  `json:"facts"`
	Aliases []ExtractedAlias `json:"aliases"`
}

const factExtractionPrompt = `You extract durable facts and entity aliases from a conversation transcript.
Return ONLY JSON of the shape:
{"facts": [{"entity": "...", "attribute": "...", "value": "...", "confidence": 0.0}], "aliases": [{"alias": "...", "canonical": "..."}]}
Entity and attribute must be lowercase with underscores for spaces. Omit facts you are not confident about rather than guessing.`

// stripFences removes a leading/trailing ``` or ```json code fence, since
// subagent models commonly wrap JSON responses in one.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// ExtractFacts calls the subagent model against the serialized range and
// parses its JSON response. Invalid JSON yields zero facts, not an error
// — a malformed subagent response must never crash a consolidation pass.
func (e *Engine) ExtractFacts(ctx context.Context, serialized string) factExtraction {
	if serialized == "" || e.subagentProvider == nil {
		return factExtraction{}
	}

	resp, err := e.subagentProvider.Chat(ctx, providers.ChatRequest{
		Model: e.subagentModel,
		Messages: []providers.Message{
			{Role: "system", Content: factExtractionPrompt},
			{Role: "user", Content: serialized},
		},
	})
	if err != nil {
		slog.Warn("consolidation: fact extraction call failed", "error", err)
		return factExtraction{}
	}

	var out factExtraction
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &out); err != nil {
		slog.Warn("consolidation: fact extraction returned invalid JSON", "error", err)
		return factExtraction{}
	}
	return out
}

// ExtractedCommitment is a raw commitment candidate embedded in an
// extracted episode.
type ExtractedCommitment struct {
	Subject    string `json:"subject"`
	Obligation string `json:"obligation"`
	Deadline   string `json:"deadline"`
}

// ExtractedEpisode is the raw episode candidate from primary-model
// extraction, prior to the triviality check.
type ExtractedEpisode struct {
	Topics        []string               `json:"topics"`
	Decisions     []string               `json:"decisions"`
	Commitments   []ExtractedCommitment  `json:"commitments"`
	Summary       string                 `json:"summary"`
	EmotionalTone string                 `json:"emotional_tone"`
}

type episodeExtraction struct {
	Episode ExtractedEpisode `json:"episode"`
}

const episodeExtractionPrompt = `You write a narrative episode summarizing what happened in this conversation range, in your own persona's voice.
Return ONLY JSON of the shape:
{"episode": {"topics": ["..."], "decisions": ["..."], "commitments": [{"subject": "...", "obligation": "...", "deadline": "..."}], "summary": "...", "emotional_tone": "..."}}
If nothing noteworthy happened, return empty topics/decisions/commitments and emotional_tone "neutral".`

// ExtractEpisode calls the primary model with persona blocks flattened
// into the prompt (voice only) and parses its JSON response.
func (e *Engine) ExtractEpisode(ctx context.Context, serialized, personaVoice string) (*ExtractedEpisode, error) {
	if serialized == "" || e.primaryProvider == nil {
		return nil, nil
	}

	system := episodeExtractionPrompt
	if personaVoice != "" {
		system = personaVoice + "\n\n" + system
	}

	resp, err := e.primaryProvider.Chat(ctx, providers.ChatRequest{
		Model: e.primaryModel,
		Messages: []providers.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: serialized},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("episode extraction call: %w", err)
	}

	var out episodeExtraction
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &out); err != nil {
		return nil, fmt.Errorf("episode extraction: invalid JSON: %w", err)
	}
	return &out.Episode, nil
}

// isTrivialEpisode reports whether an extracted episode carries no
// information worth persisting.
func isTrivialEpisode(ep *ExtractedEpisode) bool {
	if ep == nil {
		return true
	}
	tone := ep.EmotionalTone
	if tone == "" {
		tone = "neutral"
	}
	return len(ep.Topics) == 0 && len(ep.Decisions) == 0 && len(ep.Commitments) == 0 && tone == "neutral"
}

func normalizeEntity(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
}

// applyFacts resolves each surviving fact's entity through aliases (which
// have already been inserted) and applies the upsert invariant: skip
// identical, invalidate+insert on change, insert fresh if absent.
func applyFacts(tx store.MemoryStore, facts []ExtractedFact, threshold float64, sessionID string) error {
	for _, f := range facts {
		if f.Confidence < threshold {
			continue
		}
		entity := normalizeEntity(f.Entity)
		if canonical, ok := tx.ResolveAlias(entity); ok {
			entity = canonical
		}
		attribute := normalizeEntity(f.Attribute)

		existing, err := tx.FactsByEntity(entity)
		if err != nil {
			return fmt.Errorf("lookup existing facts for %q: %w", entity, err)
		}
		skip := false
		for _, row := range existing {
			if row.Attribute == attribute && row.Value == f.Value {
				skip = true
				break
			}
		}
		if skip {
			continue
		}

		if _, err := tx.UpsertFact(entity, attribute, f.Value, f.Confidence, sessionID); err != nil {
			return fmt.Errorf("upsert fact %s.%s: %w", entity, attribute, err)
		}
	}
	return nil
}

// ConsolidateSession runs one consolidation pass over messages[start:end)
// of sessionID: fact extraction, episode extraction, and a
// consolidation-state update, all inside one transaction. On any failure
// the transaction rolls back and consolidation state is left untouched.
func (e *Engine) ConsolidateSession(ctx context.Context, sessionID string, messages []providers.Message, compactionCount int, personaVoice string) error {
	start, end, err := e.GetUnprocessedRange(sessionID, len(messages), compactionCount)
	if err != nil {
		return err
	}
	if start >= end {
		return nil // idempotent: nothing new to process
	}

	serialized := e.Serialize(messages, start, end)
	facts := e.ExtractFacts(ctx, serialized)
	episode, episodeErr := e.ExtractEpisode(ctx, serialized, personaVoice)
	if episodeErr != nil {
		slog.Warn("consolidation: episode extraction failed, proceeding with facts only", "error", episodeErr)
		episode = nil
	}

	return e.mem.WithTx(func(tx store.MemoryStore) error {
		for _, a := range facts.Aliases {
			if err := tx.SetAlias(normalizeEntity(a.Alias), normalizeEntity(a.Canonical)); err != nil {
				return fmt.Errorf("set alias %s->%s: %w", a.Alias, a.Canonical, err)
			}
		}
		if err := applyFacts(tx, facts.Facts, e.cfg.ConfidenceThreshold, sessionID); err != nil {
			return err
		}

		if !isTrivialEpisode(episode) {
			ep := &store.Episode{
				SessionID:     sessionID,
				Topics:        strings.Join(episode.Topics, ", "),
				Decisions:     strings.Join(episode.Decisions, ", "),
				Summary:       episode.Summary,
				EmotionalTone: episode.EmotionalTone,
			}
			inserted, err := tx.AddEpisode(ep)
			if err != nil {
				return fmt.Errorf("insert episode: %w", err)
			}
			for _, c := range episode.Commitments {
				deadline := c.Deadline
				if deadline == "null" {
					deadline = ""
				}
				if _, err := tx.AddCommitment(&store.Commitment{
					EpisodeID: inserted.ID,
					Who:       c.Subject,
					What:      c.Obligation,
					Deadline:  deadline,
					Status:    "open",
				}); err != nil {
					return fmt.Errorf("insert commitment: %w", err)
				}
			}
		}

		return tx.SetConsolidationState(&store.ConsolidationState{
			SessionID:           sessionID,
			LastCompactionCount: compactionCount,
			LastMessageCount:    end,
		})
	})
}

// ConsolidateFile hashes a workspace file's content and, if unchanged
// since the last pass, returns immediately. Otherwise it runs fact
// extraction with session id "file:<path>" under the same transaction
// discipline and records the new hash.
func (e *Engine) ConsolidateFile(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if e.cfg.MaxFileBytes > 0 && info.Size() > int64(e.cfg.MaxFileBytes) {
		return nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	if e.mem.FileHashProcessed(path, hash) {
		return nil
	}

	sessionID := "file:" + path
	facts := e.ExtractFacts(ctx, string(content))

	return e.mem.WithTx(func(tx store.MemoryStore) error {
		for _, a := range facts.Aliases {
			if err := tx.SetAlias(normalizeEntity(a.Alias), normalizeEntity(a.Canonical)); err != nil {
				return fmt.Errorf("set alias %s->%s: %w", a.Alias, a.Canonical, err)
			}
		}
		if err := applyFacts(tx, facts.Facts, e.cfg.ConfidenceThreshold, sessionID); err != nil {
			return err
		}
		return tx.RecordFileHash(path, hash)
	})
}
