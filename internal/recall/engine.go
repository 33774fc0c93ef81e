// Package recall implements the priority-budgeted recall assembler
// (SPEC_FULL component E): entity extraction over a query, fact lookup,
// episode keyword search, vector fallback, commitment injection, and an
// optional LLM-based synthesis pass that restyles the assembled text.
package recall

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/nicolasforstinger/lucyd/internal/providers"
	"github.com/nicolasforstinger/lucyd/internal/store"
)

// Block is one ephemeral recall section, assembled fresh per query.
// Priority is higher-keep-first: the assembler sorts descending and
// greedily includes blocks while they still fit the remaining budget.
type Block struct {
	Priority  int
	Label     string
	Text      string
	EstTokens int
}

// estimateTokens matches spec's estimator exactly: len(text) / 4.
func estimateTokens(text string) int {
	return len(text) / 4
}

// FormatStyle selects how individual fact lines are rendered.
type FormatStyle string

const (
	FormatCompact FormatStyle = "compact" // "entity.attr: value"
	FormatNatural FormatStyle = "natural" // "entity — attr: value"
)

// Style controls the optional synthesis restyling. "structured" disables
// synthesis entirely and returns the raw assembled blocks.
type Style string

const (
	StyleStructured Style = "structured"
	StyleNarrative  Style = "narrative"
	StyleFactual    Style = "factual"
)

// Config tunes block priorities, budget, and formatting. Zero-value
// fields fall back to the documented defaults via DefaultConfig.
type Config struct {
	PriorityFacts       int
	PriorityEpisodes    int
	PriorityVector      int
	PriorityCommitments int

	Budget int // total estimated-token budget for inject_recall

	FactFormat FormatStyle

	EpisodeDaysBack int // 0 = no recency restriction
	EpisodeLimit    int

	VectorTopK   int
	VectorDecay  float64 // exp(-decay_rate * days_old)
	VectorRowCap int      // mirrors store.vectorSearchRowLimit; passed as the vector search limit and used for the cap warning

	SessionStartFactLimit   int
	SessionStartEpisodeLimit int

	Style Style
}

// DefaultConfig matches the priorities named in spec §4.E.
func DefaultConfig() Config {
	return Config{
		PriorityFacts:            15,
		PriorityEpisodes:         25,
		PriorityVector:           35,
		PriorityCommitments:      40,
		Budget:                   2000,
		FactFormat:               FormatCompact,
		EpisodeDaysBack:          0,
		EpisodeLimit:             5,
		VectorTopK:               5,
		VectorDecay:              0.01,
		VectorRowCap:             10_000,
		SessionStartFactLimit:    10,
		SessionStartEpisodeLimit: 5,
		Style:                    StyleStructured,
	}
}

// EmbedFunc computes a query embedding for vector fallback search. A nil
// EmbedFunc disables the vector block entirely.
type EmbedFunc func(ctx context.Context, text string) ([]float64, error)

// Engine assembles recall blocks against a memory store.
type Engine struct {
	mem      store.MemoryStore
	cfg      Config
	embed    EmbedFunc
	provider providers.Provider // optional, for synthesis
	model    string
}

// New constructs a recall Engine. provider/model may be zero-valued when
// synthesis is not configured (cfg.Style == StyleStructured).
func New(mem store.MemoryStore, cfg Config, embed EmbedFunc, provider providers.Provider, model string) *Engine {
	return &Engine{mem: mem, cfg: cfg, embed: embed, provider: provider, model: model}
}

var entityTokenPattern = regexp.MustCompile(`[^a-z0-9\s]`)

// ExtractEntities lowercases the query, strips punctuation, and returns
// unigram, bigram, and trigram candidates in first-seen order.
func ExtractEntities(query string) []string {
	cleaned := entityTokenPattern.ReplaceAllString(strings.ToLower(query), " ")
	words := strings.Fields(cleaned)
	if len(words) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	for _, w := range words {
		add(w)
	}
	for i := 0; i+1 < len(words); i++ {
		add(words[i] + "_" + words[i+1])
	}
	for i := 0; i+2 < len(words); i++ {
		add(words[i] + "_" + words[i+1] + "_" + words[i+2])
	}
	return out
}

// normalizeEntity applies the data model's entity normalization:
// lowercased, underscores for spaces.
func normalizeEntity(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
}

// factBlock resolves query candidates through aliases, looks up current
// facts for the resolved entity set, and formats them per cfg.FactFormat.
func (e *Engine) factBlock(query string) Block {
	candidates := ExtractEntities(query)
	if len(candidates) == 0 {
		return Block{}
	}

	resolvedSeen := make(map[string]bool)
	var resolved []string
	for _, c := range candidates {
		canonical := c
		if r, ok := e.mem.ResolveAlias(c); ok {
			canonical = r
		}
		canonical = normalizeEntity(canonical)
		if !resolvedSeen[canonical] {
			resolvedSeen[canonical] = true
			resolved = append(resolved, canonical)
		}
	}

	facts, err := e.mem.LookupFacts(resolved, 50)
	if err != nil || len(facts) == 0 {
		if err != nil {
			slog.Warn("recall: fact lookup failed", "error", err)
		}
		return Block{}
	}

	var lines []string
	for _, f := range facts {
		if e.cfg.FactFormat == FormatNatural {
			lines = append(lines, fmt.Sprintf("%s — %s: %s", f.Entity, f.Attribute, f.Value))
		} else {
			lines = append(lines, fmt.Sprintf("%s.%s: %s", f.Entity, f.Attribute, f.Value))
		}
	}
	text := "Known facts:\n" + strings.Join(lines, "\n")
	return Block{Priority: e.cfg.PriorityFacts, Label: "facts", Text: text, EstTokens: estimateTokens(text)}
}

// episodeBlock searches episodes by keyword (tokens of length > 3),
// optionally bounded to a recency window.
func (e *Engine) episodeBlock(query string) Block {
	var keywords []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = entityTokenPattern.ReplaceAllString(w, "")
		if len(w) > 3 {
			keywords = append(keywords, w)
		}
	}
	if len(keywords) == 0 {
		return Block{}
	}

	limit := e.cfg.EpisodeLimit
	if limit <= 0 {
		limit = 5
	}
	episodes, err := e.mem.SearchEpisodesByKeywords(keywords, e.cfg.EpisodeDaysBack, limit)
	if err != nil || len(episodes) == 0 {
		if err != nil {
			slog.Warn("recall: episode search failed", "error", err)
		}
		return Block{}
	}

	var lines []string
	for _, ep := range episodes {
		lines = append(lines, fmt.Sprintf("[%s] %s", ep.Date, ep.Summary))
	}
	text := "Relevant past episodes:\n" + strings.Join(lines, "\n")
	return Block{Priority: e.cfg.PriorityEpisodes, Label: "episodes", Text: text, EstTokens: estimateTokens(text)}
}

// vectorBlock runs embedding-based search over chunks with cached
// embeddings, decays each score by age, and re-ranks by the decayed
// score. Returns a zero Block when no EmbedFunc is configured.
func (e *Engine) vectorBlock(ctx context.Context, query string) Block {
	if e.embed == nil {
		return Block{}
	}
	emb, err := e.embed(ctx, query)
	if err != nil || len(emb) == 0 {
		if err != nil {
			slog.Warn("recall: query embedding failed", "error", err)
		}
		return Block{}
	}

	chunks, err := e.mem.SearchChunksVector(emb, e.cfg.VectorRowCap)
	if err != nil || len(chunks) == 0 {
		if err != nil {
			slog.Warn("recall: vector search failed", "error", err)
		}
		return Block{}
	}
	if len(chunks) >= e.cfg.VectorRowCap {
		slog.Warn("recall: vector fallback hit row cap, results are partial", "cap", e.cfg.VectorRowCap)
	}

	decay := e.cfg.VectorDecay
	now := time.Now().UTC()
	for _, c := range chunks {
		daysOld := now.Sub(c.CreatedAt).Hours() / 24
		if daysOld < 0 {
			daysOld = 0
		}
		c.Score = c.Score * math.Exp(-decay*daysOld)
	}
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Score > chunks[j].Score })

	topK := e.cfg.VectorTopK
	if topK <= 0 {
		topK = 5
	}
	if len(chunks) > topK {
		chunks = chunks[:topK]
	}

	var lines []string
	for _, c := range chunks {
		lines = append(lines, fmt.Sprintf("(%s) %s", c.Path, c.Text))
	}
	text := "Related notes:\n" + strings.Join(lines, "\n")
	return Block{Priority: e.cfg.PriorityVector, Label: "vector", Text: text, EstTokens: estimateTokens(text)}
}

// commitmentBlock always includes every open commitment.
func (e *Engine) commitmentBlock() Block {
	commitments, err := e.mem.OpenCommitments()
	if err != nil || len(commitments) == 0 {
		if err != nil {
			slog.Warn("recall: open commitments lookup failed", "error", err)
		}
		return Block{}
	}

	var lines []string
	for _, c := range commitments {
		deadline := c.Deadline
		if deadline == "" {
			deadline = "no deadline"
		}
		lines = append(lines, fmt.Sprintf("%s: %s (%s)", c.Who, c.What, deadline))
	}
	text := "Open commitments:\n" + strings.Join(lines, "\n")
	return Block{Priority: e.cfg.PriorityCommitments, Label: "commitments", Text: text, EstTokens: estimateTokens(text)}
}

// Assemble sorts non-empty blocks by priority descending and greedily
// includes them while they fit the remaining budget, dropping the rest.
// The returned footer names included sections, tokens used, and any
// dropped sections so the agent knows to fetch them via memory tools.
func Assemble(blocks []Block, budget int) (text string, footer string) {
	var present []Block
	for _, b := range blocks {
		if b.Text != "" {
			present = append(present, b)
		}
	}
	sort.SliceStable(present, func(i, j int) bool { return present[i].Priority > present[j].Priority })

	var included []Block
	var dropped []string
	remaining := budget
	for _, b := range present {
		if b.EstTokens <= remaining {
			included = append(included, b)
			remaining -= b.EstTokens
		} else {
			dropped = append(dropped, b.Label)
		}
	}

	var parts []string
	var labels []string
	used := 0
	for _, b := range included {
		parts = append(parts, b.Text)
		labels = append(labels, b.Label)
		used += b.EstTokens
	}

	footerLine := fmt.Sprintf("[recall: included %s, ~%d tokens", strings.Join(labels, ", "), used)
	if len(dropped) > 0 {
		footerLine += fmt.Sprintf("; dropped %s — use memory tools to fetch", strings.Join(dropped, ", "))
	}
	footerLine += "]"

	return strings.Join(parts, "\n\n"), footerLine
}

// Recall assembles all four blocks for a query and returns the final
// (possibly synthesized) text, ready for injection into the first user
// message of a session.
func (e *Engine) Recall(ctx context.Context, query string) string {
	blocks := []Block{
		e.factBlock(query),
		e.episodeBlock(query),
		e.vectorBlock(ctx, query),
		e.commitmentBlock(),
	}
	body, footer := Assemble(blocks, e.cfg.Budget)
	if body == "" {
		return ""
	}
	assembled := body + "\n" + footer

	if e.cfg.Style == StyleStructured || e.cfg.Style == "" || e.provider == nil {
		return assembled
	}
	synthesized, err := e.synthesize(ctx, assembled)
	if err != nil {
		slog.Warn("recall: synthesis failed, falling back to raw recall", "error", err)
		return assembled
	}
	return synthesized
}

// synthesize rewrites the assembled recall text into a short narrative or
// factual paragraph, preserving the trailing footer line and any
// commitment lines verbatim (a commitment is a promise the agent must not
// paraphrase away).
func (e *Engine) synthesize(ctx context.Context, assembled string) (string, error) {
	lines := strings.Split(assembled, "\n")
	footer := ""
	if n := len(lines); n > 0 && strings.HasPrefix(lines[n-1], "[recall:") {
		footer = lines[n-1]
		lines = lines[:n-1]
	}
	body := strings.TrimRight(strings.Join(lines, "\n"), "\n")
	if body == "" {
		if footer != "" {
			return footer, nil
		}
		return assembled, nil
	}

	var verbatim []string
	for _, l := range strings.Split(body, "\n") {
		if strings.Contains(l, ": ") && (strings.Contains(strings.ToLower(l), "deadline") || isCommitmentLine(l)) {
			verbatim = append(verbatim, l)
		}
	}

	styleName := "factual"
	if e.cfg.Style == StyleNarrative {
		styleName = "narrative"
	}
	prompt := fmt.Sprintf(
		"Rewrite the following recalled context as a short %s paragraph. "+
			"Keep any commitment lines exactly as written, verbatim, each on its own line. "+
			"Do not add information that isn't present below.\n\n%s",
		styleName, body,
	)

	resp, err := e.provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: prompt}},
		Model:    e.model,
		Options:  map[string]interface{}{"max_tokens": 512, "temperature": 0.2},
	})
	if err != nil {
		return "", fmt.Errorf("recall synthesis: %w", err)
	}
	if resp.Content == "" {
		return "", fmt.Errorf("recall synthesis: empty response")
	}

	out := resp.Content
	for _, l := range verbatim {
		if !strings.Contains(out, l) {
			out += "\n" + l
		}
	}
	if footer != "" {
		out += "\n" + footer
	}
	return out, nil
}

// isCommitmentLine matches the "who: what (deadline)" shape produced by
// commitmentBlock, so synthesis can preserve commitments verbatim.
func isCommitmentLine(l string) bool {
	return strings.HasSuffix(strings.TrimSpace(l), ")") && strings.Contains(l, ": ")
}

// SessionStart builds the unconditional warm-up block for a fresh
// session (message count <= 1): most-recently-accessed facts, recent
// episodes, and all open commitments, independent of any query.
func (e *Engine) SessionStart() string {
	var parts []string

	facts, _ := e.mem.MostRecentlyAccessedFacts(e.cfg.SessionStartFactLimit)
	if len(facts) > 0 {
		var lines []string
		for _, f := range facts {
			lines = append(lines, fmt.Sprintf("%s.%s: %s", f.Entity, f.Attribute, f.Value))
		}
		parts = append(parts, "Recently touched facts:\n"+strings.Join(lines, "\n"))
	}

	episodes, _ := e.mem.RecentEpisodes(e.cfg.SessionStartEpisodeLimit)
	if len(episodes) > 0 {
		var lines []string
		for _, ep := range episodes {
			lines = append(lines, fmt.Sprintf("[%s] %s", ep.Date, ep.Summary))
		}
		parts = append(parts, "Recent episodes:\n"+strings.Join(lines, "\n"))
	}

	if cb := e.commitmentBlock(); cb.Text != "" {
		parts = append(parts, cb.Text)
	}

	return strings.Join(parts, "\n\n")
}
