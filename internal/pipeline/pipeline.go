// Package pipeline implements the per-message orchestration that sits
// between the dispatch loop and the agentic loop: attachment
// normalization, recall injection, retrying the agent call, delivering
// the reply, firing the configured webhook, and tracking compaction
// warnings and cost.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nicolasforstinger/lucyd/internal/agent"
	"github.com/nicolasforstinger/lucyd/internal/bus"
	"github.com/nicolasforstinger/lucyd/internal/channels"
	"github.com/nicolasforstinger/lucyd/internal/config"
	"github.com/nicolasforstinger/lucyd/internal/consolidation"
	"github.com/nicolasforstinger/lucyd/internal/cost"
	"github.com/nicolasforstinger/lucyd/internal/dispatch"
	"github.com/nicolasforstinger/lucyd/internal/providers"
	"github.com/nicolasforstinger/lucyd/internal/recall"
	"github.com/nicolasforstinger/lucyd/internal/sessions"
	"github.com/nicolasforstinger/lucyd/internal/store"
)

// WebhookConfig configures the optional per-turn notification POST (step 11).
type WebhookConfig struct {
	URL         string
	BearerToken string
	Timeout     time.Duration
}

// Config wires a Pipeline to the rest of the daemon's components.
type Config struct {
	Loop     *agent.Loop
	Sessions store.SessionStore
	Channels *channels.Manager

	Recall        *recall.Engine        // nil disables recall injection
	Consolidation *consolidation.Engine // nil disables structured session-start context
	CostLedger    *cost.Ledger          // nil disables cost recording
	Rates         cost.Rates

	CompactionCfg *config.CompactionConfig
	ContextWindow int

	SilentTokens      []string
	NoDeliverySources map[string]bool // default: dispatch.Suppressed
	MessageRetries    int

	Attachments AttachmentConfig
	Webhook     WebhookConfig

	PersonaVoice string // not read by Pipeline; the memory-flush hook in cmd/daemon.go passes "" as the persona voice

	RateLimiter *channels.WebhookRateLimiter
}

// Pipeline drives one CombinedMessage through the full turn lifecycle.
type Pipeline struct {
	cfg        Config
	httpClient *http.Client
}

func New(cfg Config) *Pipeline {
	if cfg.MessageRetries <= 0 {
		cfg.MessageRetries = 2
	}
	if cfg.NoDeliverySources == nil {
		cfg.NoDeliverySources = dispatch.Suppressed
	}
	if cfg.Webhook.Timeout <= 0 {
		cfg.Webhook.Timeout = 10 * time.Second
	}
	return &Pipeline{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Webhook.Timeout},
	}
}

// Process runs the full 14-step turn for one combined ingress item.
func (p *Pipeline) Process(ctx context.Context, msg dispatch.CombinedMessage) dispatch.Result {
	sessionKey := p.resolveSessionKey(msg)
	suppressed := p.cfg.NoDeliverySources[msg.Source]

	// Step 2: attachment normalization.
	normalized := normalizeAttachments(ctx, msg.Media, p.cfg.Attachments)
	text := msg.Text + normalized.TextSuffix

	// Pending compaction warning, carried from a previous turn, is consumed here.
	if warning := p.cfg.Sessions.GetPendingWarning(sessionKey); warning != "" {
		if injected, ok := InjectWarning(text, warning); ok {
			text = injected
			p.cfg.Sessions.ClearPendingWarning(sessionKey)
		}
	}

	// Step 5: recall injection on a fresh session only.
	extraSystemPrompt := p.buildRecallContext(ctx, sessionKey, text)

	// Step 6: typing indicator for non-suppressed sources.
	if !suppressed {
		p.sendTyping(ctx, msg)
	}

	req := agent.RunRequest{
		SessionKey:        sessionKey,
		Message:           text,
		Media:             normalized.Images,
		Channel:           msg.Source,
		ChatID:            msg.ChatID,
		PeerKind:          msg.PeerKind,
		RunID:             uuid.NewString(),
		UserID:            msg.UserID,
		SenderID:          msg.SenderID,
		ExtraSystemPrompt: extraSystemPrompt,
	}

	// Step 7: agentic loop invocation with retry.
	retryCfg := providers.DefaultRetryConfig()
	retryCfg.MaxRetries = p.cfg.MessageRetries
	result, err := providers.RetryDo(ctx, retryCfg, func() (*agent.RunResult, error) {
		return p.cfg.Loop.Run(ctx, req)
	})
	if err != nil {
		return p.handleFatal(ctx, msg, sessionKey, err)
	}

	// Step 9: boundary-anchored silent-token check.
	silent := IsSilent(result.Content, p.cfg.SilentTokens)

	// Step 10: deliver reply.
	if !silent && ShouldDeliver(result.Content, msg.Source, p.cfg.NoDeliverySources) {
		p.deliver(ctx, msg, result)
	}

	// Step 11: webhook.
	p.fireWebhook(ctx, msg, sessionKey, result.Content, silent)

	if p.cfg.CostLedger != nil {
		if _, costErr := p.cfg.CostLedger.Record(sessionKey, p.loopModel(), result.Usage, p.cfg.Rates); costErr != nil {
			slog.Warn("pipeline: cost record failed", "session", sessionKey, "error", costErr)
		}
	}

	// Step 12: compaction warning.
	p.maybeWarnCompaction(sessionKey, result)

	if msg.Future != nil {
		msg.Future.Resolve(dispatch.Result{Reply: result.Content, Silent: silent})
	}

	return dispatch.Result{Reply: result.Content, Silent: silent}
}

func (p *Pipeline) resolveSessionKey(msg dispatch.CombinedMessage) string {
	if msg.SessionID != "" {
		return msg.SessionID
	}
	kind := sessions.PeerDirect
	if msg.PeerKind == string(sessions.PeerGroup) {
		kind = sessions.PeerGroup
	}
	agentID := msg.AgentID
	if agentID == "" {
		agentID = "default"
	}
	return sessions.BuildSessionKey(agentID, msg.Source, kind, msg.ChatID)
}

// buildRecallContext implements step 5's recall-on-first-turn rule: only a
// session with at most one stored message (i.e. this turn is the first)
// gets a recall block, since later turns already carry that context in
// conversation history.
func (p *Pipeline) buildRecallContext(ctx context.Context, sessionKey, query string) string {
	if p.cfg.Recall == nil {
		return ""
	}
	history := p.cfg.Sessions.GetHistory(sessionKey)
	if len(history) > 1 {
		return ""
	}

	recallText := p.cfg.Recall.Recall(ctx, query)
	if p.cfg.Consolidation != nil {
		if start := p.cfg.Recall.SessionStart(); start != "" {
			if recallText != "" {
				recallText += "\n\n" + start
			} else {
				recallText = start
			}
		}
	}
	return recallText
}

func (p *Pipeline) sendTyping(ctx context.Context, msg dispatch.CombinedMessage) {
	if p.cfg.Channels == nil {
		return
	}
	ch, ok := p.cfg.Channels.GetChannel(msg.Source)
	if !ok {
		return
	}
	typing, ok := ch.(channels.TypingChannel)
	if !ok {
		return
	}
	if err := typing.SendTyping(ctx, msg.ChatID); err != nil {
		slog.Debug("pipeline: typing indicator failed", "channel", msg.Source, "error", err)
	}
}

func (p *Pipeline) deliver(ctx context.Context, msg dispatch.CombinedMessage, result *agent.RunResult) {
	if p.cfg.Channels == nil {
		return
	}
	ch, ok := p.cfg.Channels.GetChannel(msg.Source)
	if !ok {
		slog.Warn("pipeline: no channel registered for delivery", "channel", msg.Source)
		return
	}

	out := bus.OutboundMessage{
		Channel: msg.Source,
		ChatID:  msg.ChatID,
		Content: result.Content,
	}
	for _, m := range result.Media {
		out.Media = append(out.Media, bus.MediaAttachment{URL: m.Path, ContentType: m.ContentType})
	}

	if err := ch.Send(ctx, out); err != nil {
		slog.Error("pipeline: delivery failed", "channel", msg.Source, "error", err)
	}
}

func (p *Pipeline) handleFatal(ctx context.Context, msg dispatch.CombinedMessage, sessionKey string, runErr error) dispatch.Result {
	slog.Error("pipeline: turn failed", "session", sessionKey, "error", runErr)

	if msg.Future != nil {
		msg.Future.Resolve(dispatch.Result{Err: runErr})
	}

	if !p.cfg.NoDeliverySources[msg.Source] && p.cfg.Channels != nil {
		if ch, ok := p.cfg.Channels.GetChannel(msg.Source); ok {
			_ = ch.Send(ctx, bus.OutboundMessage{
				Channel: msg.Source,
				ChatID:  msg.ChatID,
				Content: "Sorry, something went wrong processing your message.",
			})
		}
	}

	p.fireWebhook(ctx, msg, sessionKey, "", false)
	return dispatch.Result{Err: runErr}
}

// fireWebhook implements step 11: best-effort notification POST. Failures
// are logged, never surfaced to the caller.
func (p *Pipeline) fireWebhook(ctx context.Context, msg dispatch.CombinedMessage, sessionKey, reply string, silent bool) {
	if p.cfg.Webhook.URL == "" {
		return
	}
	if p.cfg.RateLimiter != nil && !p.cfg.RateLimiter.Allow(sessionKey) {
		slog.Warn("pipeline: webhook rate limited", "session", sessionKey)
		return
	}

	payload := map[string]interface{}{
		"reply":      reply,
		"session_id": sessionKey,
		"sender":     msg.SenderID,
		"source":     msg.Source,
		"silent":     silent,
	}
	if msg.NotifyMeta != nil {
		payload["notify_meta"] = msg.NotifyMeta
	}

	body, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("pipeline: webhook payload marshal failed", "error", err)
		return
	}

	go func() {
		reqCtx, cancel := context.WithTimeout(context.Background(), p.cfg.Webhook.Timeout)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.cfg.Webhook.URL, bytes.NewReader(body))
		if err != nil {
			slog.Warn("pipeline: webhook request build failed", "error", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if p.cfg.Webhook.BearerToken != "" {
			httpReq.Header.Set("Authorization", "Bearer "+p.cfg.Webhook.BearerToken)
		}

		resp, err := p.httpClient.Do(httpReq)
		if err != nil {
			slog.Warn("pipeline: webhook POST failed", "url", p.cfg.Webhook.URL, "error", err)
			return
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 300 {
			slog.Warn("pipeline: webhook returned non-2xx", "status", resp.StatusCode)
		}
	}()
}

// maybeWarnCompaction implements step 12: ported from `_should_warn_context`
// in the original daemon, using the same 80% threshold fraction.
func (p *Pipeline) maybeWarnCompaction(sessionKey string, result *agent.RunResult) {
	if result.Usage == nil {
		return
	}
	contextWindow := p.cfg.Sessions.GetContextWindow(sessionKey)
	if contextWindow <= 0 {
		contextWindow = p.cfg.ContextWindow
	}
	if contextWindow <= 0 {
		return
	}

	historyShare := 0.75
	if p.cfg.CompactionCfg != nil && p.cfg.CompactionCfg.MaxHistoryShare > 0 {
		historyShare = p.cfg.CompactionCfg.MaxHistoryShare
	}
	compactionThreshold := int(float64(contextWindow) * historyShare)
	needsCompaction := result.Usage.PromptTokens > compactionThreshold
	alreadyWarned := p.cfg.Sessions.WarnedAboutCompaction(sessionKey)

	if ShouldWarnContext(result.Usage.PromptTokens, compactionThreshold, needsCompaction, alreadyWarned) {
		warning := fmt.Sprintf("this conversation is approaching its context limit (%d/%d tokens) and will soon be summarized", result.Usage.PromptTokens, compactionThreshold)
		p.cfg.Sessions.SetPendingWarning(sessionKey, warning)
	}
}

func (p *Pipeline) loopModel() string {
	if p.cfg.Loop == nil {
		return ""
	}
	return p.cfg.Loop.Model()
}
