package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nicolasforstinger/lucyd/internal/bus"
)

// telegramMaxMessageLen is Telegram's hard limit on a single text message.
const telegramMaxMessageLen = 4096

// Send delivers a pipeline reply to Telegram, replacing the "Thinking..."
// placeholder left by handleMessage when one exists for this chat/topic,
// otherwise sending a fresh message. Empty content (a suppressed reply)
// clears the placeholder and sends no text; any media attachments are
// still sent.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := parseRawChatID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("telegram send: bad chat id %q: %w", msg.ChatID, err)
	}
	chatIDObj := tu.ID(chatID)

	localKey := msg.ChatID
	if lk := msg.Metadata["local_key"]; lk != "" {
		localKey = lk
	}

	placeholderID, hasPlaceholder := 0, false
	if v, ok := c.placeholders.LoadAndDelete(localKey); ok {
		placeholderID = v.(int)
		hasPlaceholder = true
	}

	if msg.Content == "" {
		if hasPlaceholder {
			_ = c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
				ChatID:    chatIDObj,
				MessageID: placeholderID,
			})
		}
		return c.sendAttachments(ctx, chatIDObj, msg.Media)
	}

	chunks := chunkText(msg.Content, telegramMaxMessageLen)

	if hasPlaceholder {
		if _, err := c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
			ChatID:    chatIDObj,
			MessageID: placeholderID,
			Text:      chunks[0],
		}); err != nil {
			slog.Warn("telegram: placeholder edit failed, sending new message",
				"chat_id", msg.ChatID, "error", err)
			if err := c.sendMessage(ctx, chatIDObj, chunks[0]); err != nil {
				return err
			}
		}
		chunks = chunks[1:]
	}

	for _, chunk := range chunks {
		if err := c.sendMessage(ctx, chatIDObj, chunk); err != nil {
			return err
		}
	}

	return c.sendAttachments(ctx, chatIDObj, msg.Media)
}

func (c *Channel) sendMessage(ctx context.Context, chatID telego.ChatID, text string) error {
	_, err := c.bot.SendMessage(ctx, tu.Message(chatID, text))
	return err
}

// sendAttachments best-effort delivers outbound media as Telegram documents.
// Failures are logged, not propagated — a dropped attachment shouldn't sink
// an otherwise-successful text reply.
func (c *Channel) sendAttachments(ctx context.Context, chatID telego.ChatID, media []bus.MediaAttachment) error {
	for _, m := range media {
		if m.URL == "" {
			continue
		}
		f, err := os.Open(m.URL)
		if err != nil {
			slog.Warn("telegram: could not open outbound attachment", "path", m.URL, "error", err)
			continue
		}
		doc := tu.Document(chatID, tu.File(f))
		doc.Caption = m.Caption
		_, sendErr := c.bot.SendDocument(ctx, doc)
		f.Close()
		if sendErr != nil {
			slog.Warn("telegram: failed to send attachment", "path", m.URL, "error", sendErr)
		}
	}
	return nil
}

// SendTyping fires a one-shot typing chat action, used by the pipeline
// ahead of invoking the agentic loop. The per-message keepalive controller
// in handlers.go covers the inbound-triggered case; this covers callers
// (dispatch-level debounced batches, HTTP-originated items) that invoke the
// loop without going through handleMessage first.
func (c *Channel) SendTyping(ctx context.Context, chatIDStr string) error {
	chatID, err := parseRawChatID(chatIDStr)
	if err != nil {
		return fmt.Errorf("telegram typing: bad chat id %q: %w", chatIDStr, err)
	}
	return c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
}

// chunkText splits text into chunks no longer than maxLen, preferring to
// break at a newline past the halfway point so replies don't get sliced
// mid-sentence.
func chunkText(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > maxLen {
		cut := maxLen
		if idx := lastNewline(text[:maxLen]); idx > maxLen/2 {
			cut = idx + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func lastNewline(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return i
		}
	}
	return -1
}
