// Package dispatch implements the single-consumer ingress loop that sits
// between channel adapters (telegram, discord, the control FIFO, the HTTP
// API) and the message pipeline: a bounded queue, per-sender debouncing,
// and sentinel-driven shutdown.
package dispatch

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nicolasforstinger/lucyd/internal/bus"
	"github.com/nicolasforstinger/lucyd/internal/store"
)

// DefaultQueueSize matches the bus's own bound — the dispatch queue and the
// bus's inbound channel are sized identically since one feeds the other.
const DefaultQueueSize = bus.DefaultQueueSize

// Suppressed is the set of delivery sources that skip the typing indicator
// and transport send but still resolve futures, fire webhooks, and record
// cost — system-originated items (cron, heartbeats) and HTTP /chat calls.
var Suppressed = map[string]bool{
	"system": true,
	"http":   true,
}

// ItemKind distinguishes the four shapes of item the dispatcher accepts.
type ItemKind int

const (
	KindInbound ItemKind = iota
	KindControl
	KindSentinel
	KindHTTP
)

// ControlMessage is one line decoded from the control FIFO. Type drives how
// the dispatcher routes it: "reset" is handled immediately; everything else
// is treated as a system-source message and folded into the debounce path.
type ControlMessage struct {
	Type        string            `json:"type"`
	Sender      string            `json:"sender,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []string          `json:"attachments,omitempty"`
	Tier        string            `json:"tier,omitempty"`
	NotifyMeta  map[string]string `json:"notify_meta,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	All         bool              `json:"all,omitempty"`
}

// Item is one entry on the dispatcher's bounded ingress queue.
type Item struct {
	Kind    ItemKind
	Inbound bus.InboundMessage
	Control ControlMessage
	Future  *ResponseFuture // non-nil only for KindHTTP
}

// Result is what a combined message resolves to once the pipeline finishes
// processing it.
type Result struct {
	Reply  string
	Silent bool
	Err    error
}

// ResponseFuture lets an HTTP handler block on the outcome of the item it
// submitted, without the dispatcher needing to know anything about HTTP.
type ResponseFuture struct {
	done chan Result
}

// NewResponseFuture returns a future ready to be resolved exactly once.
func NewResponseFuture() *ResponseFuture {
	return &ResponseFuture{done: make(chan Result, 1)}
}

// Resolve delivers r to the waiting caller. Safe to call exactly once.
func (f *ResponseFuture) Resolve(r Result) {
	f.done <- r
}

// Wait blocks until Resolve is called or ctx expires.
func (f *ResponseFuture) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-f.done:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// CombinedMessage is the debounce-merged unit of work the pipeline
// consumes: one or more same-sender inbound items joined into a single
// turn.
type CombinedMessage struct {
	Source     string // channel name, "system", or "http"
	SenderID   string
	ChatID     string
	AgentID    string
	PeerKind   string
	UserID     string
	Text       string
	Media      []string
	Tier       string
	NotifyMeta map[string]string
	SessionID  string // explicit override, set by control/HTTP items
	Future     *ResponseFuture
}

// IsSuppressedSource reports whether this item's source should skip the typing
// indicator and transport delivery (still resolves futures / fires
// webhooks / records cost).
func (m CombinedMessage) IsSuppressedSource() bool {
	return Suppressed[m.Source]
}

// Handler processes one combined, debounce-settled message. Implemented by
// the message pipeline.
type Handler func(ctx context.Context, msg CombinedMessage)

type pendingBatch struct {
	msg CombinedMessage
}

// Dispatcher is the single consumer of the bounded ingress queue.
type Dispatcher struct {
	items         chan Item
	debounceEvery time.Duration
	handler       Handler
	sessions      store.SessionStore
	resolveKey    func(source, agentID, peerKind, chatID string) string

	mu      sync.Mutex
	pending map[string]*pendingBatch // sender → accumulated batch
	timer   *time.Timer
	timerC  <-chan time.Time

	lastSeen *lruTimestamps // per-sender last-inbound time, capped 1000

	draining bool
}

// Config configures a Dispatcher.
type Config struct {
	QueueSize     int
	DebounceEvery time.Duration
	Handler       Handler
	Sessions      store.SessionStore
	// ResolveSessionKey builds the session key for a reset item's
	// sender/agent/peer/chat tuple (mirrors the gateway's own key builder).
	ResolveSessionKey func(source, agentID, peerKind, chatID string) string
}

// New returns a Dispatcher ready to have items pushed onto it. Call Run to
// start the consumer loop.
func New(cfg Config) *Dispatcher {
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	debounce := cfg.DebounceEvery
	if debounce <= 0 {
		debounce = 1500 * time.Millisecond
	}
	return &Dispatcher{
		items:         make(chan Item, size),
		debounceEvery: debounce,
		handler:       cfg.Handler,
		sessions:      cfg.Sessions,
		resolveKey:    cfg.ResolveSessionKey,
		pending:       make(map[string]*pendingBatch),
		lastSeen:      newLRUTimestamps(1000),
	}
}

// PublishInbound enqueues a non-HTTP, non-control message. Blocks if the
// queue is full.
func (d *Dispatcher) PublishInbound(msg bus.InboundMessage) {
	d.items <- Item{Kind: KindInbound, Inbound: msg}
}

// PublishControl enqueues a decoded control-FIFO line.
func (d *Dispatcher) PublishControl(msg ControlMessage) {
	d.items <- Item{Kind: KindControl, Control: msg}
}

// PublishHTTP enqueues an HTTP-originated item and returns the future the
// caller should wait on for the resolved reply.
func (d *Dispatcher) PublishHTTP(msg bus.InboundMessage) *ResponseFuture {
	f := NewResponseFuture()
	d.items <- Item{Kind: KindHTTP, Inbound: msg, Future: f}
	return f
}

// Shutdown enqueues the sentinel item: the consumer loop drains whatever is
// pending, then exits Run.
func (d *Dispatcher) Shutdown() {
	d.items <- Item{Kind: KindSentinel}
}

// Run is the single consumer loop. It returns once a sentinel item has been
// processed and all pending batches drained, or ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		var timerC <-chan time.Time
		d.mu.Lock()
		timerC = d.timerC
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return

		case <-timerFireOrNever(timerC):
			d.flushAll(ctx)

		case item, ok := <-d.items:
			if !ok {
				return
			}
			switch item.Kind {
			case KindSentinel:
				d.flushAll(ctx)
				return
			case KindHTTP:
				d.dispatchNow(ctx, d.toCombined("http", item.Inbound, item.Future))
			case KindControl:
				d.handleControl(ctx, item.Control)
			case KindInbound:
				d.accumulate(item.Inbound)
			}
		}
	}
}

func timerFireOrNever(c <-chan time.Time) <-chan time.Time {
	if c == nil {
		return nil // a nil channel blocks forever in select, which is what we want
	}
	return c
}

// accumulate appends an inbound message to its sender's pending batch and
// (re)starts the shared debounce timer — matching the spec's "append, sleep
// debounce_ms, drain every sender in the pending map" description: a single
// shared window that keeps extending as new messages arrive, then flushes
// every accumulated sender together.
func (d *Dispatcher) accumulate(in bus.InboundMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastSeen.Touch(in.SenderID, time.Now())

	key := in.Channel + ":" + in.SenderID
	if b, ok := d.pending[key]; ok {
		if in.Content != "" {
			if b.msg.Text != "" {
				b.msg.Text += "\n" + in.Content
			} else {
				b.msg.Text = in.Content
			}
		}
		b.msg.Media = append(b.msg.Media, in.Media...)
	} else {
		d.pending[key] = &pendingBatch{msg: CombinedMessage{
			Source:   in.Channel,
			SenderID: in.SenderID,
			ChatID:   in.ChatID,
			AgentID:  in.AgentID,
			PeerKind: in.PeerKind,
			UserID:   in.UserID,
			Text:     in.Content,
			Media:    append([]string{}, in.Media...),
		}}
	}

	if d.timer == nil {
		d.timer = time.NewTimer(d.debounceEvery)
	} else {
		if !d.timer.Stop() {
			select {
			case <-d.timer.C:
			default:
			}
		}
		d.timer.Reset(d.debounceEvery)
	}
	d.timerC = d.timer.C
}

func (d *Dispatcher) flushAll(ctx context.Context) {
	d.mu.Lock()
	batch := d.pending
	d.pending = make(map[string]*pendingBatch)
	d.timer = nil
	d.timerC = nil
	d.mu.Unlock()

	for _, b := range batch {
		d.dispatchNow(ctx, b.msg)
	}
}

func (d *Dispatcher) dispatchNow(ctx context.Context, msg CombinedMessage) {
	if d.handler == nil {
		return
	}
	d.handler(ctx, msg)
}

func (d *Dispatcher) toCombined(source string, in bus.InboundMessage, future *ResponseFuture) CombinedMessage {
	return CombinedMessage{
		Source:   source,
		SenderID: in.SenderID,
		ChatID:   in.ChatID,
		AgentID:  in.AgentID,
		PeerKind: in.PeerKind,
		UserID:   in.UserID,
		Text:     in.Content,
		Media:    in.Media,
		Future:   future,
	}
}

// handleControl routes a decoded control-FIFO line. "reset" is handled
// synchronously against the session store; anything else is folded into
// the normal debounce path as a system-source message.
func (d *Dispatcher) handleControl(ctx context.Context, c ControlMessage) {
	if c.Type == "reset" {
		d.handleReset(c)
		return
	}

	d.mu.Lock()
	d.lastSeen.Touch(c.Sender, time.Now())
	key := "system:" + c.Sender
	if b, ok := d.pending[key]; ok {
		if b.msg.Text != "" {
			b.msg.Text += "\n" + c.Text
		} else {
			b.msg.Text = c.Text
		}
		b.msg.Media = append(b.msg.Media, c.Attachments...)
	} else {
		d.pending[key] = &pendingBatch{msg: CombinedMessage{
			Source:     "system",
			SenderID:   c.Sender,
			ChatID:     c.Sender,
			Text:       c.Text,
			Media:      append([]string{}, c.Attachments...),
			Tier:       c.Tier,
			NotifyMeta: c.NotifyMeta,
			SessionID:  c.SessionID,
		}}
	}
	if d.timer == nil {
		d.timer = time.NewTimer(d.debounceEvery)
	} else {
		if !d.timer.Stop() {
			select {
			case <-d.timer.C:
			default:
			}
		}
		d.timer.Reset(d.debounceEvery)
	}
	d.timerC = d.timer.C
	d.mu.Unlock()
}

func (d *Dispatcher) handleReset(c ControlMessage) {
	if d.sessions == nil {
		return
	}
	if c.All {
		for _, info := range d.sessions.List("") {
			d.sessions.Reset(info.Key)
		}
		slog.Info("dispatch: reset all sessions")
		return
	}

	key := c.SessionID
	if key == "" && d.resolveKey != nil {
		key = d.resolveKey("", "", "", c.Sender)
	}
	if key == "" {
		slog.Warn("dispatch: reset item missing session_id/sender, ignored")
		return
	}
	d.sessions.Reset(key)
}

// lruTimestamps is a capped map from sender ID to last-seen time, evicting
// the least recently touched entry once full.
type lruTimestamps struct {
	cap   int
	mu    sync.Mutex
	order *list.List
	index map[string]*list.Element
}

type lruEntry struct {
	key string
	at  time.Time
}

func newLRUTimestamps(capacity int) *lruTimestamps {
	return &lruTimestamps{
		cap:   capacity,
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

func (l *lruTimestamps) Touch(key string, at time.Time) {
	if key == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.index[key]; ok {
		el.Value.(*lruEntry).at = at
		l.order.MoveToFront(el)
		return
	}

	el := l.order.PushFront(&lruEntry{key: key, at: at})
	l.index[key] = el

	for l.order.Len() > l.cap {
		back := l.order.Back()
		if back == nil {
			break
		}
		l.order.Remove(back)
		delete(l.index, back.Value.(*lruEntry).key)
	}
}

// Get returns the last-seen time for key, if present.
func (l *lruTimestamps) Get(key string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.index[key]
	if !ok {
		return time.Time{}, false
	}
	return el.Value.(*lruEntry).at, true
}
