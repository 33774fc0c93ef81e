package store

import (
	"context"

	"github.com/google/uuid"
)

// Request-scoped identity propagated through tool execution and tracing.
// Lucyd runs one agent persona, so these are mostly useful for tying a
// trace or tool call back to the human on the other end of a channel.

type storeContextKey string

const (
	ctxAgentID   storeContextKey = "store_agent_id"
	ctxUserID    storeContextKey = "store_user_id"
	ctxAgentType storeContextKey = "store_agent_type"
	ctxSenderID  storeContextKey = "store_sender_id"
)

func WithAgentID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxAgentID, id)
}

// AgentIDFromContext returns uuid.Nil if no agent id was set (standalone mode).
func AgentIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxAgentID).(uuid.UUID)
	return id
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxUserID, userID)
}

func UserIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

func WithAgentType(ctx context.Context, agentType string) context.Context {
	return context.WithValue(ctx, ctxAgentType, agentType)
}

func AgentTypeFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxAgentType).(string)
	return v
}

func WithSenderID(ctx context.Context, senderID string) context.Context {
	return context.WithValue(ctx, ctxSenderID, senderID)
}

func SenderIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxSenderID).(string)
	return v
}

// GenNewID returns a fresh random identifier for traces, spans and runs.
func GenNewID() uuid.UUID {
	return uuid.New()
}
