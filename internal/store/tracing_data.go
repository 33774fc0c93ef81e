package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TraceData and SpanData are the persistence-agnostic shapes the tracing
// collector emits; they carry no storage-specific tags and are exported so
// internal/tracing can build records without importing a concrete backend.

const (
	TraceStatusRunning   = "running"
	TraceStatusCompleted = "completed"
	TraceStatusError     = "error"
	TraceStatusCancelled = "cancelled"
)

const (
	SpanTypeAgent    = "agent"
	SpanTypeLLMCall  = "llm_call"
	SpanTypeToolCall = "tool_call"
)

const (
	SpanStatusCompleted = "completed"
	SpanStatusError     = "error"
)

const (
	SpanLevelDefault = "DEFAULT"
)

// TraceData is one top-level agent run.
type TraceData struct {
	ID            uuid.UUID
	RunID         string
	SessionKey    string
	UserID        string
	Channel       string
	Name          string
	InputPreview  string
	OutputPreview string
	Status        string
	Error         string
	StartTime     time.Time
	EndTime       *time.Time
	CreatedAt     time.Time
	Tags          []string
	AgentID       *uuid.UUID
	ParentTraceID *uuid.UUID
}

// SpanData is one unit of work (an LLM call, a tool call, or the agent run
// itself) nested under a TraceData.
type SpanData struct {
	ID            uuid.UUID
	TraceID       uuid.UUID
	ParentSpanID  *uuid.UUID
	AgentID       *uuid.UUID
	SpanType      string
	Name          string
	StartTime     time.Time
	EndTime       *time.Time
	DurationMS    int
	Model         string
	Provider      string
	Status        string
	Level         string
	Error         string
	FinishReason  string
	InputPreview  string
	OutputPreview string
	InputTokens   int
	OutputTokens  int
	ToolName      string
	ToolCallID    string
	Metadata      json.RawMessage
	CreatedAt     time.Time
}
