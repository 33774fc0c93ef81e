package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nicolasforstinger/lucyd/internal/providers"
)

// Tool is anything the agentic loop can offer to the model and invoke on
// its behalf. Implementations live alongside their own config/constructor
// in this package (filesystem.go, shell.go, web_search.go, ...).
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// AsyncCallback delivers a tool's result once it becomes available, for
// tools that return AsyncResult immediately and finish work in the
// background (e.g. a subagent spawn).
type AsyncCallback func(result *Result)

type toolAgentKeyCtxKey struct{}

// WithToolAgentKey attaches the invoking agent's id to ctx so tools can
// scope side effects (rate limiting, logging) to the agent that called them.
func WithToolAgentKey(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, toolAgentKeyCtxKey{}, agentID)
}

// ToolAgentKeyFromCtx returns the agent id set by WithToolAgentKey, or "".
func ToolAgentKeyFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(toolAgentKeyCtxKey{}).(string)
	return v
}

// Registry holds the set of tools available to an agent and exposes them
// to the provider as function-calling definitions.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string // registration order, for stable ProviderDefs output
}

// NewRegistry returns an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any existing tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Unregister removes a tool by name, if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns the tool registered under name, if any.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool name, sorted for deterministic policy
// evaluation.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ProviderDefs returns every registered tool's definition, in registration
// order, unfiltered by policy. Callers that need policy filtering should go
// through PolicyEngine.FilterTools instead.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, ToProviderDef(t))
	}
	return defs
}

// ToProviderDef converts a Tool into the schema shape the provider API expects.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}

// ExecuteWithContext runs the named tool with the given arguments, having
// first populated ctx with the per-call routing values individual tools
// read back out (channel, chat id, peer kind, session key, async callback).
// A nil callback means the tool must not attempt an asynchronous follow-up.
func (r *Registry) ExecuteWithContext(ctx context.Context, name string, args map[string]interface{}, channel, chatID, peerKind, sessionKey string, cb AsyncCallback) *Result {
	tool, ok := r.Get(name)
	if !ok {
		slog.Warn("tool not found", "tool", name)
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	ctx = WithToolChannel(ctx, channel)
	ctx = WithToolChatID(ctx, chatID)
	ctx = WithToolPeerKind(ctx, peerKind)
	ctx = WithToolSandboxKey(ctx, sessionKey)
	if cb != nil {
		ctx = WithToolAsyncCB(ctx, cb)
	}

	return tool.Execute(ctx, args)
}
