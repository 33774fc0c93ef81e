package providers

import (
	"fmt"
	"sync"
)

// Registry holds the configured Provider instances by name ("anthropic",
// "openai", "openrouter", ...) so tools that need a specific backend (image
// generation, vision) can look one up without the caller threading a
// concrete provider through every call site.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty Registry. Providers are added with Register.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces the provider stored under name.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Get returns the provider registered under name, or an error if none was
// configured (e.g. the API key for that provider is unset).
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("providers: no provider registered for %q", name)
	}
	return p, nil
}

// Names returns the currently registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
