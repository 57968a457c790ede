package llm

import (
	"fmt"
	"strings"
	"sync"
)

// Registry routes model names to providers. Exact registrations win over
// prefix registrations; among prefixes the longest match wins, so
// "claude-" can coexist with a pinned "claude-3-opus-20240229" override.
type Registry struct {
	mu       sync.RWMutex
	exact    map[string]Provider
	prefixes map[string]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		exact:    make(map[string]Provider),
		prefixes: make(map[string]Provider),
	}
}

// Register binds an exact model name to a provider.
func (r *Registry) Register(model string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact[model] = p
}

// RegisterPrefix binds every model name starting with prefix to a
// provider.
func (r *Registry) RegisterPrefix(prefix string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes[prefix] = p
}

// ForModel resolves the provider serving a model name. Returns
// ErrNoProvider when nothing matches.
func (r *Registry) ForModel(model string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.exact[model]; ok {
		return p, nil
	}

	var (
		best    Provider
		bestLen = -1
	)
	for prefix, p := range r.prefixes {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best = p
			bestLen = len(prefix)
		}
	}
	if best != nil {
		return best, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNoProvider, model)
}

// Models known to route to each vendor. Used by NewRegistryFromKeys and
// kept separate so tests can assert routing without live providers.
var (
	openAIPrefixes    = []string{"gpt-", "o1", "o3", "o4", "chatgpt-"}
	anthropicPrefixes = []string{"claude-"}
)

// NewRegistryFromKeys builds the registry the binary runs with.
// Providers whose API key is empty are not registered; resolving one of
// their models then fails with ErrNoProvider.
func NewRegistryFromKeys(openAIKey, anthropicKey string) *Registry {
	r := NewRegistry()
	if openAIKey != "" {
		p := NewOpenAIProvider(openAIKey)
		for _, prefix := range openAIPrefixes {
			r.RegisterPrefix(prefix, p)
		}
	}
	if anthropicKey != "" {
		p := NewAnthropicProvider(anthropicKey)
		for _, prefix := range anthropicPrefixes {
			r.RegisterPrefix(prefix, p)
		}
	}
	return r
}
