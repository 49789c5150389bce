package ai

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Settings is what a factory needs to build its provider.
type Settings struct {
	BaseURL     string
	APIKey      string
	Model       string
	VisionModel string
}

type ProviderFactory func(ctx context.Context, s Settings) (Provider, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

// DefaultRegistry knows the built-in providers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("ollama", func(_ context.Context, s Settings) (Provider, error) {
		return NewOllamaProvider(s.BaseURL, s.Model, s.VisionModel), nil
	})
	r.Register("openrouter", func(_ context.Context, s Settings) (Provider, error) {
		if strings.TrimSpace(s.APIKey) == "" {
			return nil, fmt.Errorf("openrouter: api key is required")
		}
		return NewOpenRouterProvider(s.BaseURL, s.APIKey, s.Model), nil
	})
	return r
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Registry) Register(name string, f ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[normalize(name)] = f
}

func (r *Registry) Get(ctx context.Context, name string, s Settings) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[normalize(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown ai provider: %s", name)
	}
	return f(ctx, s)
}

// Engine builds the named provider and wraps it as an Engine.
func (r *Registry) Engine(ctx context.Context, name string, s Settings) (Engine, error) {
	p, err := r.Get(ctx, name, s)
	if err != nil {
		return nil, err
	}
	return NewAssistant(normalize(name), p), nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
