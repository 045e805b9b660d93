package ai

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrUnknownProvider   = errors.New("unknown ai provider")
	ErrDuplicateProvider = errors.New("ai provider already registered")
)

type ProviderFactory func(ctx context.Context, model string) (Provider, error)

// Registry resolves a provider by name; the model may be overridden per call.
// Names are case-insensitive.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

func normalize(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// Register adds a factory under name. Registering a name twice is an error.
func (r *Registry) Register(name string, f ProviderFactory) error {
	key := normalize(name)
	if key == "" {
		return errors.New("ai provider name is empty")
	}
	if f == nil {
		return fmt.Errorf("ai provider %q: nil factory", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[key]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, key)
	}
	r.factories[key] = f
	return nil
}

// Get builds the provider registered under name.
func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	key := normalize(name)
	r.mu.RLock()
	f, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnknownProvider, key, strings.Join(r.Names(), ", "))
	}
	p, err := f(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("ai provider %s: %w", key, err)
	}
	if p == nil {
		return nil, fmt.Errorf("ai provider %s: factory returned nil", key)
	}
	return p, nil
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
