package navigation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/docket/model"
)

// Params is what a factory receives to build a session for one job.
type Params struct {
	Job    model.Job
	Logger *zap.Logger
}

// Factory builds a fresh Capability for one job.
type Factory func(ctx context.Context, params Params) (Capability, error)

// Registry holds the available sources by name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a source. Registering the same name twice replaces it.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Has reports whether a source is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered source names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds a session for the named source.
func (r *Registry) New(ctx context.Context, name string, params Params) (Capability, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, model.NewUnknownSourceError(name)
	}
	nav, err := f(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("navigation: start %s: %w", name, err)
	}
	return nav, nil
}
