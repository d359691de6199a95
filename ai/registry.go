package ai

import (
	"fmt"
	"sort"
	"sync"

	"github.com/flowstack-io/flowstack/core"
	"github.com/flowstack-io/flowstack/storage"
)

// Factory builds a Client from a stored connection.
type Factory func(conn *storage.Connection, logger core.Logger) (Client, error)

// Registry maps provider names to client factories. Providers register
// themselves in an init function; applications may override entries.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for a provider name.
func (r *Registry) Register(provider string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[provider] = factory
}

// Create builds a client for the connection's provider.
func (r *Registry) Create(conn *storage.Connection, logger core.Logger) (Client, error) {
	r.mu.RLock()
	factory, ok := r.factories[conn.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, core.NewError(core.KindProviderError,
			fmt.Sprintf("no client registered for provider %q", conn.Provider))
	}
	return factory(conn, logger)
}

// Providers returns the registered provider names, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide provider registry.
func DefaultRegistry() *Registry { return defaultRegistry }

// Register adds a factory to the process-wide registry.
func Register(provider string, factory Factory) {
	defaultRegistry.Register(provider, factory)
}
