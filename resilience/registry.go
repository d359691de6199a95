package resilience

import (
	"sync"

	"github.com/flowstack-io/flowstack/core"
)

// Registry holds one breaker per key (typically a provider name). It is safe
// for concurrent use; the process-wide default lives behind DefaultRegistry.
type Registry struct {
	mu       sync.Mutex
	cfg      core.BreakerConfig
	logger   core.Logger
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share the given thresholds.
func NewRegistry(cfg core.BreakerConfig, logger core.Logger) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	applyBreakerDefaults(&cfg)
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for key, creating it on first use.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := NewBreaker(key, r.cfg, r.logger)
	r.breakers[key] = b
	return b
}

// Stats returns snapshots for every breaker in the registry.
func (r *Registry) Stats() map[string]BreakerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]BreakerStats, len(r.breakers))
	for k, b := range r.breakers {
		out[k] = b.Stats()
	}
	return out
}

// ResetAll resets every breaker to CLOSED. Exposed for tests.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}

var (
	defaultRegistry   *Registry
	defaultRegistryMu sync.Mutex
)

// DefaultRegistry returns the process-wide breaker registry keyed by
// provider name.
func DefaultRegistry() *Registry {
	defaultRegistryMu.Lock()
	defer defaultRegistryMu.Unlock()
	if defaultRegistry == nil {
		defaultRegistry = NewRegistry(core.DefaultConfig().Breaker, &core.NoOpLogger{})
	}
	return defaultRegistry
}

// SetDefaultRegistry replaces the process-wide registry. Intended for
// application startup and tests.
func SetDefaultRegistry(r *Registry) {
	defaultRegistryMu.Lock()
	defer defaultRegistryMu.Unlock()
	if r != nil {
		defaultRegistry = r
	}
}
