package pipeline

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/config"
)

// FactoryConfig carries everything a component factory needs to build one
// adapter instance.
type FactoryConfig struct {
	// Key is the full component key being built ("deepgram_stt").
	Key string

	// Provider and Role are the parsed halves of Key.
	Provider string
	Role     Role

	// Settings is the provider's configuration block. The zero value is used
	// when no block is declared, in which case the factory falls back to its
	// provider defaults (environment keys, local endpoints).
	Settings config.ProviderConfig

	// Options is the pipeline's per-role option map. May be nil.
	Options map[string]any

	Log *slog.Logger
}

// Factory builds one component adapter instance.
type Factory func(fc FactoryConfig) (Component, error)

// Registry maps component keys to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under key. It panics on duplicates, which indicates
// a programming error in package init.
func (r *Registry) Register(key string, f Factory) {
	if _, _, err := SplitKey(key); err != nil {
		panic(err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[key]; dup {
		panic("pipeline: duplicate component registration: " + key)
	}
	r.factories[key] = f
}

// Has reports whether key has a registered factory. Wildcard keys always
// resolve.
func (r *Registry) Has(key string) bool {
	if isWildcard(key) {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[key]
	return ok
}

// Keys returns the registered component keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Build constructs the adapter for key. The wildcard "*_<role>" yields a
// placeholder adapter whose invocations fail with ErrNotImplemented.
func (r *Registry) Build(key string, fc FactoryConfig) (Component, error) {
	if isWildcard(key) {
		if role := Role(strings.TrimPrefix(key, "*_")); !role.IsValid() {
			return nil, fmt.Errorf("pipeline: malformed wildcard key %q", key)
		}
		return &noop{key: key}, nil
	}
	r.mu.RLock()
	f, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown component key %q", key)
	}
	return f(fc)
}

func isWildcard(key string) bool {
	return strings.HasPrefix(key, "*_")
}

// defaultRegistry holds the built-in adapters registered by this package.
var defaultRegistry = NewRegistry()

// Register adds a factory to the default registry.
func Register(key string, f Factory) {
	defaultRegistry.Register(key, f)
}

// DefaultRegistry returns the registry holding the built-in adapters.
func DefaultRegistry() *Registry {
	return defaultRegistry
}
