package fetcher

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/parlcrawl/crawlkit/internal/config"
	"github.com/parlcrawl/crawlkit/internal/crawl"
)

// Factory builds a fetcher from configuration. The returned cleanup releases
// any browser or connection resources and may be nil.
type Factory func(cfg config.FetchersConfig, logger *zap.Logger) (crawl.Fetcher, func(), error)

// Registry maps fetcher names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" || factory == nil {
		return fmt.Errorf("register fetcher: name and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("register fetcher: %q already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Build instantiates the fetcher registered under name.
func (r *Registry) Build(name string, cfg config.FetchersConfig, logger *zap.Logger) (crawl.Fetcher, func(), error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("unknown fetcher %q (available: %v)", name, r.Names())
	}
	f, cleanup, err := factory(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build fetcher %q: %w", name, err)
	}
	if cleanup == nil {
		cleanup = func() {}
	}
	return f, cleanup, nil
}

// Names lists registered fetchers in order.
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
