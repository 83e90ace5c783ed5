package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// Registry maps transport names to their builders so the backend can be
// selected from configuration.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
	caps     map[string]Capabilities
}

// DefaultRegistry is the registry package-level Register calls populate.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{
		builders: make(map[string]Builder),
		caps:     make(map[string]Capabilities),
	}
}

// Register adds a builder under the given name, replacing any previous
// registration.
func (r *Registry) Register(name string, builder Builder) {
	r.RegisterWithCapabilities(name, builder, Capabilities{})
}

// RegisterWithCapabilities adds a builder along with what it supports.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
	r.caps[name] = caps
}

// Build constructs the transport selected by cfg.GetTransport.
func (r *Registry) Build(ctx context.Context, name string, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	kind := cfg.GetTransport()
	r.mu.RLock()
	builder, ok := r.builders[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown transport %q (registered: %v)", ErrUnknownTransport, kind, r.Names())
	}
	return builder(ctx, name, cfg, logger)
}

// Names lists the registered transports in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a transport is registered under the given name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}

// CapabilitiesOf returns the declared capabilities for a transport.
func (r *Registry) CapabilitiesOf(name string) (Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps, ok := r.caps[name]
	return caps, ok
}

// Register adds a builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a builder with capabilities to the default
// registry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build constructs a transport from the default registry.
func Build(ctx context.Context, name string, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, name, cfg, logger)
}
