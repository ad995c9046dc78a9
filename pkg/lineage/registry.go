package lineage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/datasleuth/datasleuth/pkg/datasource"
)

// ProviderType identifies a kind of lineage provider.
type ProviderType string

const (
	ProviderMarquez ProviderType = "marquez"
	ProviderSQL     ProviderType = "sql"
)

// Factory builds a provider from its raw configuration.
type Factory func(config map[string]any) (Provider, error)

// ProviderTypeDefinition bundles the metadata the registry serves for
// one provider type. Config schemas reuse the data-source field model
// so the tenancy layer renders both the same way.
type ProviderTypeDefinition struct {
	Type         ProviderType            `json:"type"`
	DisplayName  string                  `json:"display_name"`
	Description  string                  `json:"description,omitempty"`
	Capabilities Capabilities            `json:"capabilities"`
	ConfigSchema datasource.ConfigSchema `json:"config_schema"`
}

// Registry maps provider types to factories. Written once at process
// init, read-only afterwards.
type Registry struct {
	mu          sync.RWMutex
	definitions map[ProviderType]ProviderTypeDefinition
	factories   map[ProviderType]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		definitions: map[ProviderType]ProviderTypeDefinition{},
		factories:   map[ProviderType]Factory{},
	}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// Register adds a provider type. Duplicate registrations are rejected.
func (r *Registry) Register(def ProviderTypeDefinition, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("nil factory for lineage provider %q", def.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[def.Type]; exists {
		return fmt.Errorf("lineage provider %q already registered", def.Type)
	}
	r.definitions[def.Type] = def
	r.factories[def.Type] = factory
	return nil
}

// MustRegister panics on registration failure; intended for init-time
// wiring where a duplicate is a programming error.
func (r *Registry) MustRegister(def ProviderTypeDefinition, factory Factory) {
	if err := r.Register(def, factory); err != nil {
		panic(err)
	}
}

// Definition returns the metadata for one provider type.
func (r *Registry) Definition(t ProviderType) (ProviderTypeDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[t]
	if !ok {
		return ProviderTypeDefinition{}, fmt.Errorf("unknown lineage provider type %q", t)
	}
	return def, nil
}

// Definitions lists all registered provider types, sorted by type.
func (r *Registry) Definitions() []ProviderTypeDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ProviderTypeDefinition, 0, len(r.definitions))
	for _, def := range r.definitions {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Type < defs[j].Type })
	return defs
}

// Create validates the config against the provider's schema and
// instantiates it.
func (r *Registry) Create(t ProviderType, config map[string]any) (Provider, error) {
	r.mu.RLock()
	def, ok := r.definitions[t]
	factory := r.factories[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown lineage provider type %q", t)
	}
	if err := def.ConfigSchema.Validate(config); err != nil {
		return nil, fmt.Errorf("invalid config for lineage provider %q: %w", t, err)
	}
	return factory(config)
}
