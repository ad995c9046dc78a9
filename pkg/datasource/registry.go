package datasource

import (
	"fmt"
	"sort"
	"sync"
)

// SourceTypeDefinition bundles everything the platform needs to present
// and instantiate one source type.
type SourceTypeDefinition struct {
	Type         SourceType   `json:"type"`
	DisplayName  string       `json:"display_name"`
	Category     Category     `json:"category"`
	Icon         string       `json:"icon,omitempty"`
	Description  string       `json:"description,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
	ConfigSchema ConfigSchema `json:"config_schema"`
}

// Factory builds an adapter from a raw config map. The registry
// validates the config against the type's ConfigSchema before calling
// the factory.
type Factory func(config map[string]any) (Adapter, error)

// Registry maps source types to definitions and factories. It is
// written once at process init (explicit registration table in main)
// and read-only afterwards; the mutex only guards against misuse during
// init.
type Registry struct {
	mu      sync.RWMutex
	entries map[SourceType]registration
}

type registration struct {
	def     SourceTypeDefinition
	factory Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[SourceType]registration)}
}

// defaultRegistry is the process-wide registry populated at startup.
var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// Register adds a source type. Registering the same type twice is a
// programming error.
func (r *Registry) Register(def SourceTypeDefinition, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if def.Type == "" || def.Type == SourceUnknown {
		return fmt.Errorf("cannot register source type %q", def.Type)
	}
	if _, exists := r.entries[def.Type]; exists {
		return fmt.Errorf("source type %q already registered", def.Type)
	}
	if factory == nil {
		return fmt.Errorf("source type %q has nil factory", def.Type)
	}
	def.Category = def.Type.CategoryOf()
	r.entries[def.Type] = registration{def: def, factory: factory}
	return nil
}

// MustRegister is Register that panics; used in startup tables where a
// registration failure is unrecoverable.
func (r *Registry) MustRegister(def SourceTypeDefinition, factory Factory) {
	if err := r.Register(def, factory); err != nil {
		panic(err)
	}
}

// Definition returns the definition for a source type.
func (r *Registry) Definition(t SourceType) (SourceTypeDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[t]
	if !ok {
		return SourceTypeDefinition{}, NewError(CodeInvalidConfig, fmt.Sprintf("unknown source type %q", t), nil)
	}
	return reg.def, nil
}

// Definitions returns all registered definitions, sorted by type for
// stable presentation.
func (r *Registry) Definitions() []SourceTypeDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]SourceTypeDefinition, 0, len(r.entries))
	for _, reg := range r.entries {
		defs = append(defs, reg.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Type < defs[j].Type })
	return defs
}

// Create validates the config against the type's schema and instantiates
// an adapter.
func (r *Registry) Create(t SourceType, config map[string]any) (Adapter, error) {
	r.mu.RLock()
	reg, ok := r.entries[t]
	r.mu.RUnlock()
	if !ok {
		return nil, NewError(CodeInvalidConfig, fmt.Sprintf("unknown source type %q", t), nil)
	}
	if err := reg.def.ConfigSchema.Validate(config); err != nil {
		return nil, err
	}
	return reg.factory(config)
}
