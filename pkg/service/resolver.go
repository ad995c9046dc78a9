package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/datasleuth/datasleuth/pkg/config"
	"github.com/datasleuth/datasleuth/pkg/datasource"
	"github.com/datasleuth/datasleuth/pkg/lineage"
)

// Catalog supplies each tenant's stored source and lineage bindings.
// config.Store implements it.
type Catalog interface {
	DataSource(tenantID string) (config.SourceConfig, error)
	LineageProviders(tenantID string) []config.LineageSpec
}

// Resolver turns tenant bindings into live adapters and lineage
// providers through the process-wide registries. Resolved instances
// are cached per tenant: the concrete adapters here sit on pooled
// connections and tolerate concurrent investigations.
type Resolver struct {
	catalog   Catalog
	sources   *datasource.Registry
	providers *lineage.Registry
	logger    *slog.Logger

	mu       sync.Mutex
	adapters map[string]datasource.SQLAdapter
	lineages map[string]lineage.Provider
}

// NewResolver creates a Resolver over the given registries.
func NewResolver(catalog Catalog, sources *datasource.Registry, providers *lineage.Registry, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		catalog:   catalog,
		sources:   sources,
		providers: providers,
		logger:    logger,
		adapters:  map[string]datasource.SQLAdapter{},
		lineages:  map[string]lineage.Provider{},
	}
}

// Adapter resolves and connects the tenant's data-source adapter. The
// first call per tenant pays the connection cost; later calls reuse it.
func (r *Resolver) Adapter(ctx context.Context, tenantID string) (datasource.SQLAdapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if adapter, ok := r.adapters[tenantID]; ok {
		return adapter, nil
	}

	sc, err := r.catalog.DataSource(tenantID)
	if err != nil {
		return nil, err
	}
	sourceType := datasource.ParseSourceType(sc.Type)
	if sourceType == datasource.SourceUnknown {
		return nil, fmt.Errorf("tenant %q: unknown source type %q", tenantID, sc.Type)
	}

	adapter, err := r.sources.Create(sourceType, sc.Config)
	if err != nil {
		return nil, fmt.Errorf("tenant %q: creating %s adapter: %w", tenantID, sourceType, err)
	}
	sqlAdapter, ok := adapter.(datasource.SQLAdapter)
	if !ok || !adapter.Capabilities().SQL {
		return nil, fmt.Errorf("tenant %q: source type %s cannot execute SQL probes", tenantID, sourceType)
	}
	if err := sqlAdapter.Connect(ctx); err != nil {
		return nil, fmt.Errorf("tenant %q: connecting to %s: %w", tenantID, sourceType, err)
	}

	r.adapters[tenantID] = sqlAdapter
	return sqlAdapter, nil
}

// Lineage resolves the tenant's lineage providers into a single
// provider: nil when none are bound, the provider itself for one, a
// priority-ordered composite for several. A binding that fails to
// construct is skipped, not fatal.
func (r *Resolver) Lineage(_ context.Context, tenantID string) (lineage.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.lineages[tenantID]; ok {
		return p, nil
	}

	specs := r.catalog.LineageProviders(tenantID)
	if len(specs) == 0 {
		return nil, nil
	}

	var built []lineage.Provider
	for _, spec := range specs {
		p, err := r.providers.Create(lineage.ProviderType(spec.Type), spec.Config)
		if err != nil {
			r.logger.Warn("skipping lineage provider",
				"tenant_id", tenantID, "type", spec.Type, "error", err)
			continue
		}
		built = append(built, p)
	}
	if len(built) == 0 {
		return nil, fmt.Errorf("tenant %q: no lineage provider could be constructed", tenantID)
	}

	var provider lineage.Provider
	if len(built) == 1 {
		provider = built[0]
	} else {
		provider = lineage.NewComposite(r.logger, built...)
	}
	r.lineages[tenantID] = provider
	return provider, nil
}

// Close disconnects every cached adapter.
func (r *Resolver) Close(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tenantID, adapter := range r.adapters {
		if err := adapter.Disconnect(ctx); err != nil {
			r.logger.Warn("adapter disconnect failed", "tenant_id", tenantID, "error", err)
		}
		delete(r.adapters, tenantID)
	}
}
