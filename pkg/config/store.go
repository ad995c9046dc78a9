package config

import (
	"fmt"
	"sort"

	"dario.cat/mergo"

	"github.com/datasleuth/datasleuth/pkg/breaker"
	"github.com/datasleuth/datasleuth/pkg/orchestrator"
)

// Store answers per-tenant configuration questions: which budgets apply
// and which data source and lineage providers the tenant is bound to.
// Tenant entries override the global budgets field by field; an unknown
// tenant gets the globals and no source binding.
type Store struct {
	cfg *Config
}

// NewStore wraps a loaded configuration.
func NewStore(cfg *Config) *Store {
	return &Store{cfg: cfg}
}

// OrchestratorConfig returns the effective orchestrator budgets for a
// tenant.
func (s *Store) OrchestratorConfig(tenantID string) orchestrator.Config {
	out := s.cfg.Orchestrator
	if tenant, ok := s.cfg.Tenants[tenantID]; ok && tenant.Orchestrator != nil {
		// tenant values win where set; zero fields keep the global value
		if err := mergo.Merge(&out, *tenant.Orchestrator, mergo.WithOverride); err != nil {
			return s.cfg.Orchestrator
		}
	}
	return out
}

// BreakerConfig returns the effective circuit-breaker budgets for a
// tenant.
func (s *Store) BreakerConfig(tenantID string) breaker.Config {
	out := s.cfg.Breaker
	if tenant, ok := s.cfg.Tenants[tenantID]; ok && tenant.Breaker != nil {
		if err := mergo.Merge(&out, *tenant.Breaker, mergo.WithOverride); err != nil {
			return s.cfg.Breaker
		}
	}
	return out
}

// LookbackDays returns the context-engine window half-width. Global for
// now; per-tenant tuning would hang off TenantConfig.
func (s *Store) LookbackDays(string) int {
	return s.cfg.Context.LookbackDays
}

// DataSource returns the tenant's (source_type, config) binding.
func (s *Store) DataSource(tenantID string) (SourceConfig, error) {
	tenant, ok := s.cfg.Tenants[tenantID]
	if !ok {
		return SourceConfig{}, fmt.Errorf("%w: %q", ErrTenantNotFound, tenantID)
	}
	return tenant.DataSource, nil
}

// LineageProviders returns the tenant's lineage bindings ordered by
// descending priority, ready for the composite. Empty when the tenant
// has none.
func (s *Store) LineageProviders(tenantID string) []LineageSpec {
	tenant, ok := s.cfg.Tenants[tenantID]
	if !ok || len(tenant.Lineage) == 0 {
		return nil
	}
	out := make([]LineageSpec, len(tenant.Lineage))
	copy(out, tenant.Lineage)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}
