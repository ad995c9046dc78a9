package service

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datasleuth/datasleuth/pkg/config"
	"github.com/datasleuth/datasleuth/pkg/datasource"
	"github.com/datasleuth/datasleuth/pkg/lineage"
	"github.com/datasleuth/datasleuth/pkg/lineage/sqllineage"
)

type mapCatalog struct {
	sources map[string]config.SourceConfig
	specs   map[string][]config.LineageSpec
}

func (c mapCatalog) DataSource(tenantID string) (config.SourceConfig, error) {
	sc, ok := c.sources[tenantID]
	if !ok {
		return config.SourceConfig{}, config.ErrTenantNotFound
	}
	return sc, nil
}

func (c mapCatalog) LineageProviders(tenantID string) []config.LineageSpec {
	return c.specs[tenantID]
}

func newStubRegistry(t *testing.T, adapter datasource.Adapter) *datasource.Registry {
	t.Helper()
	r := datasource.NewRegistry()
	r.MustRegister(datasource.SourceTypeDefinition{
		Type:        datasource.SourcePostgres,
		DisplayName: "Stub",
	}, func(map[string]any) (datasource.Adapter, error) {
		return adapter, nil
	})
	return r
}

func TestResolverAdapterResolvesAndCaches(t *testing.T) {
	adapter := &stubAdapter{}
	catalog := mapCatalog{sources: map[string]config.SourceConfig{
		"acme": {Type: "postgres"},
	}}
	r := NewResolver(catalog, newStubRegistry(t, adapter), lineage.NewRegistry(), slog.Default())

	got, err := r.Adapter(context.Background(), "acme")
	require.NoError(t, err)
	assert.Same(t, adapter, got)

	again, err := r.Adapter(context.Background(), "acme")
	require.NoError(t, err)
	assert.Same(t, got, again)
}

func TestResolverAdapterUnknownTenant(t *testing.T) {
	r := NewResolver(mapCatalog{}, newStubRegistry(t, &stubAdapter{}), lineage.NewRegistry(), slog.Default())
	_, err := r.Adapter(context.Background(), "ghost")
	assert.ErrorIs(t, err, config.ErrTenantNotFound)
}

func TestResolverAdapterRejectsUnknownSourceType(t *testing.T) {
	catalog := mapCatalog{sources: map[string]config.SourceConfig{
		"acme": {Type: "oracle9i"},
	}}
	r := NewResolver(catalog, newStubRegistry(t, &stubAdapter{}), lineage.NewRegistry(), slog.Default())
	_, err := r.Adapter(context.Background(), "acme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source type")
}

func TestResolverLineageNoneBound(t *testing.T) {
	catalog := mapCatalog{sources: map[string]config.SourceConfig{"acme": {Type: "postgres"}}}
	r := NewResolver(catalog, newStubRegistry(t, &stubAdapter{}), lineage.NewRegistry(), slog.Default())

	p, err := r.Lineage(context.Background(), "acme")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestResolverLineageSingleProvider(t *testing.T) {
	lr := lineage.NewRegistry()
	sqllineage.Register(lr)

	catalog := mapCatalog{
		sources: map[string]config.SourceConfig{"acme": {Type: "postgres"}},
		specs: map[string][]config.LineageSpec{
			"acme": {{Type: "sql", Priority: 1, Config: map[string]any{}}},
		},
	}
	r := NewResolver(catalog, newStubRegistry(t, &stubAdapter{}), lr, slog.Default())

	p, err := r.Lineage(context.Background(), "acme")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "sqllineage", p.Name())
}
