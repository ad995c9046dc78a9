package datasource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	sourceType SourceType
}

func (a *stubAdapter) Type() SourceType           { return a.sourceType }
func (a *stubAdapter) Capabilities() Capabilities { return Capabilities{Preview: true} }
func (a *stubAdapter) Connect(context.Context) error {
	return nil
}
func (a *stubAdapter) Disconnect(context.Context) error { return nil }
func (a *stubAdapter) TestConnection(context.Context) (*ConnectionTestResult, error) {
	return &ConnectionTestResult{Success: true}, nil
}
func (a *stubAdapter) GetSchema(context.Context, string) (*SchemaResponse, error) {
	return &SchemaResponse{SourceType: a.sourceType}, nil
}
func (a *stubAdapter) Preview(context.Context, string, int) (*QueryResult, error) {
	return &QueryResult{}, nil
}
func (a *stubAdapter) Sample(context.Context, string, int) (*QueryResult, error) {
	return nil, NotImplemented(a.sourceType, "Sample")
}
func (a *stubAdapter) CountRows(context.Context, string) (int64, error) {
	return 0, NotImplemented(a.sourceType, "CountRows")
}

func stubDefinition() SourceTypeDefinition {
	return SourceTypeDefinition{
		Type:        SourcePostgres,
		DisplayName: "PostgreSQL",
		ConfigSchema: ConfigSchema{Groups: []FieldGroup{{
			Name: "connection",
			Fields: []ConfigField{
				{Name: "host", Kind: FieldString, Required: true},
				{Name: "sslmode", Kind: FieldEnum, EnumValues: []string{"disable", "require"}},
			},
		}}},
	}
}

func TestRegistryCreate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubDefinition(), func(config map[string]any) (Adapter, error) {
		return &stubAdapter{sourceType: SourcePostgres}, nil
	}))

	adapter, err := r.Create(SourcePostgres, map[string]any{"host": "localhost"})
	require.NoError(t, err)
	assert.Equal(t, SourcePostgres, adapter.Type())
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	factory := func(map[string]any) (Adapter, error) { return &stubAdapter{}, nil }
	require.NoError(t, r.Register(stubDefinition(), factory))
	assert.Error(t, r.Register(stubDefinition(), factory))
}

func TestRegistryUnknownType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create(SourceMongoDB, nil)
	var aerr *AdapterError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, CodeInvalidConfig, aerr.Code)
}

func TestRegistryValidatesConfig(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubDefinition(), func(map[string]any) (Adapter, error) {
		return &stubAdapter{}, nil
	}))

	_, err := r.Create(SourcePostgres, map[string]any{})
	var aerr *AdapterError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, CodeMissingRequiredField, aerr.Code)

	_, err = r.Create(SourcePostgres, map[string]any{"host": "x", "sslmode": "bogus"})
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, CodeInvalidConfig, aerr.Code)
}

func TestRegistryDerivesCategory(t *testing.T) {
	r := NewRegistry()
	def := stubDefinition()
	def.Category = "" // registry derives it
	require.NoError(t, r.Register(def, func(map[string]any) (Adapter, error) {
		return &stubAdapter{}, nil
	}))

	got, err := r.Definition(SourcePostgres)
	require.NoError(t, err)
	assert.Equal(t, CategoryDatabase, got.Category)
	assert.Equal(t, CategoryAPI, SourceRESTAPI.CategoryOf())
	assert.Equal(t, CategoryFilesystem, SourceLocalFS.CategoryOf())
}

func TestErrorTaxonomyRetryability(t *testing.T) {
	tests := []struct {
		code      ErrorCode
		retryable bool
	}{
		{CodeConnectionFailed, true},
		{CodeConnectionTimeout, true},
		{CodeQueryTimeout, true},
		{CodeResourceExhausted, true},
		{CodeRateLimited, true},
		{CodeSchemaFetchFailed, true},
		{CodeAuthenticationFailed, false},
		{CodeAccessDenied, false},
		{CodeInsufficientPermissions, false},
		{CodeQuerySyntaxError, false},
		{CodeTableNotFound, false},
		{CodeNotImplemented, false},
		{CodeInternalError, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.retryable, NewError(tt.code, "x", nil).Retryable)
		})
	}

	assert.Equal(t, int64(60), int64(NewError(CodeResourceExhausted, "x", nil).RetryAfter.Seconds()))
}
