package contextengine

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datasleuth/datasleuth/pkg/datasource"
	"github.com/datasleuth/datasleuth/pkg/models"
)

// fakeSQLAdapter serves a canned schema and routes probe queries to
// canned results by substring.
type fakeSQLAdapter struct {
	schema  *datasource.SchemaResponse
	results map[string]*datasource.QueryResult // matched by substring
	queries []string
}

func (f *fakeSQLAdapter) Type() datasource.SourceType { return datasource.SourcePostgres }
func (f *fakeSQLAdapter) Capabilities() datasource.Capabilities {
	return datasource.Capabilities{SQL: true, RowCount: true, ColumnStats: true, Preview: true}
}
func (f *fakeSQLAdapter) Connect(context.Context) error    { return nil }
func (f *fakeSQLAdapter) Disconnect(context.Context) error { return nil }
func (f *fakeSQLAdapter) TestConnection(context.Context) (*datasource.ConnectionTestResult, error) {
	return &datasource.ConnectionTestResult{Success: true}, nil
}
func (f *fakeSQLAdapter) GetSchema(_ context.Context, _ string) (*datasource.SchemaResponse, error) {
	return f.schema, nil
}
func (f *fakeSQLAdapter) Preview(context.Context, string, int) (*datasource.QueryResult, error) {
	return &datasource.QueryResult{}, nil
}
func (f *fakeSQLAdapter) Sample(context.Context, string, int) (*datasource.QueryResult, error) {
	return &datasource.QueryResult{}, nil
}
func (f *fakeSQLAdapter) CountRows(context.Context, string) (int64, error) { return 0, nil }
func (f *fakeSQLAdapter) ColumnStats(context.Context, string, []string) (map[string]datasource.ColumnStats, error) {
	return nil, nil
}

func (f *fakeSQLAdapter) ExecuteQuery(_ context.Context, sql string, _ datasource.QueryOptions) (*datasource.QueryResult, error) {
	f.queries = append(f.queries, sql)
	for key, result := range f.results {
		if strings.Contains(sql, key) {
			return result, nil
		}
	}
	return &datasource.QueryResult{}, nil
}

func testSchema() *datasource.SchemaResponse {
	return &datasource.SchemaResponse{
		Catalogs: []datasource.Catalog{{
			Name: "db",
			Schemas: []datasource.Schema{{
				Name: "public",
				Tables: []datasource.Table{
					{
						Name: "orders", NativePath: "public.orders",
						Columns: []datasource.Column{
							{Name: "id", DataType: datasource.TypeInteger},
							{Name: "customer_id", DataType: datasource.TypeInteger},
							{Name: "amount", DataType: datasource.TypeDecimal, Nullable: true},
							{Name: "created_at", DataType: datasource.TypeTimestamp},
						},
					},
					{
						Name: "customers", NativePath: "public.customers",
						Columns: []datasource.Column{
							{Name: "customer_id", DataType: datasource.TypeInteger},
							{Name: "name", DataType: datasource.TypeString},
							{Name: "created_at", DataType: datasource.TypeTimestamp},
						},
					},
					{
						Name: "audit_log", NativePath: "public.audit_log",
						Columns: []datasource.Column{
							{Name: "entry", DataType: datasource.TypeString},
						},
					},
				},
			}},
		}},
	}
}

func testAlert() models.AnomalyAlert {
	return models.AnomalyAlert{
		DatasetID:   "public.orders",
		MetricSpec:  models.MetricSpec{Kind: "null_rate", Column: "amount"},
		AnomalyType: models.AnomalyTypeNullRate,
		AnomalyDate: "2026-03-10",
		Severity:    models.SeverityHigh,
	}
}

func TestGatherTargetNotFound(t *testing.T) {
	adapter := &fakeSQLAdapter{schema: testSchema()}
	engine := New(adapter, slog.Default())

	alert := testAlert()
	alert.DatasetID = "public.missing"
	_, err := engine.Gather(context.Background(), alert)
	require.Error(t, err)
	var sde *SchemaDiscoveryError
	assert.ErrorAs(t, err, &sde)
}

func TestGatherRelatedTables(t *testing.T) {
	adapter := &fakeSQLAdapter{schema: testSchema()}
	engine := New(adapter, slog.Default())

	ic, err := engine.Gather(context.Background(), testAlert())
	require.NoError(t, err)
	require.NotNil(t, ic.TargetTable)
	assert.Equal(t, "public.orders", ic.TargetTable.NativePath)

	// customers shares customer_id; audit_log shares nothing
	require.Len(t, ic.RelatedTables, 1)
	assert.Equal(t, "public.customers", ic.RelatedTables[0].Table)
	assert.Equal(t, "customer_id", ic.RelatedTables[0].SharedColumn)
}

func TestGatherCorrelationAboveThreshold(t *testing.T) {
	adapter := &fakeSQLAdapter{
		schema: testSchema(),
		results: map[string]*datasource.QueryResult{
			"unmatched": {Rows: []map[string]any{{"total": int64(200), "unmatched": int64(50)}}},
		},
	}
	engine := New(adapter, slog.Default())

	ic, err := engine.Gather(context.Background(), testAlert())
	require.NoError(t, err)

	require.Len(t, ic.Correlations, 1)
	c := ic.Correlations[0]
	assert.Equal(t, "public.customers", c.Table)
	assert.InDelta(t, 25.0, c.UnmatchedRate, 1e-9)
	assert.InDelta(t, 0.25, c.Strength, 1e-9)
	assert.Contains(t, c.EvidenceQuery, "LEFT JOIN public.orders")
	assert.Contains(t, c.EvidenceQuery, "'2026-03-10'", "date filter on the anomaly date")
}

func TestGatherCorrelationBelowThresholdIgnored(t *testing.T) {
	adapter := &fakeSQLAdapter{
		schema: testSchema(),
		results: map[string]*datasource.QueryResult{
			"unmatched": {Rows: []map[string]any{{"total": int64(200), "unmatched": int64(10)}}},
		},
	}
	engine := New(adapter, slog.Default())

	ic, err := engine.Gather(context.Background(), testAlert())
	require.NoError(t, err)
	assert.Empty(t, ic.Correlations, "5 % unmatched is below the 10 % threshold")
}

func TestGatherUpstreamNullRate(t *testing.T) {
	adapter := &fakeSQLAdapter{
		schema: testSchema(),
		results: map[string]*datasource.QueryResult{
			"nulls": {Rows: []map[string]any{{"total": int64(1000), "nulls": int64(80)}}},
		},
	}
	engine := New(adapter, slog.Default())

	ic, err := engine.Gather(context.Background(), testAlert())
	require.NoError(t, err)

	require.Len(t, ic.UpstreamAnomalies, 1)
	ua := ic.UpstreamAnomalies[0]
	assert.Equal(t, "public.customers", ua.Table)
	assert.Equal(t, "customer_id", ua.Column)
	assert.InDelta(t, 8.0, ua.NullRate, 1e-9)
	assert.Equal(t, int64(1000), ua.TotalRows)
}

func TestGatherTimeSeriesSpike(t *testing.T) {
	rows := []map[string]any{
		{"day": "2026-03-03", "total": int64(100), "null_count": int64(2)},
		{"day": "2026-03-04", "total": int64(110), "null_count": int64(2)},
		{"day": "2026-03-05", "total": int64(105), "null_count": int64(3)},
		{"day": "2026-03-09", "total": int64(100), "null_count": int64(30)},
		{"day": "2026-03-10", "total": int64(100), "null_count": int64(90)},
	}
	adapter := &fakeSQLAdapter{
		schema: testSchema(),
		results: map[string]*datasource.QueryResult{
			"null_count": {Rows: rows},
		},
	}
	engine := New(adapter, slog.Default())

	ic, err := engine.Gather(context.Background(), testAlert())
	require.NoError(t, err)

	require.NotNil(t, ic.Pattern)
	assert.Equal(t, models.PatternSpike, ic.Pattern.Kind)
	assert.Equal(t, "amount", ic.Pattern.Column)
	assert.Equal(t, "2026-03-10", ic.Pattern.End)
	assert.Equal(t, "2026-03-09", ic.Pattern.Start, "adjacent day above 2x baseline extends the interval")
	assert.Len(t, ic.Pattern.Daily, 5)
}

func TestGatherProbeFailureDegrades(t *testing.T) {
	adapter := &fakeSQLAdapter{schema: testSchema()}
	engine := New(adapter, slog.Default())

	ic, err := engine.Gather(context.Background(), testAlert())
	require.NoError(t, err, "empty probe results never fail the gather")
	assert.Empty(t, ic.Correlations)
	assert.Nil(t, ic.Pattern)
	assert.Empty(t, ic.UpstreamAnomalies)
}

func TestDetectPatternDrop(t *testing.T) {
	daily := []models.DailyMetric{
		{Date: "d1", Total: 100},
		{Date: "d2", Total: 120},
		{Date: "d3", Total: 110},
		{Date: "d4", Total: 20},
	}
	p := DetectPattern(daily, false)
	require.NotNil(t, p)
	assert.Equal(t, models.PatternDrop, p.Kind)
	assert.InDelta(t, 110.0, p.Baseline, 1e-9, "median of first three days")
	assert.InDelta(t, 20.0, p.Extreme, 1e-9)
	assert.InDelta(t, (110.0-20.0)/110.0, p.Severity, 1e-9)
	assert.Equal(t, "d4", p.Start)
}

func TestDetectPatternSeverityCap(t *testing.T) {
	daily := []models.DailyMetric{
		{Date: "d1", Total: 10},
		{Date: "d2", Total: 10},
		{Date: "d3", Total: 10},
		{Date: "d4", Total: 100000},
	}
	p := DetectPattern(daily, false)
	require.NotNil(t, p)
	assert.Equal(t, models.PatternSpike, p.Kind)
	assert.InDelta(t, 10.0, p.Severity, 1e-9, "severity caps at 10")
}

func TestDetectPatternStable(t *testing.T) {
	daily := []models.DailyMetric{
		{Date: "d1", Total: 100},
		{Date: "d2", Total: 105},
		{Date: "d3", Total: 95},
		{Date: "d4", Total: 102},
	}
	assert.Nil(t, DetectPattern(daily, false))
}
