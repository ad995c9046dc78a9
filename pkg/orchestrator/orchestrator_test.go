package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datasleuth/datasleuth/pkg/breaker"
	"github.com/datasleuth/datasleuth/pkg/datasource"
	"github.com/datasleuth/datasleuth/pkg/judge"
	"github.com/datasleuth/datasleuth/pkg/models"
)

// mockLLM scripts every model operation.
type mockLLM struct {
	hypotheses  []models.Hypothesis
	queries     []string // popped per GenerateQuery call
	qi          int
	confidences []float64 // popped per InterpretEvidence call
	ci          int
	finding     *models.Finding
}

func (m *mockLLM) GenerateHypotheses(context.Context, models.AnomalyAlert, *models.InvestigationContext, int) ([]models.Hypothesis, error) {
	return m.hypotheses, nil
}

func (m *mockLLM) GenerateQuery(context.Context, models.Hypothesis, *models.InvestigationContext, string) (string, error) {
	if m.qi >= len(m.queries) {
		return "", fmt.Errorf("script exhausted")
	}
	q := m.queries[m.qi]
	m.qi++
	return q, nil
}

func (m *mockLLM) InterpretEvidence(_ context.Context, hyp models.Hypothesis, query string, result *datasource.QueryResult) (*models.Evidence, error) {
	conf := 0.9
	if m.ci < len(m.confidences) {
		conf = m.confidences[m.ci]
		m.ci++
	}
	return &models.Evidence{
		ID:                 fmt.Sprintf("ev-%d", m.ci),
		HypothesisID:       hyp.ID,
		Query:              query,
		RowCount:           result.RowCount,
		SupportsHypothesis: models.VerdictSupports,
		Confidence:         conf,
		Interpretation:     "probe confirms the mechanism",
	}, nil
}

func (m *mockLLM) SynthesizeFindings(context.Context, models.AnomalyAlert, []models.Evidence) (*models.Finding, error) {
	if m.finding != nil {
		f := *m.finding
		return &f, nil
	}
	return &models.Finding{
		RootCause:       "upstream load delivered late",
		Confidence:      0.85,
		Recommendations: []string{"backfill the missed partition"},
	}, nil
}

func (m *mockLLM) Complete(context.Context, string, string) (string, error) {
	return "{}", nil
}

// passScorer accepts every interpretation.
type passScorer struct{}

func (passScorer) ScoreInterpretation(_ context.Context, hyp models.Hypothesis, _ string, _ *models.Evidence) (*judge.Score, error) {
	return &judge.Score{HypothesisID: hyp.ID, Composite: 0.8, Passed: true}, nil
}
func (passScorer) ScoreSynthesis(context.Context, models.AnomalyAlert, *models.Finding) (*judge.Score, error) {
	return &judge.Score{Composite: 0.8, Passed: true}, nil
}

// failOnceScorer fails the first interpretation with a critique, then
// passes.
type failOnceScorer struct{ calls int }

func (s *failOnceScorer) ScoreInterpretation(_ context.Context, hyp models.Hypothesis, _ string, _ *models.Evidence) (*judge.Score, error) {
	s.calls++
	if s.calls == 1 {
		return &judge.Score{
			HypothesisID:          hyp.ID,
			Composite:             0.4,
			Passed:                false,
			LowestDimension:       "specificity",
			ImprovementSuggestion: "name the exact upstream table and the date range affected",
		}, nil
	}
	return &judge.Score{HypothesisID: hyp.ID, Composite: 0.8, Passed: true}, nil
}
func (s *failOnceScorer) ScoreSynthesis(context.Context, models.AnomalyAlert, *models.Finding) (*judge.Score, error) {
	return &judge.Score{Composite: 0.8, Passed: true}, nil
}

// scriptedGatherer returns a fixed context or error.
type scriptedGatherer struct {
	ic  *models.InvestigationContext
	err error
}

func (g *scriptedGatherer) Gather(context.Context, models.AnomalyAlert) (*models.InvestigationContext, error) {
	return g.ic, g.err
}

// probeAdapter counts executions and returns scripted rows or errors.
type probeAdapter struct {
	fakeSQLBase
	rows     []map[string]any
	err      error
	executed []string
}

func (a *probeAdapter) ExecuteQuery(_ context.Context, sql string, _ datasource.QueryOptions) (*datasource.QueryResult, error) {
	a.executed = append(a.executed, sql)
	if a.err != nil {
		return nil, a.err
	}
	return &datasource.QueryResult{Rows: a.rows, RowCount: len(a.rows)}, nil
}

// fakeSQLBase satisfies the rest of the SQLAdapter surface.
type fakeSQLBase struct{}

func (fakeSQLBase) Type() datasource.SourceType { return datasource.SourcePostgres }
func (fakeSQLBase) Capabilities() datasource.Capabilities {
	return datasource.Capabilities{SQL: true}
}
func (fakeSQLBase) Connect(context.Context) error    { return nil }
func (fakeSQLBase) Disconnect(context.Context) error { return nil }
func (fakeSQLBase) TestConnection(context.Context) (*datasource.ConnectionTestResult, error) {
	return &datasource.ConnectionTestResult{Success: true}, nil
}
func (fakeSQLBase) GetSchema(context.Context, string) (*datasource.SchemaResponse, error) {
	return &datasource.SchemaResponse{}, nil
}
func (fakeSQLBase) Preview(context.Context, string, int) (*datasource.QueryResult, error) {
	return &datasource.QueryResult{}, nil
}
func (fakeSQLBase) Sample(context.Context, string, int) (*datasource.QueryResult, error) {
	return &datasource.QueryResult{}, nil
}
func (fakeSQLBase) CountRows(context.Context, string) (int64, error) { return 0, nil }
func (fakeSQLBase) ColumnStats(context.Context, string, []string) (map[string]datasource.ColumnStats, error) {
	return nil, nil
}

func testAlert() models.AnomalyAlert {
	return models.AnomalyAlert{
		DatasetID:    "public.orders",
		MetricSpec:   models.MetricSpec{Kind: "row_count"},
		AnomalyType:  models.AnomalyTypeRowCount,
		ExpectedValue: 1000, ActualValue: 500, DeviationPct: 50,
		AnomalyDate: "2024-01-15",
		Severity:    models.SeverityHigh,
	}
}

func newState() models.InvestigationState {
	return models.InvestigationState{ID: "inv-1", TenantID: "t1", Alert: testAlert()}
}

func hypo(id, title string) models.Hypothesis {
	return models.Hypothesis{ID: id, Title: title, Category: models.CategoryUpstreamDependency}
}

func eventTypes(state models.InvestigationState) []models.EventType {
	var out []models.EventType
	for _, e := range state.Events {
		out = append(out, e.Type)
	}
	return out
}

func run(t *testing.T, client *mockLLM, scorer Scorer, cfg breaker.Config, adapter datasource.SQLAdapter) (models.InvestigationState, *models.Finding, error) {
	t.Helper()
	o := New(client, scorer, breaker.New(cfg),
		&scriptedGatherer{ic: &models.InvestigationContext{}},
		adapter, DefaultConfig(), slog.Default())
	return o.Run(context.Background(), newState())
}

func TestRunUpstreamNullStorm(t *testing.T) {
	client := &mockLLM{
		hypotheses:  []models.Hypothesis{hypo("h1", "upstream load missed a partition")},
		queries:     []string{"SELECT COUNT(*) FROM public.orders WHERE DATE(created_at)='2024-01-15' LIMIT 10000"},
		confidences: []float64{0.9},
	}
	adapter := &probeAdapter{rows: []map[string]any{{"count": int64(500)}}}

	state, finding, err := run(t, client, passScorer{}, breaker.DefaultConfig(), adapter)
	require.NoError(t, err)
	require.NotNil(t, finding)

	assert.Equal(t, models.StatusCompleted, state.Status())
	assert.Equal(t, models.StatusCompleted, finding.Status)
	assert.NotEmpty(t, finding.RootCause)
	assert.NotEmpty(t, finding.Recommendations)
	assert.GreaterOrEqual(t, finding.Confidence, 0.8)

	assert.Equal(t, []models.EventType{
		models.EventInvestigationStarted,
		models.EventContextGathered,
		models.EventHypothesisGenerated,
		models.EventQuerySubmitted,
		models.EventQuerySucceeded,
		models.EventEvidenceRecorded,
		models.EventSynthesisStarted,
		models.EventSynthesisCompleted,
	}, eventTypes(state))
}

func TestRunEmptyRootCauseIsInconclusive(t *testing.T) {
	// evidence was accepted, but synthesis named no root cause: the
	// investigation must not claim completion
	client := &mockLLM{
		hypotheses:  []models.Hypothesis{hypo("h1", "upstream load missed a partition")},
		queries:     []string{"SELECT COUNT(*) FROM public.orders LIMIT 10"},
		confidences: []float64{0.9},
		finding:     &models.Finding{RootCause: "", Confidence: 0.2},
	}
	adapter := &probeAdapter{rows: []map[string]any{{"count": int64(500)}}}

	state, finding, err := run(t, client, passScorer{}, breaker.DefaultConfig(), adapter)
	require.NoError(t, err)
	require.NotNil(t, finding)

	assert.Equal(t, models.StatusInconclusive, state.Status())
	assert.Equal(t, models.StatusInconclusive, finding.Status)
	assert.Empty(t, finding.RootCause)
}

func TestRunEventOrderingMonotonic(t *testing.T) {
	client := &mockLLM{
		hypotheses:  []models.Hypothesis{hypo("h1", "a"), hypo("h2", "b")},
		queries:     []string{"SELECT 1 FROM a LIMIT 1", "SELECT 2 FROM b LIMIT 1"},
		confidences: []float64{0.9, 0.9},
	}
	state, _, err := run(t, client, passScorer{}, breaker.DefaultConfig(), &probeAdapter{})
	require.NoError(t, err)

	for i, e := range state.Events {
		assert.Equal(t, int64(i), e.Sequence)
		assert.Equal(t, "inv-1", e.InvestigationID)
		if i > 0 {
			assert.False(t, e.Timestamp.Before(state.Events[i-1].Timestamp),
				"timestamps are non-decreasing")
		}
	}
}

func TestRunTotalQueryBudgetTripsToSynthesis(t *testing.T) {
	hypotheses := make([]models.Hypothesis, 5)
	queries := make([]string, 5)
	for i := range hypotheses {
		hypotheses[i] = hypo(fmt.Sprintf("h%d", i+1), fmt.Sprintf("mechanism %d", i+1))
		queries[i] = fmt.Sprintf("SELECT %d FROM t LIMIT 1", i+1)
	}
	client := &mockLLM{
		hypotheses:  hypotheses,
		queries:     queries,
		confidences: []float64{0.9, 0.9, 0.9, 0.9, 0.9},
	}
	cfg := breaker.DefaultConfig()
	cfg.MaxTotalQueries = 2
	adapter := &probeAdapter{}

	state, finding, err := run(t, client, passScorer{}, cfg, adapter)
	require.NoError(t, err)

	assert.Len(t, adapter.executed, 2, "third probe never issues")
	assert.Contains(t, eventTypes(state), models.EventCircuitBreakerTripped)
	assert.Equal(t, models.StatusCompleted, state.Status(),
		"evidence exists, so the trip still completes")
	assert.NotNil(t, finding)
}

func TestRunDuplicateQueryAbandonsHypothesisOnly(t *testing.T) {
	dup := "SELECT COUNT(*) FROM orders LIMIT 10"
	client := &mockLLM{
		hypotheses: []models.Hypothesis{hypo("h1", "first"), hypo("h2", "second")},
		// h1 emits the same SQL twice (low confidence keeps it probing),
		// then h2 emits a fresh one
		queries:     []string{dup, dup, "SELECT SUM(amount) FROM orders LIMIT 10"},
		confidences: []float64{0.5, 0.9},
	}
	state, finding, err := run(t, client, passScorer{}, breaker.DefaultConfig(), &probeAdapter{})
	require.NoError(t, err)
	require.NotNil(t, finding)

	var tripReason, abandonedHyp string
	for _, e := range state.Events {
		switch e.Type {
		case models.EventCircuitBreakerTripped:
			tripReason = e.Data[models.DataKeyReason].(string)
		case models.EventHypothesisAbandoned:
			abandonedHyp = e.HypothesisID()
		}
	}
	assert.Equal(t, string(breaker.ReasonDuplicateQuery), tripReason)
	assert.Equal(t, "h1", abandonedHyp)
	assert.Equal(t, models.StatusCompleted, state.Status(), "h2 still ran")
}

func TestRunSchemaDiscoveryFailure(t *testing.T) {
	o := New(&mockLLM{}, passScorer{}, breaker.New(breaker.DefaultConfig()),
		&scriptedGatherer{err: fmt.Errorf("dataset %q not found", "public.orders")},
		&probeAdapter{}, DefaultConfig(), slog.Default())

	state, finding, err := o.Run(context.Background(), newState())
	require.Error(t, err)
	assert.Nil(t, finding)
	assert.Equal(t, models.StatusFailed, state.Status())
	last := state.Events[len(state.Events)-1]
	assert.Equal(t, models.EventInvestigationFailed, last.Type)
}

func TestRunValidatorRejectsDDL(t *testing.T) {
	client := &mockLLM{
		hypotheses: []models.Hypothesis{hypo("h1", "probe")},
		queries: []string{
			"SELECT * FROM t; DROP TABLE t",
			"SELECT COUNT(*) FROM t LIMIT 10",
		},
		confidences: []float64{0.9},
	}
	adapter := &probeAdapter{}

	state, finding, err := run(t, client, passScorer{}, breaker.DefaultConfig(), adapter)
	require.NoError(t, err)
	require.NotNil(t, finding)

	var rejected bool
	for _, e := range state.Events {
		if e.Type == models.EventQueryFailed {
			assert.Equal(t, "invalid_query", e.Data[models.DataKeyReason])
			rejected = true
		}
	}
	assert.True(t, rejected, "the DDL draft is recorded as a failed query")
	require.Len(t, adapter.executed, 1, "only the clean retry executes")
	assert.NotContains(t, adapter.executed[0], "DROP")
	assert.Equal(t, models.StatusCompleted, state.Status())
}

func TestRunRetryableAdapterErrorRetries(t *testing.T) {
	client := &mockLLM{
		hypotheses:  []models.Hypothesis{hypo("h1", "probe")},
		queries:     []string{"SELECT 1 FROM t LIMIT 1", "SELECT 2 FROM t LIMIT 1"},
		confidences: []float64{0.9},
	}
	adapter := &retryAdapter{failures: 1}

	state, finding, err := run(t, client, passScorer{}, breaker.DefaultConfig(), adapter)
	require.NoError(t, err)
	require.NotNil(t, finding)

	types := eventTypes(state)
	assert.Contains(t, types, models.EventQueryFailed)
	assert.Contains(t, types, models.EventQuerySucceeded)
	assert.NotContains(t, types, models.EventHypothesisAbandoned,
		"a retryable error does not abandon the hypothesis")
}

func TestRunNonRetryableAdapterErrorAbandons(t *testing.T) {
	client := &mockLLM{
		hypotheses: []models.Hypothesis{hypo("h1", "probe")},
		queries:    []string{"SELECT 1 FROM t LIMIT 1"},
	}
	adapter := &probeAdapter{
		err: datasource.AccessDenied("public.orders", fmt.Errorf("denied")),
	}

	state, finding, err := run(t, client, passScorer{}, breaker.DefaultConfig(), adapter)
	require.NoError(t, err)
	require.NotNil(t, finding)

	types := eventTypes(state)
	assert.Contains(t, types, models.EventHypothesisAbandoned)
	assert.Equal(t, models.StatusInconclusive, state.Status(),
		"synthesis with no evidence is inconclusive")
	assert.Empty(t, finding.RootCause)
}

func TestRunReflexionUsesCritique(t *testing.T) {
	client := &mockLLM{
		hypotheses:  []models.Hypothesis{hypo("h1", "probe")},
		queries:     []string{"SELECT 1 FROM t LIMIT 1", "SELECT 2 FROM t LIMIT 1"},
		confidences: []float64{0.5, 0.9},
	}
	state, finding, err := run(t, client, &failOnceScorer{}, breaker.DefaultConfig(), &probeAdapter{})
	require.NoError(t, err)
	require.NotNil(t, finding)

	types := eventTypes(state)
	assert.Contains(t, types, models.EventReflexionAttempted)
	assert.Contains(t, types, models.EventEvidenceRecorded)
	assert.Equal(t, models.StatusCompleted, state.Status())
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := New(&mockLLM{hypotheses: []models.Hypothesis{hypo("h1", "probe")}},
		passScorer{}, breaker.New(breaker.DefaultConfig()),
		&scriptedGatherer{ic: &models.InvestigationContext{}},
		&probeAdapter{}, DefaultConfig(), slog.Default())

	state, finding, err := o.Run(ctx, newState())
	require.Error(t, err)
	assert.Nil(t, finding)
	assert.Equal(t, models.StatusFailed, state.Status())
}

// retryAdapter fails the first n executions with a retryable error.
type retryAdapter struct {
	fakeSQLBase
	failures int
	calls    int
}

func (a *retryAdapter) ExecuteQuery(_ context.Context, sql string, _ datasource.QueryOptions) (*datasource.QueryResult, error) {
	a.calls++
	if a.calls <= a.failures {
		return nil, datasource.NewError(datasource.CodeQueryTimeout, "probe timed out", fmt.Errorf("timeout"))
	}
	return &datasource.QueryResult{RowCount: 1, Rows: []map[string]any{{"n": int64(1)}}}, nil
}
