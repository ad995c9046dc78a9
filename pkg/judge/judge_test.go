package judge

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datasleuth/datasleuth/pkg/datasource"
	"github.com/datasleuth/datasleuth/pkg/models"
)

func TestComposeWeights(t *testing.T) {
	s := Compose(1.0, 0.5, 0.0, DefaultPassThreshold)
	assert.InDelta(t, 0.5*1.0+0.3*0.5, s.Composite, 1e-9)
	assert.True(t, s.Passed)
	assert.Equal(t, "actionability", s.LowestDimension)
}

func TestComposeFailsBelowThreshold(t *testing.T) {
	s := Compose(0.5, 0.5, 0.5, DefaultPassThreshold)
	assert.InDelta(t, 0.5, s.Composite, 1e-9)
	assert.False(t, s.Passed)
}

func TestComposeClampsOutOfRange(t *testing.T) {
	s := Compose(1.7, -0.3, 0.5, DefaultPassThreshold)
	assert.Equal(t, 1.0, s.CausalDepth)
	assert.Equal(t, 0.0, s.Specificity)
	assert.Equal(t, "specificity", s.LowestDimension)
}

func TestAssessSetDiscrimination(t *testing.T) {
	// identical scores: zero variance, zero discrimination
	flat := AssessSet([]Score{{Composite: 0.65}, {Composite: 0.65}, {Composite: 0.65}})
	assert.Equal(t, 0.0, flat.Variance)
	assert.Equal(t, 0.0, flat.Discrimination)
	assert.Equal(t, 0.0, flat.Adjusted)

	// spread scores discriminate
	spread := AssessSet([]Score{{Composite: 0.2}, {Composite: 0.5}, {Composite: 0.65}})
	assert.Greater(t, spread.Discrimination, 0.0)
	assert.InDelta(t, spread.Mean*spread.Discrimination, spread.Adjusted, 1e-9,
		"no penalty when not uniformly high")
}

func TestAssessSetUniformHighPenalty(t *testing.T) {
	a := AssessSet([]Score{{Composite: 0.9}, {Composite: 0.75}, {Composite: 0.8}})
	assert.Equal(t, 0.5, a.AllSupportingPenalty)
	assert.InDelta(t, a.Mean*a.Discrimination*0.5, a.Adjusted, 1e-9)

	// one score at or below 0.7 lifts the penalty
	b := AssessSet([]Score{{Composite: 0.9}, {Composite: 0.7}, {Composite: 0.8}})
	assert.Equal(t, 1.0, b.AllSupportingPenalty)
}

func TestAssessSetDiscriminationCap(t *testing.T) {
	a := AssessSet([]Score{{Composite: 0.0}, {Composite: 1.0}})
	assert.Equal(t, 1.0, a.Discrimination, "variance/0.1 caps at 1")
}

func TestAssessSetEmpty(t *testing.T) {
	a := AssessSet(nil)
	assert.Equal(t, 0.0, a.Adjusted)
}

// fakeClient returns a fixed rubric response.
type fakeClient struct{ response string }

func (f *fakeClient) Complete(context.Context, string, string) (string, error) {
	return f.response, nil
}
func (f *fakeClient) GenerateHypotheses(context.Context, models.AnomalyAlert, *models.InvestigationContext, int) ([]models.Hypothesis, error) {
	return nil, nil
}
func (f *fakeClient) GenerateQuery(context.Context, models.Hypothesis, *models.InvestigationContext, string) (string, error) {
	return "", nil
}
func (f *fakeClient) InterpretEvidence(context.Context, models.Hypothesis, string, *datasource.QueryResult) (*models.Evidence, error) {
	return nil, nil
}
func (f *fakeClient) SynthesizeFindings(context.Context, models.AnomalyAlert, []models.Evidence) (*models.Finding, error) {
	return nil, nil
}

func TestScoreHypothesisParsesRubric(t *testing.T) {
	j := New(&fakeClient{response: `{"causal_depth": 0.9, "specificity": 0.8, "actionability": 0.7,
		"improvement_suggestion": "name the specific upstream job and run date involved"}`},
		slog.Default())

	hyp := models.Hypothesis{ID: "h1", Title: "late upstream load"}
	score, err := j.ScoreHypothesis(context.Background(), models.AnomalyAlert{}, hyp)
	require.NoError(t, err)

	assert.Equal(t, "h1", score.HypothesisID)
	assert.InDelta(t, 0.5*0.9+0.3*0.8+0.2*0.7, score.Composite, 1e-9)
	assert.True(t, score.Passed)
}

func TestScoreHypothesisBackfillsShortCritique(t *testing.T) {
	j := New(&fakeClient{response: `{"causal_depth": 0.2, "specificity": 0.1, "actionability": 0.3,
		"improvement_suggestion": "vague"}`}, slog.Default())

	score, err := j.ScoreHypothesis(context.Background(), models.AnomalyAlert{}, models.Hypothesis{ID: "h2"})
	require.NoError(t, err)

	assert.False(t, score.Passed)
	assert.GreaterOrEqual(t, len(score.ImprovementSuggestion), 20)
	assert.Contains(t, score.ImprovementSuggestion, "specificity")
}
