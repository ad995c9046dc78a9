// Package judge scores hypothesis quality on a three-dimension rubric
// (causal depth, specificity, actionability) and assesses whole
// hypothesis sets for discrimination. The rubric call goes through the
// model; all arithmetic is local and deterministic.
package judge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/datasleuth/datasleuth/pkg/llm"
	"github.com/datasleuth/datasleuth/pkg/models"
)

const (
	// DefaultPassThreshold is the composite score a hypothesis needs to
	// proceed without a rework round.
	DefaultPassThreshold = 0.6

	// minSuggestionLen guards against throwaway critiques.
	minSuggestionLen = 20

	weightCausalDepth   = 0.5
	weightSpecificity   = 0.3
	weightActionability = 0.2

	// varianceScale maps composite variance onto [0,1] discrimination.
	varianceScale = 0.1
	// uniformHighCutoff marks a suspiciously agreeable score set.
	uniformHighCutoff = 0.7
	// uniformHighPenalty halves the set score when every hypothesis
	// scores above the cutoff.
	uniformHighPenalty = 0.5
)

// Score is the rubric result for one hypothesis. Dimensions are in
// [0,1].
type Score struct {
	HypothesisID          string  `json:"hypothesis_id"`
	CausalDepth           float64 `json:"causal_depth"`
	Specificity           float64 `json:"specificity"`
	Actionability         float64 `json:"actionability"`
	Composite             float64 `json:"composite"`
	Passed                bool    `json:"passed"`
	LowestDimension       string  `json:"lowest_dimension"`
	ImprovementSuggestion string  `json:"improvement_suggestion,omitempty"`
}

// SetAssessment summarizes one hypothesis set. Adjusted is the mean
// composite discounted by discrimination and the uniform-high penalty.
type SetAssessment struct {
	Mean                 float64 `json:"mean"`
	Variance             float64 `json:"variance"`
	Discrimination       float64 `json:"discrimination"`
	AllSupportingPenalty float64 `json:"all_supporting_penalty"`
	Adjusted             float64 `json:"adjusted"`
}

// Judge runs the rubric.
type Judge struct {
	completer llm.Client
	threshold float64
	logger    *slog.Logger
}

// Option configures a Judge.
type Option func(*Judge)

// WithPassThreshold overrides the composite pass bar.
func WithPassThreshold(t float64) Option {
	return func(j *Judge) {
		if t > 0 {
			j.threshold = t
		}
	}
}

// New creates a judge on top of a model client.
func New(completer llm.Client, logger *slog.Logger, opts ...Option) *Judge {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Judge{completer: completer, threshold: DefaultPassThreshold, logger: logger}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

const rubricSystem = `You are a strict reviewer of root-cause hypotheses for data-quality anomalies.
Score each dimension in [0,1]:
- causal_depth: does the hypothesis name a concrete mechanism, not just restate the symptom?
- specificity: does it commit to particular tables, columns, jobs, or dates?
- actionability: could an engineer verify or fix it with a concrete next step?
Always include an improvement_suggestion saying what would most raise the weakest dimension.
Respond with ONLY raw JSON, no markdown fences.`

type rubricDTO struct {
	CausalDepth           float64 `json:"causal_depth"`
	Specificity           float64 `json:"specificity"`
	Actionability         float64 `json:"actionability"`
	ImprovementSuggestion string  `json:"improvement_suggestion"`
}

// ScoreHypothesis runs the rubric on one hypothesis.
func (j *Judge) ScoreHypothesis(ctx context.Context, alert models.AnomalyAlert, hyp models.Hypothesis) (*Score, error) {
	prompt := fmt.Sprintf(`Anomaly: %s %s on %s deviated %.1f%% on %s.

Hypothesis:
Title: %s
Category: %s
Reasoning: %s

JSON shape:
{"causal_depth": 0.0, "specificity": 0.0, "actionability": 0.0, "improvement_suggestion": "..."}`,
		alert.DatasetID, alert.MetricSpec.Kind, alert.AnomalyType,
		alert.DeviationPct, alert.AnomalyDate,
		hyp.Title, hyp.Category, hyp.Reasoning)

	text, err := j.completer.Complete(ctx, rubricSystem, prompt)
	if err != nil {
		return nil, fmt.Errorf("rubric call: %w", err)
	}
	dto, err := llm.Decode[rubricDTO](text)
	if err != nil {
		return nil, fmt.Errorf("rubric response: %w", err)
	}

	score := Compose(dto.CausalDepth, dto.Specificity, dto.Actionability, j.threshold)
	score.HypothesisID = hyp.ID
	score.ImprovementSuggestion = dto.ImprovementSuggestion
	if !score.Passed && len(score.ImprovementSuggestion) < minSuggestionLen {
		score.ImprovementSuggestion = fmt.Sprintf(
			"strengthen %s: name the concrete mechanism, table, and date involved", score.LowestDimension)
	}
	j.logger.Debug("hypothesis scored",
		"hypothesis_id", hyp.ID,
		"composite", score.Composite,
		"passed", score.Passed)
	return &score, nil
}

// ScoreInterpretation runs the rubric on one evidence interpretation.
func (j *Judge) ScoreInterpretation(ctx context.Context, hyp models.Hypothesis, query string, ev *models.Evidence) (*Score, error) {
	prompt := fmt.Sprintf(`Hypothesis under test: %s

Probe query:
%s

Interpretation (verdict=%s, confidence=%.2f):
%s

Key findings: %s

JSON shape:
{"causal_depth": 0.0, "specificity": 0.0, "actionability": 0.0, "improvement_suggestion": "..."}`,
		hyp.Title, query, ev.SupportsHypothesis, ev.Confidence,
		ev.Interpretation, strings.Join(ev.KeyFindings, "; "))

	text, err := j.completer.Complete(ctx, rubricSystem, prompt)
	if err != nil {
		return nil, fmt.Errorf("rubric call: %w", err)
	}
	dto, err := llm.Decode[rubricDTO](text)
	if err != nil {
		return nil, fmt.Errorf("rubric response: %w", err)
	}

	score := Compose(dto.CausalDepth, dto.Specificity, dto.Actionability, j.threshold)
	score.HypothesisID = hyp.ID
	score.ImprovementSuggestion = dto.ImprovementSuggestion
	if !score.Passed && len(score.ImprovementSuggestion) < minSuggestionLen {
		score.ImprovementSuggestion = fmt.Sprintf(
			"strengthen %s: tie the interpretation to specific rows and quantities from the result", score.LowestDimension)
	}
	return &score, nil
}

// ScoreSynthesis runs the rubric on the final finding. Advisory: a low
// score is logged, never blocks delivery.
func (j *Judge) ScoreSynthesis(ctx context.Context, alert models.AnomalyAlert, finding *models.Finding) (*Score, error) {
	prompt := fmt.Sprintf(`Anomaly: %s %s deviated %.1f%% on %s.

Synthesized finding (confidence %.2f):
Root cause: %s
Causal chain: %s
Recommendations: %s

JSON shape:
{"causal_depth": 0.0, "specificity": 0.0, "actionability": 0.0, "improvement_suggestion": "..."}`,
		alert.DatasetID, alert.AnomalyType, alert.DeviationPct, alert.AnomalyDate,
		finding.Confidence, finding.RootCause,
		strings.Join(finding.CausalChain, " -> "),
		strings.Join(finding.Recommendations, "; "))

	text, err := j.completer.Complete(ctx, rubricSystem, prompt)
	if err != nil {
		return nil, fmt.Errorf("rubric call: %w", err)
	}
	dto, err := llm.Decode[rubricDTO](text)
	if err != nil {
		return nil, fmt.Errorf("rubric response: %w", err)
	}
	score := Compose(dto.CausalDepth, dto.Specificity, dto.Actionability, j.threshold)
	score.ImprovementSuggestion = dto.ImprovementSuggestion
	return &score, nil
}

// Compose computes the weighted composite and derived fields from raw
// dimension scores.
func Compose(causalDepth, specificity, actionability, threshold float64) Score {
	s := Score{
		CausalDepth:   clamp01(causalDepth),
		Specificity:   clamp01(specificity),
		Actionability: clamp01(actionability),
	}
	s.Composite = weightCausalDepth*s.CausalDepth +
		weightSpecificity*s.Specificity +
		weightActionability*s.Actionability
	s.Passed = s.Composite >= threshold

	s.LowestDimension = "causal_depth"
	lowest := s.CausalDepth
	if s.Specificity < lowest {
		s.LowestDimension, lowest = "specificity", s.Specificity
	}
	if s.Actionability < lowest {
		s.LowestDimension = "actionability"
	}
	return s
}

// AssessSet computes set-level statistics. A flat score distribution
// (low variance) means the rubric is not discriminating between
// hypotheses; a uniformly high set suggests grade inflation and is
// penalized.
func AssessSet(scores []Score) SetAssessment {
	if len(scores) == 0 {
		return SetAssessment{AllSupportingPenalty: 1}
	}

	var sum float64
	allHigh := true
	for _, s := range scores {
		sum += s.Composite
		if s.Composite <= uniformHighCutoff {
			allHigh = false
		}
	}
	mean := sum / float64(len(scores))

	var variance float64
	for _, s := range scores {
		d := s.Composite - mean
		variance += d * d
	}
	variance /= float64(len(scores))

	a := SetAssessment{
		Mean:                 mean,
		Variance:             variance,
		Discrimination:       min(1.0, variance/varianceScale),
		AllSupportingPenalty: 1,
	}
	if allHigh {
		a.AllSupportingPenalty = uniformHighPenalty
	}
	a.Adjusted = a.Mean * a.Discrimination * a.AllSupportingPenalty
	return a
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
