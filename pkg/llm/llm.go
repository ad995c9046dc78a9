// Package llm is the model-facing layer of the investigation core. It
// turns alerts and gathered context into hypotheses, drafts probe SQL,
// interprets probe results into evidence, and synthesizes findings.
//
// All model output crosses a trust boundary: responses are parsed with
// the forgiving JSON decoder and validated field by field. Drafted SQL
// is returned as text only; the caller runs it through the safety
// validator before any adapter sees it.
package llm

import (
	"context"
	"fmt"

	"github.com/datasleuth/datasleuth/pkg/datasource"
	"github.com/datasleuth/datasleuth/pkg/models"
)

// DefaultMaxHypotheses bounds one generation round.
const DefaultMaxHypotheses = 5

// Client is the complete model-facing contract of the investigation
// core.
type Client interface {
	// GenerateHypotheses produces at most max candidate explanations for
	// the alert, grounded in the gathered context.
	GenerateHypotheses(ctx context.Context, alert models.AnomalyAlert, ic *models.InvestigationContext, max int) ([]models.Hypothesis, error)

	// GenerateQuery drafts one read-only SQL probe for the hypothesis.
	// feedback carries the failure reason or critique from a previous
	// attempt, empty on the first try.
	GenerateQuery(ctx context.Context, hyp models.Hypothesis, ic *models.InvestigationContext, feedback string) (string, error)

	// InterpretEvidence judges whether a probe result supports the
	// hypothesis.
	InterpretEvidence(ctx context.Context, hyp models.Hypothesis, query string, result *datasource.QueryResult) (*models.Evidence, error)

	// SynthesizeFindings condenses accepted evidence into the final
	// root-cause narrative.
	SynthesizeFindings(ctx context.Context, alert models.AnomalyAlert, evidence []models.Evidence) (*models.Finding, error)

	// Complete runs one raw system+user exchange and returns the text.
	// The quality judge builds its rubric calls on this.
	Complete(ctx context.Context, system, user string) (string, error)
}

// Error wraps a failed model operation. Raw holds a truncated response
// snippet when parsing failed.
type Error struct {
	Op  string
	Err error
	Raw string
}

func (e *Error) Error() string {
	if e.Raw != "" {
		return fmt.Sprintf("llm %s: %v (response: %s)", e.Op, e.Err, e.Raw)
	}
	return fmt.Sprintf("llm %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func opError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func parseError(op string, err error, raw string) *Error {
	if len(raw) > 500 {
		raw = raw[:500] + "... (truncated)"
	}
	return &Error{Op: op, Err: err, Raw: raw}
}
