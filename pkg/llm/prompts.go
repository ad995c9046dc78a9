package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/datasleuth/datasleuth/pkg/datasource"
	"github.com/datasleuth/datasleuth/pkg/models"
)

// System prompts are constant; everything variable goes in the user
// message.
const (
	hypothesisSystem = `You are a data-quality investigator. Given an anomaly and the gathered
context, propose the most plausible root-cause hypotheses. Each hypothesis must name one
concrete mechanism that could produce exactly this anomaly, not a vague theme.
Respond with ONLY raw JSON, no markdown fences.`

	querySystem = `You are a data-quality investigator drafting one read-only SQL probe.
Rules: a single SELECT statement, no DDL or DML, no semicolons followed by more SQL,
reference only tables and columns listed in the context, and include a LIMIT clause.
Respond with ONLY raw JSON, no markdown fences.`

	interpretSystem = `You are a data-quality investigator reading a probe result. Decide whether
the result supports the hypothesis, refutes it, or is inconclusive. Ground every claim in the
rows shown; never invent numbers. Respond with ONLY raw JSON, no markdown fences.`

	synthesisSystem = `You are a data-quality investigator writing the final report. Synthesize the
accepted evidence into one root-cause narrative with concrete, actionable recommendations.
If the evidence is contradictory or weak, say so and lower the confidence.
Respond with ONLY raw JSON, no markdown fences.`
)

func hypothesisPrompt(alert models.AnomalyAlert, ic *models.InvestigationContext, max int) string {
	return fmt.Sprintf(`Anomaly:
%s

Context:
%s

Propose at most %d hypotheses. Allowed categories: upstream_dependency, transformation_bug,
data_quality, infrastructure, expected_variance.

JSON shape:
{
  "hypotheses": [
    {
      "title": "short name of the mechanism",
      "category": "upstream_dependency",
      "reasoning": "why this mechanism fits the observed anomaly and context",
      "suggested_query": "optional SELECT probing this mechanism"
    }
  ]
}`, renderAlert(alert), renderContext(ic), max)
}

func queryPrompt(hyp models.Hypothesis, ic *models.InvestigationContext, feedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `Hypothesis under test:
Title: %s
Category: %s
Reasoning: %s

Context:
%s
`, hyp.Title, hyp.Category, hyp.Reasoning, renderContext(ic))
	if hyp.SuggestedQuery != "" {
		fmt.Fprintf(&b, "\nEarlier draft (may be wrong):\n%s\n", hyp.SuggestedQuery)
	}
	if feedback != "" {
		fmt.Fprintf(&b, "\nThe previous attempt failed. Feedback:\n%s\n", feedback)
	}
	b.WriteString(`
Draft one SELECT that would confirm or refute this hypothesis.

JSON shape:
{"query": "SELECT ..."}`)
	return b.String()
}

func interpretPrompt(hyp models.Hypothesis, query string, result *datasource.QueryResult) string {
	return fmt.Sprintf(`Hypothesis:
Title: %s
Reasoning: %s

Executed query:
%s

Result (%d rows%s):
%s

JSON shape:
{
  "supports_hypothesis": "true|false|unknown",
  "confidence": 0.8,
  "interpretation": "what the rows show and what that means for the hypothesis",
  "result_summary": "one-sentence factual summary of the result",
  "causal_chain": ["step 1", "step 2"],
  "key_findings": ["specific fact from the rows"]
}`, hyp.Title, hyp.Reasoning, query, result.RowCount, truncNote(result), renderRows(result, 20))
}

func synthesisPrompt(alert models.AnomalyAlert, evidence []models.Evidence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Anomaly:\n%s\n\nAccepted evidence:\n", renderAlert(alert))
	for i, ev := range evidence {
		fmt.Fprintf(&b, `
%d. [%s] verdict=%s confidence=%.2f
   Query: %s
   Interpretation: %s
`, i+1, ev.ID, ev.SupportsHypothesis, ev.Confidence, ev.Query, ev.Interpretation)
		for _, kf := range ev.KeyFindings {
			fmt.Fprintf(&b, "   - %s\n", kf)
		}
	}
	b.WriteString(`
JSON shape:
{
  "root_cause": "the single most supported mechanism, empty string if none is supported",
  "confidence": 0.75,
  "causal_chain": ["upstream event", "propagation", "observed anomaly"],
  "estimated_onset": "YYYY-MM-DD or empty",
  "affected_scope": "tables/columns/date range affected",
  "recommendations": ["concrete action a human operator can take"]
}`)
	return b.String()
}

func renderAlert(alert models.AnomalyAlert) string {
	return fmt.Sprintf(
		"Dataset: %s\nMetric: %s (column %q)\nType: %s\nExpected: %.4g  Actual: %.4g  Deviation: %.1f%%\nDate: %s\nSeverity: %s",
		alert.DatasetID, alert.MetricSpec.Kind, alert.MetricSpec.Column,
		alert.AnomalyType, alert.ExpectedValue, alert.ActualValue,
		alert.DeviationPct, alert.AnomalyDate, alert.Severity)
}

// renderContext flattens the gathered context into prompt text. Missing
// sections are simply omitted.
func renderContext(ic *models.InvestigationContext) string {
	if ic == nil {
		return "(no context gathered)"
	}
	var b strings.Builder

	if ic.TargetTable != nil {
		fmt.Fprintf(&b, "Target table %s columns:\n", ic.TargetTable.NativePath)
		for _, c := range ic.TargetTable.Columns {
			nullable := ""
			if c.Nullable {
				nullable = " nullable"
			}
			fmt.Fprintf(&b, "  %s %s%s\n", c.Name, c.DataType, nullable)
		}
	}
	if len(ic.RelatedTables) > 0 {
		b.WriteString("Related tables (shared join column):\n")
		for _, rt := range ic.RelatedTables {
			fmt.Fprintf(&b, "  %s via %s\n", rt.Table, rt.SharedColumn)
		}
	}
	if len(ic.Correlations) > 0 {
		b.WriteString("Join correlations on the anomaly date:\n")
		for _, c := range ic.Correlations {
			fmt.Fprintf(&b, "  %s.%s: %.1f%% unmatched (strength %.2f)\n",
				c.Table, c.Column, c.UnmatchedRate, c.Strength)
		}
	}
	if p := ic.Pattern; p != nil {
		fmt.Fprintf(&b, "Time-series pattern: %s from %s to %s, baseline %.4g, extreme %.4g, severity %.1f\n",
			p.Kind, p.Start, p.End, p.Baseline, p.Extreme, p.Severity)
	}
	if len(ic.UpstreamAnomalies) > 0 {
		b.WriteString("Upstream null-rate anomalies:\n")
		for _, ua := range ic.UpstreamAnomalies {
			fmt.Fprintf(&b, "  %s.%s: %.1f%% null over %d rows\n",
				ua.Table, ua.Column, ua.NullRate, ua.TotalRows)
		}
	}
	if g := ic.Lineage; g != nil {
		if up := g.Upstream(g.Root); len(up) > 0 {
			b.WriteString("Direct upstream datasets:\n")
			for _, id := range up {
				fmt.Fprintf(&b, "  %s\n", id.Key())
			}
		}
	}
	if b.Len() == 0 {
		return "(no context gathered)"
	}
	return b.String()
}

// renderRows serializes up to n rows as JSON lines.
func renderRows(result *datasource.QueryResult, n int) string {
	if result == nil || len(result.Rows) == 0 {
		return "(no rows)"
	}
	var b strings.Builder
	for i, row := range result.Rows {
		if i >= n {
			fmt.Fprintf(&b, "... %d more rows\n", len(result.Rows)-n)
			break
		}
		line, err := json.Marshal(row)
		if err != nil {
			fmt.Fprintf(&b, "%v\n", row)
			continue
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func truncNote(result *datasource.QueryResult) string {
	if result != nil && result.Truncated {
		return ", truncated"
	}
	return ""
}
