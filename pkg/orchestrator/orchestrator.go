// Package orchestrator drives one investigation end to end: gather
// context, generate hypotheses, probe each one under the circuit
// breaker, interpret results into evidence, and synthesize a finding.
//
// The event log is the only state. Every transition appends exactly one
// event with a monotonic sequence number; status is derived from the
// log, never stored.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/datasleuth/datasleuth/pkg/breaker"
	"github.com/datasleuth/datasleuth/pkg/datasource"
	"github.com/datasleuth/datasleuth/pkg/judge"
	"github.com/datasleuth/datasleuth/pkg/llm"
	"github.com/datasleuth/datasleuth/pkg/models"
	"github.com/datasleuth/datasleuth/pkg/safety"
)

// Config bounds one investigation run.
type Config struct {
	MaxHypotheses           int           `yaml:"max_hypotheses"`
	QueryTimeout            time.Duration `yaml:"query_timeout"`
	HighConfidenceThreshold float64       `yaml:"high_confidence_threshold"`
	RowLimit                int           `yaml:"row_limit"`
}

// DefaultConfig returns the standard bounds.
func DefaultConfig() Config {
	return Config{
		MaxHypotheses:           llm.DefaultMaxHypotheses,
		QueryTimeout:            30 * time.Second,
		HighConfidenceThreshold: 0.85,
		RowLimit:                safety.DefaultRowLimit,
	}
}

// ContextGatherer assembles the investigation context for an alert.
type ContextGatherer interface {
	Gather(ctx context.Context, alert models.AnomalyAlert) (*models.InvestigationContext, error)
}

// Scorer is the judge surface the orchestrator needs.
type Scorer interface {
	ScoreInterpretation(ctx context.Context, hyp models.Hypothesis, query string, ev *models.Evidence) (*judge.Score, error)
	ScoreSynthesis(ctx context.Context, alert models.AnomalyAlert, finding *models.Finding) (*judge.Score, error)
}

// EventSink receives every appended event, in order. Sink errors are
// logged, never fatal: the in-memory log stays authoritative for the
// run.
type EventSink interface {
	Publish(ctx context.Context, e models.Event) error
}

// Orchestrator runs investigations. One instance handles one
// investigation at a time; the worker pool provides parallelism across
// investigations.
type Orchestrator struct {
	llm       llm.Client
	judge     Scorer
	breaker   *breaker.CircuitBreaker
	validator *safety.Validator
	gatherer  ContextGatherer
	adapter   datasource.SQLAdapter
	sink      EventSink
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEventSink attaches a sink receiving each appended event.
func WithEventSink(sink EventSink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator. judge may be nil; scoring then degrades
// to accepting every interpretation.
func New(client llm.Client, scorer Scorer, cb *breaker.CircuitBreaker, gatherer ContextGatherer, adapter datasource.SQLAdapter, cfg Config, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxHypotheses <= 0 {
		cfg.MaxHypotheses = llm.DefaultMaxHypotheses
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	if cfg.HighConfidenceThreshold <= 0 {
		cfg.HighConfidenceThreshold = 0.85
	}
	o := &Orchestrator{
		llm:       client,
		judge:     scorer,
		breaker:   cb,
		validator: safety.NewValidator(),
		gatherer:  gatherer,
		adapter:   adapter,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
	if cfg.RowLimit > 0 {
		o.validator.RowLimit = cfg.RowLimit
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run drives the investigation to a terminal event. The returned state
// carries the complete log; the finding is nil when the investigation
// failed.
func (o *Orchestrator) Run(ctx context.Context, state models.InvestigationState) (models.InvestigationState, *models.Finding, error) {
	started := o.now()
	state = o.emit(ctx, state, models.EventInvestigationStarted, nil)

	ic, err := o.gatherer.Gather(ctx, state.Alert)
	if err != nil {
		state = o.fail(ctx, state, fmt.Sprintf("context gathering: %v", err))
		return state, nil, err
	}
	state = state.WithContext(ic)
	state = o.emit(ctx, state, models.EventContextGathered, nil)

	if err := ctx.Err(); err != nil {
		return o.cancelled(ctx, state), nil, err
	}

	hypotheses, err := o.llm.GenerateHypotheses(ctx, state.Alert, ic, o.cfg.MaxHypotheses)
	if err != nil {
		state = o.fail(ctx, state, fmt.Sprintf("hypothesis generation: %v", err))
		return state, nil, err
	}
	for _, h := range hypotheses {
		state = o.emit(ctx, state, models.EventHypothesisGenerated, map[string]any{
			models.DataKeyHypothesisID: h.ID,
			models.DataKeyTitle:        h.Title,
			models.DataKeyCategory:     string(h.Category),
		})
	}

	var evidence []models.Evidence
	var scores []judge.Score
	globalStop := false

	for _, h := range hypotheses {
		if globalStop {
			break
		}
		if err := ctx.Err(); err != nil {
			return o.cancelled(ctx, state), nil, err
		}
		state, globalStop = o.probeHypothesis(ctx, state, h, &evidence, &scores)
		if ctx.Err() != nil {
			return o.cancelled(ctx, state), nil, ctx.Err()
		}
	}

	return o.synthesize(ctx, state, evidence, scores, started)
}

// probeHypothesis runs the breaker-guarded probe loop for one
// hypothesis. It returns the new state and whether a global budget
// tripped.
func (o *Orchestrator) probeHypothesis(ctx context.Context, state models.InvestigationState, h models.Hypothesis, evidence *[]models.Evidence, scores *[]judge.Score) (models.InvestigationState, bool) {
	critique := ""
	for {
		if ctx.Err() != nil {
			return state, false
		}
		if err := o.breaker.Check(state, h.ID, ""); err != nil {
			var stop bool
			state, stop = o.handleTrip(ctx, state, h, err)
			return state, stop
		}

		query, err := o.llm.GenerateQuery(ctx, h, state.Context, o.buildFeedback(state, h.ID, critique))
		if err != nil {
			state = o.abandon(ctx, state, h, fmt.Sprintf("query generation: %v", err))
			return state, false
		}

		validated, err := o.validator.ValidateQuery(query)
		if err != nil {
			state = o.emit(ctx, state, models.EventQueryFailed, map[string]any{
				models.DataKeyHypothesisID: h.ID,
				models.DataKeyReason:       "invalid_query",
				models.DataKeyQuery:        query,
			})
			critique = fmt.Sprintf("the drafted query was rejected: %v", err)
			continue
		}

		// second check carries the candidate for duplicate detection
		if err := o.breaker.Check(state, h.ID, validated); err != nil {
			var stop bool
			state, stop = o.handleTrip(ctx, state, h, err)
			return state, stop
		}

		state = o.emit(ctx, state, models.EventQuerySubmitted, map[string]any{
			models.DataKeyHypothesisID:    h.ID,
			models.DataKeyQuery:           validated,
			models.DataKeyQueryNormalized: models.NormalizeQuery(validated),
		})

		result, err := o.adapter.ExecuteQuery(ctx, validated, datasource.QueryOptions{
			Timeout: o.cfg.QueryTimeout,
			Limit:   o.cfg.RowLimit,
		})
		if err != nil {
			code := "adapter_error"
			retryable := false
			var ae *datasource.AdapterError
			if errors.As(err, &ae) {
				code = string(ae.Code)
				retryable = ae.Retryable
			}
			state = o.emit(ctx, state, models.EventQueryFailed, map[string]any{
				models.DataKeyHypothesisID: h.ID,
				models.DataKeyReason:       code,
				models.DataKeyErrorCode:    code,
			})
			if retryable {
				critique = fmt.Sprintf("the query failed with a transient error (%s); try a cheaper or narrower probe", code)
				continue
			}
			state = o.abandon(ctx, state, h, code)
			return state, false
		}
		state = o.emit(ctx, state, models.EventQuerySucceeded, map[string]any{
			models.DataKeyHypothesisID: h.ID,
		})

		ev, err := o.llm.InterpretEvidence(ctx, h, validated, result)
		if err != nil {
			state = o.abandon(ctx, state, h, fmt.Sprintf("interpretation: %v", err))
			return state, false
		}

		score := o.scoreInterpretation(ctx, h, validated, ev)
		if score == nil || score.Passed {
			*evidence = append(*evidence, *ev)
			if score != nil {
				*scores = append(*scores, *score)
			}
			state = o.emit(ctx, state, models.EventEvidenceRecorded, map[string]any{
				models.DataKeyHypothesisID: h.ID,
				models.DataKeyEvidenceID:   ev.ID,
				models.DataKeyConfidence:   ev.Confidence,
			})
			if ev.Confidence >= o.cfg.HighConfidenceThreshold {
				o.logger.Info("high-confidence evidence, stopping hypothesis early",
					"investigation_id", state.ID,
					"hypothesis_id", h.ID,
					"confidence", ev.Confidence)
				return state, false
			}
			continue
		}

		// failed the rubric: one reflexion round with the critique,
		// bounded by the breaker's retry budget on the next Check
		*scores = append(*scores, *score)
		critique = score.ImprovementSuggestion
		state = o.emit(ctx, state, models.EventReflexionAttempted, map[string]any{
			models.DataKeyHypothesisID: h.ID,
			models.DataKeyReason:       score.LowestDimension,
		})
	}
}

// handleTrip records the trip and either abandons the hypothesis or
// signals the investigation to proceed to synthesis.
func (o *Orchestrator) handleTrip(ctx context.Context, state models.InvestigationState, h models.Hypothesis, err error) (models.InvestigationState, bool) {
	var tripped *breaker.TrippedError
	if !errors.As(err, &tripped) {
		state = o.abandon(ctx, state, h, err.Error())
		return state, false
	}
	state = o.emit(ctx, state, models.EventCircuitBreakerTripped, map[string]any{
		models.DataKeyHypothesisID: h.ID,
		models.DataKeyReason:       string(tripped.Reason),
		"scope":                    string(tripped.Scope),
	})
	if tripped.Scope == breaker.ScopeInvestigation {
		o.logger.Warn("global budget exhausted, moving to synthesis",
			"investigation_id", state.ID, "reason", tripped.Reason)
		return state, true
	}
	state = o.abandon(ctx, state, h, string(tripped.Reason))
	return state, false
}

func (o *Orchestrator) abandon(ctx context.Context, state models.InvestigationState, h models.Hypothesis, reason string) models.InvestigationState {
	o.logger.Info("hypothesis abandoned",
		"investigation_id", state.ID, "hypothesis_id", h.ID, "reason", reason)
	return o.emit(ctx, state, models.EventHypothesisAbandoned, map[string]any{
		models.DataKeyHypothesisID: h.ID,
		models.DataKeyReason:       reason,
	})
}

func (o *Orchestrator) scoreInterpretation(ctx context.Context, h models.Hypothesis, query string, ev *models.Evidence) *judge.Score {
	if o.judge == nil {
		return nil
	}
	score, err := o.judge.ScoreInterpretation(ctx, h, query, ev)
	if err != nil {
		o.logger.Warn("interpretation scoring failed, accepting evidence unscored",
			"hypothesis_id", h.ID, "error", err)
		return nil
	}
	return score
}

// synthesize closes the investigation: with or without evidence, the
// synthesis boundary is always reached unless synthesis itself errors.
func (o *Orchestrator) synthesize(ctx context.Context, state models.InvestigationState, evidence []models.Evidence, scores []judge.Score, started time.Time) (models.InvestigationState, *models.Finding, error) {
	if err := ctx.Err(); err != nil {
		return o.cancelled(ctx, state), nil, err
	}
	state = o.emit(ctx, state, models.EventSynthesisStarted, nil)

	finding, err := o.llm.SynthesizeFindings(ctx, state.Alert, evidence)
	if err != nil {
		state = o.fail(ctx, state, fmt.Sprintf("synthesis: %v", err))
		return state, nil, err
	}

	assessment := judge.AssessSet(scores)
	if o.judge != nil {
		if score, err := o.judge.ScoreSynthesis(ctx, state.Alert, finding); err != nil {
			o.logger.Warn("synthesis scoring failed", "error", err)
		} else if !score.Passed {
			o.logger.Warn("synthesis scored below threshold",
				"investigation_id", state.ID,
				"composite", score.Composite,
				"suggestion", score.ImprovementSuggestion)
		}
	}

	state = o.emit(ctx, state, models.EventSynthesisCompleted, map[string]any{
		models.DataKeyRootCause:  finding.RootCause,
		models.DataKeyConfidence: finding.Confidence,
		"adjusted_composite":     assessment.Adjusted,
	})

	finding.InvestigationID = state.ID
	finding.Status = state.Status()
	finding.DurationSeconds = o.now().Sub(started).Seconds()
	if finding.Status == models.StatusInconclusive {
		finding.RootCause = ""
	}
	return state, finding, nil
}

func (o *Orchestrator) fail(ctx context.Context, state models.InvestigationState, reason string) models.InvestigationState {
	o.logger.Error("investigation failed", "investigation_id", state.ID, "reason", reason)
	return o.emit(ctx, state, models.EventInvestigationFailed, map[string]any{
		models.DataKeyReason: reason,
	})
}

func (o *Orchestrator) cancelled(ctx context.Context, state models.InvestigationState) models.InvestigationState {
	return o.fail(ctx, state, "cancelled")
}

// emit appends one event and publishes it. Publish uses a detached
// context so terminal events still reach the sink after cancellation.
func (o *Orchestrator) emit(ctx context.Context, state models.InvestigationState, t models.EventType, data map[string]any) models.InvestigationState {
	state = state.AppendEvent(models.Event{
		Type:      t,
		Timestamp: o.now(),
		Data:      data,
	})
	if o.sink != nil {
		e := state.Events[len(state.Events)-1]
		if err := o.sink.Publish(context.WithoutCancel(ctx), e); err != nil {
			o.logger.Error("event publish failed",
				"investigation_id", state.ID,
				"sequence", e.Sequence,
				"type", e.Type,
				"error", err)
		}
	}
	return state
}

// buildFeedback conditions query generation on everything that already
// happened for this hypothesis.
func (o *Orchestrator) buildFeedback(state models.InvestigationState, hypothesisID, critique string) string {
	var b strings.Builder
	if prior := state.AllQueries(hypothesisID); len(prior) > 0 {
		b.WriteString("Queries already tried (do not repeat):\n")
		for _, q := range prior {
			b.WriteString("  " + q + "\n")
		}
	}
	if failures := state.FailedQueries(hypothesisID); len(failures) > 0 {
		b.WriteString("Failure reasons so far:\n")
		for _, r := range failures {
			b.WriteString("  " + r + "\n")
		}
	}
	if critique != "" {
		b.WriteString("Critique of the last attempt:\n  " + critique + "\n")
	}
	return b.String()
}
