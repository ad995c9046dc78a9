// Package breaker enforces per-investigation safety budgets. Every probe
// submission passes through Check, which inspects the event log and trips
// when any budget is exhausted. Budgets only ever tighten as events are
// appended: once tripped for a given log, appending more events can never
// un-trip it.
package breaker

import (
	"fmt"
	"time"

	"github.com/datasleuth/datasleuth/pkg/models"
)

// Reason identifies which budget tripped.
type Reason string

const (
	ReasonTotalQueries        Reason = "total_queries"
	ReasonHypothesisQueries   Reason = "hypothesis_queries"
	ReasonRetriesExhausted    Reason = "retries_exhausted"
	ReasonConsecutiveFailures Reason = "consecutive_failures"
	ReasonDuration            Reason = "duration"
	ReasonDuplicateQuery      Reason = "duplicate"
)

// Scope distinguishes trips that end the whole investigation from trips
// that only abandon the current hypothesis.
type Scope string

const (
	// ScopeInvestigation means the investigation must proceed to its
	// synthesis boundary with whatever evidence exists.
	ScopeInvestigation Scope = "investigation"
	// ScopeHypothesis means only the current hypothesis is abandoned.
	ScopeHypothesis Scope = "hypothesis"
)

// TrippedError is raised when a budget is exhausted.
type TrippedError struct {
	Reason       Reason
	Scope        Scope
	HypothesisID string
	Message      string
}

func (e *TrippedError) Error() string {
	return fmt.Sprintf("circuit breaker tripped (%s): %s", e.Reason, e.Message)
}

// Config holds the per-investigation budgets.
type Config struct {
	MaxTotalQueries         int           `yaml:"max_total_queries"`
	MaxQueriesPerHypothesis int           `yaml:"max_queries_per_hypothesis"`
	MaxRetriesPerHypothesis int           `yaml:"max_retries_per_hypothesis"`
	MaxConsecutiveFailures  int           `yaml:"max_consecutive_failures"`
	MaxDuration             time.Duration `yaml:"max_duration"`
}

// DefaultConfig returns the standard budgets.
func DefaultConfig() Config {
	return Config{
		MaxTotalQueries:         50,
		MaxQueriesPerHypothesis: 5,
		MaxRetriesPerHypothesis: 2,
		MaxConsecutiveFailures:  3,
		MaxDuration:             600 * time.Second,
	}
}

// CircuitBreaker evaluates budgets against an investigation's event log.
// Stateless apart from configuration; all counters come from the log.
type CircuitBreaker struct {
	cfg Config
	now func() time.Time
}

// New creates a circuit breaker with the given budgets.
func New(cfg Config) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// NewWithClock creates a breaker with an injected clock, for tests.
func NewWithClock(cfg Config, now func() time.Time) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, now: now}
}

// Check returns nil when a probe for hypothesisID may be submitted, or a
// *TrippedError naming the exhausted budget. candidateSQL, when
// non-empty, is checked against prior submissions for duplicates.
//
// Global budgets (wall clock, total queries) are evaluated first: when
// those trip, no hypothesis may probe again.
func (b *CircuitBreaker) Check(state models.InvestigationState, hypothesisID, candidateSQL string) error {
	if started, ok := startedAt(state); ok {
		if elapsed := b.now().Sub(started); elapsed >= b.cfg.MaxDuration {
			return &TrippedError{
				Reason:  ReasonDuration,
				Scope:   ScopeInvestigation,
				Message: fmt.Sprintf("elapsed %s exceeds budget %s", elapsed.Round(time.Second), b.cfg.MaxDuration),
			}
		}
	}

	if state.QueryCount() >= b.cfg.MaxTotalQueries {
		return &TrippedError{
			Reason:  ReasonTotalQueries,
			Scope:   ScopeInvestigation,
			Message: fmt.Sprintf("total query budget of %d exhausted", b.cfg.MaxTotalQueries),
		}
	}

	if state.HypothesisQueryCount(hypothesisID) >= b.cfg.MaxQueriesPerHypothesis {
		return &TrippedError{
			Reason:       ReasonHypothesisQueries,
			Scope:        ScopeHypothesis,
			HypothesisID: hypothesisID,
			Message:      fmt.Sprintf("hypothesis query budget of %d exhausted", b.cfg.MaxQueriesPerHypothesis),
		}
	}

	if state.RetryCount(hypothesisID) >= b.cfg.MaxRetriesPerHypothesis {
		return &TrippedError{
			Reason:       ReasonRetriesExhausted,
			Scope:        ScopeHypothesis,
			HypothesisID: hypothesisID,
			Message:      fmt.Sprintf("reflexion budget of %d exhausted", b.cfg.MaxRetriesPerHypothesis),
		}
	}

	if state.ConsecutiveFailures() >= b.cfg.MaxConsecutiveFailures {
		return &TrippedError{
			Reason:       ReasonConsecutiveFailures,
			Scope:        ScopeHypothesis,
			HypothesisID: hypothesisID,
			Message:      fmt.Sprintf("%d consecutive query failures", state.ConsecutiveFailures()),
		}
	}

	if candidateSQL != "" && state.HasDuplicateQuery(candidateSQL) {
		return &TrippedError{
			Reason:       ReasonDuplicateQuery,
			Scope:        ScopeHypothesis,
			HypothesisID: hypothesisID,
			Message:      "query was already submitted in this investigation",
		}
	}

	return nil
}

// startedAt returns the timestamp of the investigation_started event.
func startedAt(state models.InvestigationState) (time.Time, bool) {
	for _, e := range state.Events {
		if e.Type == models.EventInvestigationStarted {
			return e.Timestamp, true
		}
	}
	return time.Time{}, false
}
