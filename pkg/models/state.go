package models

import "strings"

// InvestigationState is the single source of truth for one investigation:
// the immutable alert plus the ordered event log. Everything else
// (status, budget counters) is derived by scanning the log.
//
// State values have value semantics: AppendEvent and WithContext return a
// new state and leave the receiver unchanged. The orchestrator owns the
// state exclusively for the lifetime of one investigation.
type InvestigationState struct {
	ID       string
	TenantID string
	Alert    AnomalyAlert
	Events   []Event
	Context  *InvestigationContext // set once after gathering
}

// AppendEvent returns a new state with the event appended. The event's
// Sequence is assigned from the current log length and its
// InvestigationID is filled in.
func (s InvestigationState) AppendEvent(e Event) InvestigationState {
	e.InvestigationID = s.ID
	e.Sequence = int64(len(s.Events))

	events := make([]Event, len(s.Events), len(s.Events)+1)
	copy(events, s.Events)
	s.Events = append(events, e)
	return s
}

// WithContext returns a new state carrying the gathered context.
func (s InvestigationState) WithContext(ctx *InvestigationContext) InvestigationState {
	s.Context = ctx
	return s
}

// LastEventSequence returns the sequence of the newest event, or -1 for
// an empty log.
func (s InvestigationState) LastEventSequence() int64 {
	return int64(len(s.Events)) - 1
}

// Status derives the investigation status from the event log:
// synthesis_completed wins, then investigation_failed, then any work
// event means in_progress, else pending. A synthesis that recorded no
// evidence, or that recorded an empty root cause, is inconclusive.
func (s InvestigationState) Status() InvestigationStatus {
	hasSynthesis := false
	hasFailed := false
	hasWork := false
	hasEvidence := false
	emptyRootCause := false

	for _, e := range s.Events {
		switch e.Type {
		case EventSynthesisCompleted:
			hasSynthesis = true
			if r, ok := e.Data[DataKeyRootCause].(string); ok && r == "" {
				emptyRootCause = true
			}
		case EventInvestigationFailed:
			hasFailed = true
		case EventEvidenceRecorded:
			hasEvidence = true
			hasWork = true
		default:
			hasWork = true
		}
	}

	switch {
	case hasSynthesis && (!hasEvidence || emptyRootCause):
		return StatusInconclusive
	case hasSynthesis:
		return StatusCompleted
	case hasFailed:
		return StatusFailed
	case hasWork:
		return StatusInProgress
	default:
		return StatusPending
	}
}

// QueryCount counts all query_submitted events.
func (s InvestigationState) QueryCount() int {
	n := 0
	for _, e := range s.Events {
		if e.Type == EventQuerySubmitted {
			n++
		}
	}
	return n
}

// HypothesisQueryCount counts query_submitted events for one hypothesis.
func (s InvestigationState) HypothesisQueryCount(hypothesisID string) int {
	n := 0
	for _, e := range s.Events {
		if e.Type == EventQuerySubmitted && e.HypothesisID() == hypothesisID {
			n++
		}
	}
	return n
}

// RetryCount counts reflexion_attempted events for one hypothesis.
func (s InvestigationState) RetryCount(hypothesisID string) int {
	n := 0
	for _, e := range s.Events {
		if e.Type == EventReflexionAttempted && e.HypothesisID() == hypothesisID {
			n++
		}
	}
	return n
}

// ConsecutiveFailures counts the trailing run of query_failed events not
// broken by a query_succeeded. Events of other types do not break the
// run.
func (s InvestigationState) ConsecutiveFailures() int {
	n := 0
	for i := len(s.Events) - 1; i >= 0; i-- {
		switch s.Events[i].Type {
		case EventQueryFailed:
			n++
		case EventQuerySucceeded:
			return n
		}
	}
	return n
}

// AllQueries returns every submitted SQL string in submission order. When
// hypothesisID is non-empty, only that hypothesis's queries are returned.
func (s InvestigationState) AllQueries(hypothesisID string) []string {
	var queries []string
	for _, e := range s.Events {
		if e.Type != EventQuerySubmitted {
			continue
		}
		if hypothesisID != "" && e.HypothesisID() != hypothesisID {
			continue
		}
		if q, ok := e.Data[DataKeyQuery].(string); ok {
			queries = append(queries, q)
		}
	}
	return queries
}

// FailedQueries returns the failure reasons recorded for one hypothesis,
// in order. Used to condition query regeneration on what already broke.
func (s InvestigationState) FailedQueries(hypothesisID string) []string {
	var reasons []string
	for _, e := range s.Events {
		if e.Type != EventQueryFailed || e.HypothesisID() != hypothesisID {
			continue
		}
		if r, ok := e.Data[DataKeyReason].(string); ok {
			reasons = append(reasons, r)
		}
	}
	return reasons
}

// NormalizeQuery canonicalizes SQL for duplicate detection: lower-cased
// with all whitespace runs collapsed to single spaces.
func NormalizeQuery(sql string) string {
	return strings.Join(strings.Fields(strings.ToLower(sql)), " ")
}

// HasDuplicateQuery reports whether the candidate SQL was already
// submitted in this investigation, modulo case and whitespace.
func (s InvestigationState) HasDuplicateQuery(sql string) bool {
	normalized := NormalizeQuery(sql)
	for _, e := range s.Events {
		if e.Type != EventQuerySubmitted {
			continue
		}
		if prior, ok := e.Data[DataKeyQueryNormalized].(string); ok && prior == normalized {
			return true
		}
		if prior, ok := e.Data[DataKeyQuery].(string); ok && NormalizeQuery(prior) == normalized {
			return true
		}
	}
	return false
}
