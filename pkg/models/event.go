package models

import "time"

// EventType is the closed set of event kinds recorded in the
// investigation log.
type EventType string

const (
	EventInvestigationStarted  EventType = "investigation_started"
	EventContextGathered       EventType = "context_gathered"
	EventHypothesisGenerated   EventType = "hypothesis_generated"
	EventQuerySubmitted        EventType = "query_submitted"
	EventQuerySucceeded        EventType = "query_succeeded"
	EventQueryFailed           EventType = "query_failed"
	EventReflexionAttempted    EventType = "reflexion_attempted"
	EventEvidenceRecorded      EventType = "evidence_recorded"
	EventHypothesisAbandoned   EventType = "hypothesis_abandoned"
	EventSynthesisStarted      EventType = "synthesis_started"
	EventSynthesisCompleted    EventType = "synthesis_completed"
	EventInvestigationFailed   EventType = "investigation_failed"
	EventCircuitBreakerTripped EventType = "circuit_breaker_tripped"
)

// IsValid checks if the event type is a known value.
func (t EventType) IsValid() bool {
	switch t {
	case EventInvestigationStarted, EventContextGathered,
		EventHypothesisGenerated, EventQuerySubmitted,
		EventQuerySucceeded, EventQueryFailed, EventReflexionAttempted,
		EventEvidenceRecorded, EventHypothesisAbandoned,
		EventSynthesisStarted, EventSynthesisCompleted,
		EventInvestigationFailed, EventCircuitBreakerTripped:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the event ends the investigation. Streams
// close after delivering a terminal event.
func (t EventType) IsTerminal() bool {
	return t == EventSynthesisCompleted || t == EventInvestigationFailed
}

// Well-known keys in Event.Data. Values are scalars or JSON-encodable.
const (
	DataKeyHypothesisID    = "hypothesis_id"
	DataKeyQuery           = "query"
	DataKeyQueryNormalized = "query_normalized"
	DataKeyReason          = "reason"
	DataKeyErrorCode       = "error_code"
	DataKeyEvidenceID      = "evidence_id"
	DataKeyConfidence      = "confidence"
	DataKeyRootCause       = "root_cause"
	DataKeyCategory        = "category"
	DataKeyTitle           = "title"
)

// Event is one entry in the append-only investigation log. Sequence is
// monotonic within an investigation and is the only ordering authority;
// timestamps are non-decreasing but may tie.
type Event struct {
	InvestigationID string         `json:"investigation_id"`
	Sequence        int64          `json:"sequence"`
	Type            EventType      `json:"type"`
	Timestamp       time.Time      `json:"timestamp"`
	Data            map[string]any `json:"data,omitempty"`
}

// HypothesisID returns the hypothesis the event belongs to, or "" for
// investigation-level events.
func (e Event) HypothesisID() string {
	if e.Data == nil {
		return ""
	}
	if id, ok := e.Data[DataKeyHypothesisID].(string); ok {
		return id
	}
	return ""
}
