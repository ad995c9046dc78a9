package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ev(t EventType, data map[string]any) Event {
	return Event{Type: t, Data: data}
}

func hypEv(t EventType, hyp string) Event {
	return Event{Type: t, Data: map[string]any{DataKeyHypothesisID: hyp}}
}

func TestAppendEventValueSemantics(t *testing.T) {
	s1 := InvestigationState{ID: "inv-1", TenantID: "t-1"}
	s2 := s1.AppendEvent(ev(EventInvestigationStarted, nil))
	s3 := s2.AppendEvent(ev(EventContextGathered, nil))

	assert.Len(t, s1.Events, 0)
	assert.Len(t, s2.Events, 1)
	assert.Len(t, s3.Events, 2)

	// appending to s2 again must not disturb s3
	s4 := s2.AppendEvent(ev(EventInvestigationFailed, nil))
	assert.Equal(t, EventContextGathered, s3.Events[1].Type)
	assert.Equal(t, EventInvestigationFailed, s4.Events[1].Type)
}

func TestAppendEventAssignsMonotonicSequence(t *testing.T) {
	s := InvestigationState{ID: "inv-1"}
	s = s.AppendEvent(ev(EventInvestigationStarted, nil))
	s = s.AppendEvent(ev(EventContextGathered, nil))
	s = s.AppendEvent(ev(EventSynthesisStarted, nil))

	for i, e := range s.Events {
		assert.Equal(t, int64(i), e.Sequence)
		assert.Equal(t, "inv-1", e.InvestigationID)
	}
	assert.Equal(t, int64(2), s.LastEventSequence())
}

func TestStatusDerivation(t *testing.T) {
	tests := []struct {
		name   string
		events []Event
		want   InvestigationStatus
	}{
		{
			name:   "no events",
			events: nil,
			want:   StatusPending,
		},
		{
			name:   "work in progress",
			events: []Event{ev(EventInvestigationStarted, nil), ev(EventContextGathered, nil)},
			want:   StatusInProgress,
		},
		{
			name: "synthesis with evidence",
			events: []Event{
				ev(EventInvestigationStarted, nil),
				hypEv(EventEvidenceRecorded, "h1"),
				ev(EventSynthesisCompleted, nil),
			},
			want: StatusCompleted,
		},
		{
			name: "synthesis without evidence",
			events: []Event{
				ev(EventInvestigationStarted, nil),
				ev(EventSynthesisCompleted, nil),
			},
			want: StatusInconclusive,
		},
		{
			name: "synthesis with empty recorded root cause",
			events: []Event{
				ev(EventInvestigationStarted, nil),
				hypEv(EventEvidenceRecorded, "h1"),
				ev(EventSynthesisCompleted, map[string]any{DataKeyRootCause: ""}),
			},
			want: StatusInconclusive,
		},
		{
			name: "failed",
			events: []Event{
				ev(EventInvestigationStarted, nil),
				ev(EventInvestigationFailed, nil),
			},
			want: StatusFailed,
		},
		{
			name: "synthesis wins over failure marker",
			events: []Event{
				ev(EventInvestigationStarted, nil),
				hypEv(EventEvidenceRecorded, "h1"),
				ev(EventSynthesisCompleted, nil),
				ev(EventInvestigationFailed, nil),
			},
			want: StatusCompleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := InvestigationState{ID: "inv-1"}
			for _, e := range tt.events {
				s = s.AppendEvent(e)
			}
			assert.Equal(t, tt.want, s.Status())
		})
	}
}

func TestDerivedCounters(t *testing.T) {
	s := InvestigationState{ID: "inv-1"}
	s = s.AppendEvent(ev(EventInvestigationStarted, nil))
	s = s.AppendEvent(Event{Type: EventQuerySubmitted, Data: map[string]any{
		DataKeyHypothesisID: "h1", DataKeyQuery: "SELECT 1 LIMIT 1",
	}})
	s = s.AppendEvent(hypEv(EventQueryFailed, "h1"))
	s = s.AppendEvent(Event{Type: EventQuerySubmitted, Data: map[string]any{
		DataKeyHypothesisID: "h1", DataKeyQuery: "SELECT 2 LIMIT 1",
	}})
	s = s.AppendEvent(hypEv(EventQuerySucceeded, "h1"))
	s = s.AppendEvent(Event{Type: EventQuerySubmitted, Data: map[string]any{
		DataKeyHypothesisID: "h2", DataKeyQuery: "SELECT 3 LIMIT 1",
	}})
	s = s.AppendEvent(hypEv(EventReflexionAttempted, "h1"))

	assert.Equal(t, 3, s.QueryCount())
	assert.Equal(t, 2, s.HypothesisQueryCount("h1"))
	assert.Equal(t, 1, s.HypothesisQueryCount("h2"))
	assert.Equal(t, 1, s.RetryCount("h1"))
	assert.Equal(t, 0, s.RetryCount("h2"))
	assert.Equal(t, 0, s.ConsecutiveFailures())

	assert.Equal(t, []string{"SELECT 1 LIMIT 1", "SELECT 2 LIMIT 1", "SELECT 3 LIMIT 1"}, s.AllQueries(""))
	assert.Equal(t, []string{"SELECT 1 LIMIT 1", "SELECT 2 LIMIT 1"}, s.AllQueries("h1"))
}

func TestConsecutiveFailuresTrailingRun(t *testing.T) {
	s := InvestigationState{ID: "inv-1"}
	s = s.AppendEvent(hypEv(EventQueryFailed, "h1"))
	s = s.AppendEvent(hypEv(EventQueryFailed, "h1"))
	assert.Equal(t, 2, s.ConsecutiveFailures())

	// non-query events do not break the run
	s = s.AppendEvent(hypEv(EventReflexionAttempted, "h1"))
	s = s.AppendEvent(hypEv(EventQueryFailed, "h1"))
	assert.Equal(t, 3, s.ConsecutiveFailures())

	s = s.AppendEvent(hypEv(EventQuerySucceeded, "h1"))
	assert.Equal(t, 0, s.ConsecutiveFailures())
}

func TestHasDuplicateQuery(t *testing.T) {
	s := InvestigationState{ID: "inv-1"}
	s = s.AppendEvent(Event{Type: EventQuerySubmitted, Data: map[string]any{
		DataKeyHypothesisID:    "h1",
		DataKeyQuery:           "SELECT COUNT(*) FROM orders LIMIT 10",
		DataKeyQueryNormalized: NormalizeQuery("SELECT COUNT(*) FROM orders LIMIT 10"),
	}})

	assert.True(t, s.HasDuplicateQuery("select count(*)  from orders  limit 10"))
	assert.False(t, s.HasDuplicateQuery("SELECT COUNT(*) FROM users LIMIT 10"))
}

func TestParseHelpersFallBackToUnknown(t *testing.T) {
	assert.Equal(t, CategoryUpstreamDependency, ParseHypothesisCategory("upstream_dependency"))
	assert.Equal(t, CategoryUnknown, ParseHypothesisCategory("cosmic_rays"))

	assert.Equal(t, VerdictSupports, ParseSupportVerdict("true"))
	assert.Equal(t, VerdictRefutes, ParseSupportVerdict("false"))
	assert.Equal(t, VerdictUnknown, ParseSupportVerdict("maybe"))

	require.True(t, EventSynthesisCompleted.IsTerminal())
	require.True(t, EventInvestigationFailed.IsTerminal())
	require.False(t, EventQuerySubmitted.IsTerminal())
}
