package models

// InvestigationStatus is the derived lifecycle state of an investigation.
type InvestigationStatus string

const (
	StatusPending      InvestigationStatus = "pending"
	StatusInProgress   InvestigationStatus = "in_progress"
	StatusCompleted    InvestigationStatus = "completed"
	StatusInconclusive InvestigationStatus = "inconclusive"
	StatusFailed       InvestigationStatus = "failed"
)

// IsValid checks if the status is a known value.
func (s InvestigationStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted,
		StatusInconclusive, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status can no longer change.
func (s InvestigationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusInconclusive || s == StatusFailed
}

// Finding is the immutable output of an investigation: the synthesized
// root cause, its confidence, and concrete remediation recommendations.
//
// RootCause is empty when the investigation was inconclusive. The system
// never executes recommendations; it only reports them.
type Finding struct {
	InvestigationID    string              `json:"investigation_id"`
	Status             InvestigationStatus `json:"status"`
	RootCause          string              `json:"root_cause,omitempty"`
	Confidence         float64             `json:"confidence"` // [0,1]
	CausalChain        []string            `json:"causal_chain,omitempty"`
	EstimatedOnset     string              `json:"estimated_onset,omitempty"`
	AffectedScope      string              `json:"affected_scope,omitempty"`
	SupportingEvidence []string            `json:"supporting_evidence,omitempty"` // Evidence IDs
	Recommendations    []string            `json:"recommendations,omitempty"`
	DurationSeconds    float64             `json:"duration_seconds"`
}
