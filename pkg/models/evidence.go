package models

// SupportVerdict is the tri-state answer to "does this probe result
// support the hypothesis".
type SupportVerdict string

const (
	VerdictSupports SupportVerdict = "true"
	VerdictRefutes  SupportVerdict = "false"
	VerdictUnknown  SupportVerdict = "unknown"
)

// IsValid checks if the verdict is a known value.
func (v SupportVerdict) IsValid() bool {
	switch v {
	case VerdictSupports, VerdictRefutes, VerdictUnknown:
		return true
	default:
		return false
	}
}

// ParseSupportVerdict maps a raw string (including bare true/false) to a
// verdict, defaulting to VerdictUnknown.
func ParseSupportVerdict(s string) SupportVerdict {
	switch s {
	case "true", "yes", "supports":
		return VerdictSupports
	case "false", "no", "refutes":
		return VerdictRefutes
	default:
		return VerdictUnknown
	}
}

// Evidence is the outcome of one successful probe+interpret cycle for a
// hypothesis. Append-only: accepted evidence is never revised.
type Evidence struct {
	ID                 string         `json:"id"`
	HypothesisID       string         `json:"hypothesis_id"`
	Query              string         `json:"query"` // the validated SQL actually executed
	ResultSummary      string         `json:"result_summary"`
	RowCount           int            `json:"row_count"`
	SupportsHypothesis SupportVerdict `json:"supports_hypothesis"`
	Confidence         float64        `json:"confidence"` // [0,1]
	Interpretation     string         `json:"interpretation"`
	CausalChain        []string       `json:"causal_chain,omitempty"`
	KeyFindings        []string       `json:"key_findings,omitempty"`
}
