package models

// HypothesisCategory is the closed set of candidate explanations for an
// anomaly. Unknown incoming strings map to CategoryUnknown, never to a
// silently accepted value.
type HypothesisCategory string

const (
	CategoryUpstreamDependency HypothesisCategory = "upstream_dependency"
	CategoryTransformationBug  HypothesisCategory = "transformation_bug"
	CategoryDataQuality        HypothesisCategory = "data_quality"
	CategoryInfrastructure     HypothesisCategory = "infrastructure"
	CategoryExpectedVariance   HypothesisCategory = "expected_variance"
	CategoryUnknown            HypothesisCategory = "unknown"
)

// IsValid checks if the category is a known value (unknown counts).
func (c HypothesisCategory) IsValid() bool {
	switch c {
	case CategoryUpstreamDependency, CategoryTransformationBug,
		CategoryDataQuality, CategoryInfrastructure,
		CategoryExpectedVariance, CategoryUnknown:
		return true
	default:
		return false
	}
}

// ParseHypothesisCategory maps a raw string to a category, falling back to
// CategoryUnknown for anything it does not recognize.
func ParseHypothesisCategory(s string) HypothesisCategory {
	c := HypothesisCategory(s)
	if c.IsValid() {
		return c
	}
	return CategoryUnknown
}

// Hypothesis is one candidate explanation produced by the model.
// Immutable once created; probing never mutates it.
//
// SuggestedQuery is LLM-drafted SQL and has NOT been through the safety
// validator. Only validated queries ever reach an adapter.
type Hypothesis struct {
	ID             string             `json:"id"`
	Title          string             `json:"title"`
	Category       HypothesisCategory `json:"category"`
	Reasoning      string             `json:"reasoning"`
	SuggestedQuery string             `json:"suggested_query,omitempty"`
}
