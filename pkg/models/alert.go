// Package models defines the core investigation data model: alerts,
// hypotheses, evidence, findings, and the append-only event log that
// backs investigation state.
package models

import (
	"fmt"
	"time"
)

// Severity classifies how badly a metric deviated from expectation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity is a known value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// MetricSpec describes the metric the anomaly was detected on.
type MetricSpec struct {
	Kind        string `json:"kind"`
	Column      string `json:"column,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// AnomalyAlert is the immutable input to an investigation: a metric on a
// dataset deviated from its expected value on a specific date.
//
// DatasetID is the fully qualified path as understood by the data-source
// adapter (e.g. "public.orders"). DeviationPct is always >= 0.
type AnomalyAlert struct {
	DatasetID     string         `json:"dataset_id"`
	MetricSpec    MetricSpec     `json:"metric_spec"`
	AnomalyType   string         `json:"anomaly_type"`
	ExpectedValue float64        `json:"expected_value"`
	ActualValue   float64        `json:"actual_value"`
	DeviationPct  float64        `json:"deviation_pct"`
	AnomalyDate   string         `json:"anomaly_date"` // calendar date, ISO 8601 (YYYY-MM-DD)
	Severity      Severity       `json:"severity"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Common anomaly types. The field is open-ended; these are the kinds the
// detection layer emits today.
const (
	AnomalyTypeRowCount  = "row_count"
	AnomalyTypeNullRate  = "null_rate"
	AnomalyTypeFreshness = "freshness"
)

// Validate checks the fields an investigation cannot start without.
func (a AnomalyAlert) Validate() error {
	if a.DatasetID == "" {
		return fmt.Errorf("dataset_id is required")
	}
	if a.AnomalyType == "" {
		return fmt.Errorf("anomaly_type is required")
	}
	if a.DeviationPct < 0 {
		return fmt.Errorf("deviation_pct must not be negative, got %v", a.DeviationPct)
	}
	if _, err := time.Parse("2006-01-02", a.AnomalyDate); err != nil {
		return fmt.Errorf("anomaly_date must be YYYY-MM-DD: %w", err)
	}
	if !a.Severity.IsValid() {
		return fmt.Errorf("invalid severity %q", a.Severity)
	}
	return nil
}
