package models

import (
	"github.com/datasleuth/datasleuth/pkg/datasource"
	"github.com/datasleuth/datasleuth/pkg/lineage"
)

// RelatedTable is a table sharing an id-shaped column with the target.
// Only the first shared column per table is recorded.
type RelatedTable struct {
	Table        string `json:"table"`
	SharedColumn string `json:"shared_column"`
}

// Correlation records that a related table fails to join against the
// target on the anomaly date. Strength is unmatched_rate/100, capped at
// 1.0. EvidenceQuery reproduces the measurement.
type Correlation struct {
	Table         string  `json:"table"`
	Column        string  `json:"column"`
	UnmatchedRate float64 `json:"unmatched_rate"` // percent
	Strength      float64 `json:"strength"`       // [0,1]
	EvidenceQuery string  `json:"evidence_query"`
}

// PatternKind classifies a detected time-series pattern.
type PatternKind string

const (
	PatternSpike PatternKind = "spike"
	PatternDrop  PatternKind = "drop"
)

// DailyMetric is one day of the time-series window around the anomaly.
type DailyMetric struct {
	Date      string  `json:"date"`
	Total     int64   `json:"total"`
	NullCount int64   `json:"null_count"`
	NullRate  float64 `json:"null_rate"`
}

// TimeSeriesPattern is a spike or drop detected in the target column's
// daily series. Start/End bound the interval the pattern covers.
type TimeSeriesPattern struct {
	Kind     PatternKind   `json:"kind"`
	Column   string        `json:"column,omitempty"`
	Baseline float64       `json:"baseline"`
	Extreme  float64       `json:"extreme"` // max for spikes, min for drops
	Severity float64       `json:"severity"`
	Start    string        `json:"start"`
	End      string        `json:"end"`
	Daily    []DailyMetric `json:"daily,omitempty"`
}

// UpstreamAnomaly records an elevated null rate on a join column of a
// related table on the anomaly date.
type UpstreamAnomaly struct {
	Table     string  `json:"table"`
	Column    string  `json:"column"`
	NullRate  float64 `json:"null_rate"` // percent
	TotalRows int64   `json:"total_rows"`
}

// InvestigationContext is everything the context engine gathered about
// the affected dataset. Set once on the state, then read-only.
type InvestigationContext struct {
	Schema            *datasource.SchemaResponse `json:"schema,omitempty"`
	TargetTable       *datasource.Table          `json:"target_table,omitempty"`
	Lineage           *lineage.Graph             `json:"lineage,omitempty"`
	RelatedTables     []RelatedTable             `json:"related_tables,omitempty"`
	Correlations      []Correlation              `json:"correlations,omitempty"`
	Pattern           *TimeSeriesPattern         `json:"pattern,omitempty"`
	UpstreamAnomalies []UpstreamAnomaly          `json:"upstream_anomalies,omitempty"`
}
