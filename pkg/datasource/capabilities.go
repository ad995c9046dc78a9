package datasource

// Capabilities declares which optional operations an adapter supports.
// The core must consult these before invoking an optional operation.
// Write stays false for every adapter: probes are strictly read-only.
type Capabilities struct {
	SQL             bool `json:"sql"`
	Sampling        bool `json:"sampling"`
	RowCount        bool `json:"row_count"`
	ColumnStats     bool `json:"column_stats"`
	Preview         bool `json:"preview"`
	SchemaInference bool `json:"schema_inference"`
	Search          bool `json:"search"`
	Write           bool `json:"write"` // always false
}
