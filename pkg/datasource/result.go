package datasource

// ResultColumn describes one column of a query result.
type ResultColumn struct {
	Name     string   `json:"name"`
	DataType DataType `json:"data_type"`
}

// QueryResult is a bounded, frozen result set. Rows are name-keyed
// records in column order; Truncated is set when the adapter's row limit
// cut the result short.
type QueryResult struct {
	Columns         []ResultColumn   `json:"columns"`
	Rows            []map[string]any `json:"rows"`
	RowCount        int              `json:"row_count"`
	Truncated       bool             `json:"truncated"`
	ExecutionTimeMs int64            `json:"execution_time_ms"`
}

// ColumnStats summarizes one column for context gathering.
type ColumnStats struct {
	NullCount     int64   `json:"null_count"`
	NullRate      float64 `json:"null_rate"`
	DistinctCount int64   `json:"distinct_count"`
	MinValue      any     `json:"min_value,omitempty"`
	MaxValue      any     `json:"max_value,omitempty"`
}
