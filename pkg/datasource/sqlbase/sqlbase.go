// Package sqlbase implements the SQL adapter shape shared by all
// database/sql-backed sources. Concrete adapters supply a type map, a
// schema discoverer, and optionally override the sampling query; the
// base provides execution, preview, row counts, and column statistics.
//
// Table and column names interpolated into generated statements pass
// through safety.SanitizeIdentifier; values are bound as parameters.
package sqlbase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/datasleuth/datasleuth/pkg/datasource"
	"github.com/datasleuth/datasleuth/pkg/safety"
)

// SchemaFunc discovers the source's structure. Supplied by the concrete
// adapter because discovery is engine-specific (information_schema,
// PRAGMA, catalogs).
type SchemaFunc func(ctx context.Context, db *sql.DB, filter string) (*datasource.SchemaResponse, error)

// SampleQueryFunc builds the engine's native sampling statement. The
// default orders by RANDOM(), which is acceptable for the small n the
// context engine uses.
type SampleQueryFunc func(table string, n int) string

// Base is the common SQL adapter implementation. Concrete adapters embed
// it and add connection management.
type Base struct {
	DB          *sql.DB
	SourceType  datasource.SourceType
	Types       *datasource.TypeMapper
	Schema      SchemaFunc
	SampleQuery SampleQueryFunc

	// MapError converts a driver error into an AdapterError. When nil,
	// a generic mapping is applied.
	MapError func(err error) *datasource.AdapterError
}

// DefaultSampleQuery is the portable fallback sampling statement.
func DefaultSampleQuery(table string, n int) string {
	return fmt.Sprintf("SELECT * FROM %s ORDER BY RANDOM() LIMIT %d", table, n)
}

func (b *Base) mapError(err error) *datasource.AdapterError {
	if errors.Is(err, context.DeadlineExceeded) {
		return datasource.NewError(datasource.CodeQueryTimeout, "query timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return datasource.NewError(datasource.CodeQueryCancelled, "query cancelled", err)
	}
	if b.MapError != nil {
		if mapped := b.MapError(err); mapped != nil {
			return mapped
		}
	}
	return datasource.NewError(datasource.CodeInternalError, "query execution failed", err)
}

// ExecuteQuery runs a validated SELECT and collects a bounded result
// set. opts.Limit, when positive, caps collected rows and sets the
// Truncated flag when hit; opts.Timeout bounds wall-clock time.
func (b *Base) ExecuteQuery(ctx context.Context, query string, opts datasource.QueryOptions) (*datasource.QueryResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	rows, err := b.DB.QueryContext(ctx, query, opts.Params...)
	if err != nil {
		return nil, b.mapError(err)
	}
	defer func() { _ = rows.Close() }()

	result, err := b.collect(rows, opts.Limit)
	if err != nil {
		return nil, b.mapError(err)
	}
	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	return result, nil
}

// collect scans all rows into name-keyed records.
func (b *Base) collect(rows *sql.Rows, limit int) (*datasource.QueryResult, error) {
	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	columns := make([]datasource.ResultColumn, len(names))
	for i, name := range names {
		kind := datasource.TypeUnknown
		if b.Types != nil && i < len(colTypes) {
			kind = b.Types.Normalize(colTypes[i].DatabaseTypeName())
		}
		columns[i] = datasource.ResultColumn{Name: name, DataType: kind}
	}

	var records []map[string]any
	truncated := false
	for rows.Next() {
		if limit > 0 && len(records) >= limit {
			truncated = true
			break
		}
		values := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		record := make(map[string]any, len(names))
		for i, name := range names {
			record[name] = normalizeValue(values[i])
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &datasource.QueryResult{
		Columns:   columns,
		Rows:      records,
		RowCount:  len(records),
		Truncated: truncated,
	}, nil
}

// normalizeValue converts driver byte slices into strings so results
// JSON-encode sanely.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// Preview returns the first n rows of a table.
func (b *Base) Preview(ctx context.Context, table string, n int) (*datasource.QueryResult, error) {
	ident, err := safety.SanitizeIdentifier(table)
	if err != nil {
		return nil, datasource.NewError(datasource.CodeInvalidConfig, err.Error(), err)
	}
	query := fmt.Sprintf("SELECT * FROM %s LIMIT %d", ident, n)
	return b.ExecuteQuery(ctx, query, datasource.QueryOptions{Limit: n})
}

// Sample returns n approximately random rows using the engine's
// sampling primitive.
func (b *Base) Sample(ctx context.Context, table string, n int) (*datasource.QueryResult, error) {
	ident, err := safety.SanitizeIdentifier(table)
	if err != nil {
		return nil, datasource.NewError(datasource.CodeInvalidConfig, err.Error(), err)
	}
	sampler := b.SampleQuery
	if sampler == nil {
		sampler = DefaultSampleQuery
	}
	return b.ExecuteQuery(ctx, sampler(ident, n), datasource.QueryOptions{Limit: n})
}

// CountRows returns the exact row count of a table.
func (b *Base) CountRows(ctx context.Context, table string) (int64, error) {
	ident, err := safety.SanitizeIdentifier(table)
	if err != nil {
		return 0, datasource.NewError(datasource.CodeInvalidConfig, err.Error(), err)
	}
	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) AS cnt FROM %s", ident)
	if err := b.DB.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, b.mapError(err)
	}
	return count, nil
}

// ColumnStats issues one aggregate SELECT per column: total, non-null,
// distinct, min, max.
func (b *Base) ColumnStats(ctx context.Context, table string, columns []string) (map[string]datasource.ColumnStats, error) {
	ident, err := safety.SanitizeIdentifier(table)
	if err != nil {
		return nil, datasource.NewError(datasource.CodeInvalidConfig, err.Error(), err)
	}

	stats := make(map[string]datasource.ColumnStats, len(columns))
	for _, col := range columns {
		colIdent, err := safety.SanitizeIdentifier(col)
		if err != nil {
			return nil, datasource.NewError(datasource.CodeInvalidConfig, err.Error(), err)
		}

		query := fmt.Sprintf(
			"SELECT COUNT(*), COUNT(%s), COUNT(DISTINCT %s), MIN(%s), MAX(%s) FROM %s",
			colIdent, colIdent, colIdent, colIdent, ident)

		var total, nonNull, distinct int64
		var minVal, maxVal any
		if err := b.DB.QueryRowContext(ctx, query).Scan(&total, &nonNull, &distinct, &minVal, &maxVal); err != nil {
			return nil, b.mapError(err)
		}

		nullCount := total - nonNull
		var nullRate float64
		if total > 0 {
			nullRate = float64(nullCount) / float64(total)
		}
		stats[col] = datasource.ColumnStats{
			NullCount:     nullCount,
			NullRate:      nullRate,
			DistinctCount: distinct,
			MinValue:      normalizeValue(minVal),
			MaxValue:      normalizeValue(maxVal),
		}
	}
	return stats, nil
}

// GetSchema delegates to the adapter's discoverer.
func (b *Base) GetSchema(ctx context.Context, filter string) (*datasource.SchemaResponse, error) {
	if b.Schema == nil {
		return nil, datasource.NotImplemented(b.SourceType, "GetSchema")
	}
	resp, err := b.Schema(ctx, b.DB, filter)
	if err != nil {
		var aerr *datasource.AdapterError
		if errors.As(err, &aerr) {
			return nil, aerr
		}
		return nil, datasource.NewError(datasource.CodeSchemaFetchFailed, "schema discovery failed", err)
	}
	return resp, nil
}

// TestConnection pings the database and measures latency.
func (b *Base) TestConnection(ctx context.Context, versionQuery string) (*datasource.ConnectionTestResult, error) {
	start := time.Now()
	if err := b.DB.PingContext(ctx); err != nil {
		mapped := b.mapError(err)
		return &datasource.ConnectionTestResult{
			Success:   false,
			LatencyMs: time.Since(start).Milliseconds(),
			Message:   mapped.Message,
			ErrorCode: string(mapped.Code),
		}, nil
	}

	var version string
	if versionQuery != "" {
		// best effort; a failed version probe does not fail the test
		_ = b.DB.QueryRowContext(ctx, versionQuery).Scan(&version)
	}

	return &datasource.ConnectionTestResult{
		Success:       true,
		LatencyMs:     time.Since(start).Milliseconds(),
		ServerVersion: strings.TrimSpace(version),
	}, nil
}
