// Package datasource defines the uniform contract the investigation core
// uses to talk to tenant data sources: SQL engines, document stores,
// REST APIs, and file systems. Concrete adapters live in subpackages and
// register themselves with the Registry at process start.
//
// The core consults an adapter's Capabilities before invoking any
// optional operation; calling an unsupported operation returns a
// NOT_IMPLEMENTED AdapterError. No adapter exposes a write path.
package datasource

import (
	"context"
	"time"
)

// SourceType identifies a kind of data source. Closed set; unknown
// incoming strings map to SourceUnknown.
type SourceType string

const (
	SourcePostgres SourceType = "postgres"
	SourceSQLite   SourceType = "sqlite"
	SourceMongoDB  SourceType = "mongodb"
	SourceRESTAPI  SourceType = "restapi"
	SourceLocalFS  SourceType = "localfs"
	SourceUnknown  SourceType = "unknown"
)

// IsValid checks if the source type is a known value (unknown counts).
func (s SourceType) IsValid() bool {
	switch s {
	case SourcePostgres, SourceSQLite, SourceMongoDB, SourceRESTAPI,
		SourceLocalFS, SourceUnknown:
		return true
	default:
		return false
	}
}

// ParseSourceType maps a raw string to a source type, falling back to
// SourceUnknown.
func ParseSourceType(s string) SourceType {
	t := SourceType(s)
	if t.IsValid() {
		return t
	}
	return SourceUnknown
}

// Category groups source types for presentation.
type Category string

const (
	CategoryDatabase   Category = "database"
	CategoryAPI        Category = "api"
	CategoryFilesystem Category = "filesystem"
)

// CategoryOf derives the category from the source type.
func (s SourceType) CategoryOf() Category {
	switch s {
	case SourceRESTAPI:
		return CategoryAPI
	case SourceLocalFS:
		return CategoryFilesystem
	default:
		return CategoryDatabase
	}
}

// ConnectionTestResult reports the outcome of a connectivity probe.
type ConnectionTestResult struct {
	Success       bool   `json:"success"`
	LatencyMs     int64  `json:"latency_ms"`
	ServerVersion string `json:"server_version,omitempty"`
	Message       string `json:"message,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
}

// QueryOptions bounds a single query execution.
type QueryOptions struct {
	Params  []any
	Timeout time.Duration
	Limit   int
}

// Adapter is the contract shared by every data-source implementation.
// Adapter instances are not required to be safe for concurrent use; the
// caller serializes calls on one instance or pools several.
type Adapter interface {
	Type() SourceType
	Capabilities() Capabilities

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	TestConnection(ctx context.Context) (*ConnectionTestResult, error)

	// GetSchema discovers the source's structure, optionally narrowed by
	// a filter the adapter interprets (dataset path prefix, database
	// name). The returned SchemaResponse is frozen.
	GetSchema(ctx context.Context, filter string) (*SchemaResponse, error)

	Preview(ctx context.Context, table string, n int) (*QueryResult, error)
	Sample(ctx context.Context, table string, n int) (*QueryResult, error)
	CountRows(ctx context.Context, table string) (int64, error)
}

// SQLAdapter is implemented by SQL-shaped sources. ExecuteQuery only
// ever receives statements admitted by the safety validator.
type SQLAdapter interface {
	Adapter
	ExecuteQuery(ctx context.Context, sql string, opts QueryOptions) (*QueryResult, error)
	ColumnStats(ctx context.Context, table string, columns []string) (map[string]ColumnStats, error)
}

// DocumentAdapter is implemented by document-shaped sources. Schemas are
// inferred by sampling rather than declared.
type DocumentAdapter interface {
	Adapter
	ScanCollection(ctx context.Context, collection string, n int) (*QueryResult, error)
	CountDocuments(ctx context.Context, collection string) (int64, error)
	Aggregate(ctx context.Context, collection string, pipeline []map[string]any) (*QueryResult, error)
	InferSchema(ctx context.Context, collection string, sampleSize int) ([]Column, error)
}

// APIAdapter is implemented by REST-shaped sources exposing typed
// objects.
type APIAdapter interface {
	Adapter
	ListObjects(ctx context.Context) ([]string, error)
	DescribeObject(ctx context.Context, object string) ([]Column, error)
	QueryObject(ctx context.Context, object string, limit int, properties []string) (*QueryResult, error)
}

// FileInfo describes one file visible to a file-system adapter.
type FileInfo struct {
	Path     string    `json:"path"`
	SizeB    int64     `json:"size_bytes"`
	Modified time.Time `json:"modified"`
}

// FileAdapter is implemented by file-system-shaped sources. ReadFile
// dispatches on extension or the explicit format.
type FileAdapter interface {
	Adapter
	ListFiles(ctx context.Context, pattern string, recursive bool) ([]FileInfo, error)
	ReadFile(ctx context.Context, path, format string, limit int) (*QueryResult, error)
	InferSchema(ctx context.Context, path, format string) ([]Column, error)
}
