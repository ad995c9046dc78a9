// Package mongodb implements a document data-source adapter for MongoDB.
// Collections have no declared schema, so structure is inferred by
// sampling documents and unioning the field types observed.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/datasleuth/datasleuth/pkg/datasource"
)

const (
	defaultScanLimit   = 100
	defaultSampleSize  = 100
	maxAggregateRows   = 10000
	schemaInferSamples = 50
)

// allowedStages is the read-only aggregation surface. Anything that can
// write ($out, $merge) or reach other namespaces ($lookup into writes,
// $unionWith) is rejected before the pipeline reaches the server.
var allowedStages = map[string]bool{
	"$match":       true,
	"$project":     true,
	"$group":       true,
	"$sort":        true,
	"$limit":       true,
	"$skip":        true,
	"$count":       true,
	"$unwind":      true,
	"$sample":      true,
	"$addFields":   true,
	"$set":         true,
	"$bucket":      true,
	"$bucketAuto":  true,
	"$sortByCount": true,
	"$facet":       true,
}

var capabilities = datasource.Capabilities{
	Sampling:        true,
	RowCount:        true,
	Preview:         true,
	SchemaInference: true,
}

// Adapter is the MongoDB implementation of datasource.DocumentAdapter.
type Adapter struct {
	uri      string
	database string

	client *mongo.Client
	db     *mongo.Database
}

// New creates a MongoDB adapter from a raw config map.
func New(config map[string]any) (datasource.Adapter, error) {
	uri, _ := config["uri"].(string)
	database, _ := config["database"].(string)
	return &Adapter{uri: uri, database: database}, nil
}

func (a *Adapter) Type() datasource.SourceType           { return datasource.SourceMongoDB }
func (a *Adapter) Capabilities() datasource.Capabilities { return capabilities }

// Connect establishes the client and verifies the deployment responds.
func (a *Adapter) Connect(ctx context.Context) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(a.uri))
	if err != nil {
		return datasource.NewError(datasource.CodeInvalidConfig, "invalid mongodb uri", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return mapError(err)
	}
	a.client = client
	a.db = client.Database(a.database)
	return nil
}

// Disconnect releases the client.
func (a *Adapter) Disconnect(ctx context.Context) error {
	if a.client == nil {
		return nil
	}
	err := a.client.Disconnect(ctx)
	a.client = nil
	a.db = nil
	return err
}

// TestConnection pings and reads the server version via buildInfo.
func (a *Adapter) TestConnection(ctx context.Context) (*datasource.ConnectionTestResult, error) {
	start := time.Now()
	if err := a.client.Ping(ctx, nil); err != nil {
		mapped := mapError(err)
		return &datasource.ConnectionTestResult{
			Success:   false,
			LatencyMs: time.Since(start).Milliseconds(),
			Message:   mapped.Message,
			ErrorCode: string(mapped.Code),
		}, nil
	}

	var info struct {
		Version string `bson:"version"`
	}
	// best effort; a failed version probe does not fail the test
	_ = a.db.RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}).Decode(&info)

	return &datasource.ConnectionTestResult{
		Success:       true,
		LatencyMs:     time.Since(start).Milliseconds(),
		ServerVersion: info.Version,
	}, nil
}

// GetSchema lists collections and infers each collection's structure
// from a small sample. The database maps to both catalog and schema.
func (a *Adapter) GetSchema(ctx context.Context, filter string) (*datasource.SchemaResponse, error) {
	names, err := a.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, datasource.NewError(datasource.CodeSchemaFetchFailed, "listCollections failed", err)
	}
	sort.Strings(names)

	prefix := strings.ToLower(strings.TrimSpace(filter))
	schema := datasource.Schema{Name: a.database}
	for _, name := range names {
		if strings.HasPrefix(name, "system.") {
			continue
		}
		if prefix != "" && !strings.HasPrefix(strings.ToLower(name), prefix) {
			continue
		}

		columns, err := a.InferSchema(ctx, name, schemaInferSamples)
		if err != nil {
			return nil, err
		}
		count, err := a.db.Collection(name).EstimatedDocumentCount(ctx)
		if err != nil {
			count = 0 // estimate only; absence is not fatal
		}
		schema.Tables = append(schema.Tables, datasource.Table{
			Name:       name,
			NativePath: name,
			TableType:  datasource.TableTypeCollection,
			Columns:    columns,
			RowCount:   count,
		})
	}

	return &datasource.SchemaResponse{
		SourceType: datasource.SourceMongoDB,
		Catalogs: []datasource.Catalog{{
			Name:    a.database,
			Schemas: []datasource.Schema{schema},
		}},
	}, nil
}

// Preview returns the first n documents in natural order.
func (a *Adapter) Preview(ctx context.Context, collection string, n int) (*datasource.QueryResult, error) {
	return a.ScanCollection(ctx, collection, n)
}

// Sample returns n random documents using $sample.
func (a *Adapter) Sample(ctx context.Context, collection string, n int) (*datasource.QueryResult, error) {
	if n <= 0 {
		n = defaultSampleSize
	}
	return a.Aggregate(ctx, collection, []map[string]any{
		{"$sample": map[string]any{"size": n}},
	})
}

// CountRows returns the exact document count.
func (a *Adapter) CountRows(ctx context.Context, collection string) (int64, error) {
	return a.CountDocuments(ctx, collection)
}

// ScanCollection reads up to n documents in natural order.
func (a *Adapter) ScanCollection(ctx context.Context, collection string, n int) (*datasource.QueryResult, error) {
	if n <= 0 {
		n = defaultScanLimit
	}
	start := time.Now()
	cursor, err := a.db.Collection(collection).Find(ctx, bson.D{}, options.Find().SetLimit(int64(n)))
	if err != nil {
		return nil, mapError(err)
	}
	result, err := collect(ctx, cursor, n)
	if err != nil {
		return nil, err
	}
	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	return result, nil
}

// CountDocuments returns the exact document count of a collection.
func (a *Adapter) CountDocuments(ctx context.Context, collection string) (int64, error) {
	count, err := a.db.Collection(collection).CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, mapError(err)
	}
	return count, nil
}

// Aggregate runs a read-only aggregation pipeline. Stages outside the
// allowlist are rejected; a $limit is appended when the pipeline lacks
// one so unbounded scans cannot reach the caller.
func (a *Adapter) Aggregate(ctx context.Context, collection string, pipeline []map[string]any) (*datasource.QueryResult, error) {
	stages, hasLimit, err := validatePipeline(pipeline)
	if err != nil {
		return nil, err
	}
	if !hasLimit {
		stages = append(stages, bson.D{{Key: "$limit", Value: maxAggregateRows}})
	}

	start := time.Now()
	cursor, err := a.db.Collection(collection).Aggregate(ctx, stages)
	if err != nil {
		return nil, mapError(err)
	}
	result, err := collect(ctx, cursor, maxAggregateRows)
	if err != nil {
		return nil, err
	}
	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	return result, nil
}

// validatePipeline checks every stage against the read-only allowlist
// and converts the pipeline into driver form.
func validatePipeline(pipeline []map[string]any) (mongo.Pipeline, bool, error) {
	stages := make(mongo.Pipeline, 0, len(pipeline))
	hasLimit := false
	for i, stage := range pipeline {
		if len(stage) != 1 {
			return nil, false, datasource.NewError(datasource.CodeQuerySyntaxError,
				fmt.Sprintf("pipeline stage %d must contain exactly one operator", i), nil)
		}
		for op, spec := range stage {
			if !allowedStages[op] {
				return nil, false, datasource.NewError(datasource.CodeAccessDenied,
					fmt.Sprintf("aggregation stage %q is not permitted", op), nil)
			}
			if op == "$limit" {
				hasLimit = true
			}
			stages = append(stages, bson.D{{Key: op, Value: spec}})
		}
	}
	return stages, hasLimit, nil
}

// InferSchema samples documents and unions field types across the
// sample. A field whose scalar type varies collapses to unknown; nested
// documents become struct columns with inferred children.
func (a *Adapter) InferSchema(ctx context.Context, collection string, sampleSize int) ([]datasource.Column, error) {
	if sampleSize <= 0 {
		sampleSize = schemaInferSamples
	}
	cursor, err := a.db.Collection(collection).Aggregate(ctx, mongo.Pipeline{
		{{Key: "$sample", Value: bson.D{{Key: "size", Value: sampleSize}}}},
	})
	if err != nil {
		return nil, mapError(err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []map[string]any
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, mapError(err)
		}
		docs = append(docs, normalizeDocument(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, mapError(err)
	}
	return inferColumns(docs), nil
}

// inferColumns unions the fields of the sampled documents. A field
// absent from some documents, or explicitly null, is nullable.
func inferColumns(docs []map[string]any) []datasource.Column {
	type fieldState struct {
		kind     datasource.DataType
		native   string
		nullable bool
		seen     int
		children []map[string]any
	}

	order := []string{}
	fields := map[string]*fieldState{}
	for _, doc := range docs {
		for name, value := range doc {
			state, ok := fields[name]
			if !ok {
				state = &fieldState{}
				fields[name] = state
				order = append(order, name)
			}
			state.seen++

			if value == nil {
				state.nullable = true
				continue
			}
			kind, native := bsonKind(value)
			if kind == datasource.TypeStruct {
				if nested, ok := value.(map[string]any); ok {
					state.children = append(state.children, nested)
				}
			}
			switch state.kind {
			case "":
				state.kind, state.native = kind, native
			case kind:
				// stable
			default:
				state.kind, state.native = datasource.TypeUnknown, "mixed"
				state.children = nil
			}
		}
	}

	sort.Strings(order)
	columns := make([]datasource.Column, 0, len(order))
	for _, name := range order {
		state := fields[name]
		kind := state.kind
		if kind == "" {
			kind = datasource.TypeUnknown
		}
		col := datasource.Column{
			Name:       name,
			NativeType: state.native,
			DataType:   kind,
			Nullable:   state.nullable || state.seen < len(docs),
		}
		if kind == datasource.TypeStruct && len(state.children) > 0 {
			col.Children = inferColumns(state.children)
		}
		columns = append(columns, col)
	}
	return columns
}

// bsonKind maps a decoded BSON value to the normalized type set.
func bsonKind(v any) (datasource.DataType, string) {
	switch v.(type) {
	case string:
		return datasource.TypeString, "string"
	case int32:
		return datasource.TypeInteger, "int"
	case int64, int:
		return datasource.TypeInteger, "long"
	case float64, float32:
		return datasource.TypeFloat, "double"
	case primitive.Decimal128:
		return datasource.TypeDecimal, "decimal"
	case bool:
		return datasource.TypeBoolean, "bool"
	case time.Time, primitive.DateTime:
		return datasource.TypeTimestamp, "date"
	case primitive.Timestamp:
		return datasource.TypeTimestamp, "timestamp"
	case primitive.ObjectID:
		return datasource.TypeString, "objectId"
	case primitive.Binary, []byte:
		return datasource.TypeBinary, "binData"
	case []any, primitive.A:
		return datasource.TypeArray, "array"
	case map[string]any, bson.M, primitive.D:
		return datasource.TypeStruct, "object"
	default:
		return datasource.TypeUnknown, fmt.Sprintf("%T", v)
	}
}

// collect drains a cursor into name-keyed records, flattening BSON
// primitives into JSON-friendly values.
func collect(ctx context.Context, cursor *mongo.Cursor, limit int) (*datasource.QueryResult, error) {
	defer func() { _ = cursor.Close(ctx) }()

	var records []map[string]any
	truncated := false
	for cursor.Next(ctx) {
		if limit > 0 && len(records) >= limit {
			truncated = true
			break
		}
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, mapError(err)
		}
		records = append(records, normalizeDocument(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, mapError(err)
	}

	// column list is the union of observed fields; documents are ragged
	seen := map[string]bool{}
	var columns []datasource.ResultColumn
	for _, record := range records {
		for name, value := range record {
			if seen[name] {
				continue
			}
			seen[name] = true
			kind := datasource.TypeUnknown
			if value != nil {
				kind, _ = bsonKind(value)
			}
			columns = append(columns, datasource.ResultColumn{Name: name, DataType: kind})
		}
	}
	sort.Slice(columns, func(i, j int) bool { return columns[i].Name < columns[j].Name })

	return &datasource.QueryResult{
		Columns:   columns,
		Rows:      records,
		RowCount:  len(records),
		Truncated: truncated,
	}, nil
}

// normalizeDocument converts BSON primitive wrappers into plain Go
// values so results serialize the same way as SQL rows.
func normalizeDocument(doc bson.M) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case primitive.ObjectID:
		return val.Hex()
	case primitive.DateTime:
		return val.Time().UTC()
	case primitive.Decimal128:
		return val.String()
	case primitive.Binary:
		return val.Data
	case bson.M:
		return normalizeDocument(val)
	case primitive.D:
		return normalizeDocument(val.Map())
	case primitive.A:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = normalizeValue(item)
		}
		return items
	default:
		return v
	}
}

// mapError translates driver errors into the closed taxonomy.
func mapError(err error) *datasource.AdapterError {
	if errors.Is(err, context.DeadlineExceeded) {
		return datasource.NewError(datasource.CodeQueryTimeout, "operation timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return datasource.NewError(datasource.CodeQueryCancelled, "operation cancelled", err)
	}
	if mongo.IsTimeout(err) {
		return datasource.NewError(datasource.CodeConnectionTimeout, "mongodb timed out", err)
	}
	if mongo.IsNetworkError(err) {
		return datasource.NewError(datasource.CodeConnectionFailed, "mongodb unreachable", err)
	}

	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		switch cmdErr.Code {
		case 13: // Unauthorized
			return datasource.NewError(datasource.CodeInsufficientPermissions, cmdErr.Message, err)
		case 18: // AuthenticationFailed
			return datasource.NewError(datasource.CodeAuthenticationFailed, cmdErr.Message, err)
		case 26: // NamespaceNotFound
			return datasource.NewError(datasource.CodeTableNotFound, cmdErr.Message, err)
		case 50: // MaxTimeMSExpired
			return datasource.NewError(datasource.CodeQueryTimeout, cmdErr.Message, err)
		}
	}
	return datasource.NewError(datasource.CodeInternalError, "mongodb operation failed", err)
}

// Definition describes the MongoDB source type for the registry.
func Definition() datasource.SourceTypeDefinition {
	return datasource.SourceTypeDefinition{
		Type:         datasource.SourceMongoDB,
		DisplayName:  "MongoDB",
		Icon:         "mongodb",
		Description:  "MongoDB document databases",
		Capabilities: capabilities,
		ConfigSchema: datasource.ConfigSchema{Groups: []datasource.FieldGroup{{
			Name: "connection",
			Fields: []datasource.ConfigField{
				{Name: "uri", Kind: datasource.FieldSecret, Required: true},
				{Name: "database", Kind: datasource.FieldString, Required: true},
			},
		}}},
	}
}

// Register adds the MongoDB adapter to a registry.
func Register(r *datasource.Registry) {
	r.MustRegister(Definition(), New)
}
