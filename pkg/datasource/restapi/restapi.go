// Package restapi implements a data-source adapter for REST services
// that expose typed objects over JSON. The adapter expects three
// conventional routes under the configured base URL:
//
//	GET {base}/objects                 -> object names
//	GET {base}/objects/{name}/schema   -> field metadata
//	GET {base}/objects/{name}          -> records (limit, properties)
//
// Requests pass through a client-side rate limiter and a retrying HTTP
// client; 429 and 5xx responses are retried with backoff before being
// surfaced as adapter errors.
package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/datasleuth/datasleuth/pkg/datasource"
)

const (
	defaultRequestsPerSecond = 5
	defaultRetryMax          = 3
	defaultPreviewLimit      = 100
	maxResponseBytes         = 16 << 20
)

// typeMap normalizes the provider's declared field types.
var typeMap = datasource.NewTypeMapper(map[string]datasource.DataType{
	"string":    datasource.TypeString,
	"text":      datasource.TypeString,
	"id":        datasource.TypeString,
	"uuid":      datasource.TypeString,
	"email":     datasource.TypeString,
	"url":       datasource.TypeString,
	"enum":      datasource.TypeString,
	"int":       datasource.TypeInteger,
	"integer":   datasource.TypeInteger,
	"long":      datasource.TypeInteger,
	"number":    datasource.TypeFloat,
	"float":     datasource.TypeFloat,
	"double":    datasource.TypeFloat,
	"decimal":   datasource.TypeDecimal,
	"currency":  datasource.TypeDecimal,
	"bool":      datasource.TypeBoolean,
	"boolean":   datasource.TypeBoolean,
	"date":      datasource.TypeDate,
	"datetime":  datasource.TypeDatetime,
	"timestamp": datasource.TypeTimestamp,
	"time":      datasource.TypeTime,
	"array":     datasource.TypeArray,
	"list":      datasource.TypeArray,
	"object":    datasource.TypeStruct,
	"struct":    datasource.TypeStruct,
	"json":      datasource.TypeJSON,
	"binary":    datasource.TypeBinary,
})

var capabilities = datasource.Capabilities{
	Preview: true,
}

// Adapter is the REST implementation of datasource.APIAdapter.
type Adapter struct {
	baseURL string
	apiKey  string

	limiter *rate.Limiter
	client  *http.Client
}

// New creates a REST adapter from a raw config map.
func New(config map[string]any) (datasource.Adapter, error) {
	baseURL, _ := config["base_url"].(string)
	apiKey, _ := config["api_key"].(string)

	rps := float64(defaultRequestsPerSecond)
	switch v := config["requests_per_second"].(type) {
	case int:
		rps = float64(v)
	case float64:
		rps = v
	}
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = defaultRetryMax
	rc.Logger = nil

	return &Adapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		client:  rc.StandardClient(),
	}, nil
}

func (a *Adapter) Type() datasource.SourceType           { return datasource.SourceRESTAPI }
func (a *Adapter) Capabilities() datasource.Capabilities { return capabilities }

// Connect verifies the endpoint answers; REST sources hold no
// persistent connection.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.baseURL == "" {
		return datasource.NewError(datasource.CodeInvalidConfig, "base_url is required", nil)
	}
	_, err := a.ListObjects(ctx)
	return err
}

// Disconnect is a no-op; nothing is held open.
func (a *Adapter) Disconnect(context.Context) error { return nil }

// TestConnection probes the object listing route and measures latency.
func (a *Adapter) TestConnection(ctx context.Context) (*datasource.ConnectionTestResult, error) {
	start := time.Now()
	body, header, err := a.get(ctx, "/objects", nil)
	if err != nil {
		var aerr *datasource.AdapterError
		if errors.As(err, &aerr) {
			return &datasource.ConnectionTestResult{
				Success:   false,
				LatencyMs: time.Since(start).Milliseconds(),
				Message:   aerr.Message,
				ErrorCode: string(aerr.Code),
			}, nil
		}
		return nil, err
	}
	_ = body
	return &datasource.ConnectionTestResult{
		Success:       true,
		LatencyMs:     time.Since(start).Milliseconds(),
		ServerVersion: header.Get("X-Api-Version"),
	}, nil
}

// GetSchema describes every exposed object. The filter narrows to
// object names with the given prefix.
func (a *Adapter) GetSchema(ctx context.Context, filter string) (*datasource.SchemaResponse, error) {
	names, err := a.ListObjects(ctx)
	if err != nil {
		return nil, err
	}

	prefix := strings.ToLower(strings.TrimSpace(filter))
	schema := datasource.Schema{Name: "objects"}
	for _, name := range names {
		if prefix != "" && !strings.HasPrefix(strings.ToLower(name), prefix) {
			continue
		}
		columns, err := a.DescribeObject(ctx, name)
		if err != nil {
			return nil, err
		}
		schema.Tables = append(schema.Tables, datasource.Table{
			Name:       name,
			NativePath: name,
			TableType:  datasource.TableTypeObject,
			Columns:    columns,
		})
	}

	host := a.baseURL
	if u, err := url.Parse(a.baseURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return &datasource.SchemaResponse{
		SourceType: datasource.SourceRESTAPI,
		Catalogs: []datasource.Catalog{{
			Name:    host,
			Schemas: []datasource.Schema{schema},
		}},
	}, nil
}

// Preview fetches the first n records of an object.
func (a *Adapter) Preview(ctx context.Context, object string, n int) (*datasource.QueryResult, error) {
	return a.QueryObject(ctx, object, n, nil)
}

// Sample is not supported; the conventional routes expose no random
// sampling primitive.
func (a *Adapter) Sample(ctx context.Context, object string, n int) (*datasource.QueryResult, error) {
	return nil, datasource.NotImplemented(datasource.SourceRESTAPI, "Sample")
}

// CountRows is not supported; object counts are not part of the
// conventional routes.
func (a *Adapter) CountRows(ctx context.Context, object string) (int64, error) {
	return 0, datasource.NotImplemented(datasource.SourceRESTAPI, "CountRows")
}

// ListObjects returns the names of all exposed objects.
func (a *Adapter) ListObjects(ctx context.Context) ([]string, error) {
	body, _, err := a.get(ctx, "/objects", nil)
	if err != nil {
		return nil, err
	}
	names, err := decodeNames(body)
	if err != nil {
		return nil, datasource.NewError(datasource.CodeSchemaFetchFailed, "unexpected object list payload", err)
	}
	sort.Strings(names)
	return names, nil
}

// DescribeObject normalizes the provider's field metadata into Column
// records.
func (a *Adapter) DescribeObject(ctx context.Context, object string) ([]datasource.Column, error) {
	escaped, err := escapeObject(object)
	if err != nil {
		return nil, err
	}
	body, _, err := a.get(ctx, "/objects/"+escaped+"/schema", nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Fields []struct {
			Name     string `json:"name"`
			Type     string `json:"type"`
			Nullable *bool  `json:"nullable"`
		} `json:"fields"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, datasource.NewError(datasource.CodeSchemaFetchFailed, "unexpected schema payload", err)
	}

	columns := make([]datasource.Column, 0, len(payload.Fields))
	for _, f := range payload.Fields {
		nullable := true
		if f.Nullable != nil {
			nullable = *f.Nullable
		}
		columns = append(columns, datasource.Column{
			Name:       f.Name,
			NativeType: f.Type,
			DataType:   typeMap.Normalize(f.Type),
			Nullable:   nullable,
		})
	}
	return columns, nil
}

// QueryObject fetches up to limit records, optionally projected to the
// named properties.
func (a *Adapter) QueryObject(ctx context.Context, object string, limit int, properties []string) (*datasource.QueryResult, error) {
	escaped, err := escapeObject(object)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultPreviewLimit
	}

	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	if len(properties) > 0 {
		query.Set("properties", strings.Join(properties, ","))
	}

	start := time.Now()
	body, _, err := a.get(ctx, "/objects/"+escaped, query)
	if err != nil {
		return nil, err
	}
	records, err := decodeRecords(body)
	if err != nil {
		return nil, datasource.NewError(datasource.CodeInternalError, "unexpected records payload", err)
	}

	truncated := false
	if len(records) > limit {
		records = records[:limit]
		truncated = true
	}

	seen := map[string]bool{}
	var columns []datasource.ResultColumn
	for _, record := range records {
		for name, value := range record {
			if seen[name] {
				continue
			}
			seen[name] = true
			columns = append(columns, datasource.ResultColumn{Name: name, DataType: jsonKind(value)})
		}
	}
	sort.Slice(columns, func(i, j int) bool { return columns[i].Name < columns[j].Name })

	return &datasource.QueryResult{
		Columns:         columns,
		Rows:            records,
		RowCount:        len(records),
		Truncated:       truncated,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

// get performs one rate-limited, retried GET and maps failures into the
// closed taxonomy.
func (a *Adapter) get(ctx context.Context, path string, query url.Values) ([]byte, http.Header, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, nil, datasource.NewError(datasource.CodeQueryCancelled, "rate limiter wait cancelled", err)
	}

	target := a.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, datasource.NewError(datasource.CodeInvalidConfig, "invalid request url", err)
	}
	req.Header.Set("Accept", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, nil, mapTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, datasource.NewError(datasource.CodeConnectionFailed, "response read failed", err)
	}
	if resp.StatusCode >= 400 {
		return nil, nil, mapStatusError(resp, body)
	}
	return body, resp.Header, nil
}

func mapTransportError(err error) *datasource.AdapterError {
	if errors.Is(err, context.DeadlineExceeded) {
		return datasource.NewError(datasource.CodeConnectionTimeout, "request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return datasource.NewError(datasource.CodeQueryCancelled, "request cancelled", err)
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return datasource.NewError(datasource.CodeConnectionTimeout, "request timed out", err)
	}
	return datasource.NewError(datasource.CodeConnectionFailed, "request failed", err)
}

func mapStatusError(resp *http.Response, body []byte) *datasource.AdapterError {
	message := strings.TrimSpace(string(body))
	if len(message) > 200 {
		message = message[:200]
	}
	if message == "" {
		message = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return datasource.NewError(datasource.CodeAuthenticationFailed, message, nil)
	case resp.StatusCode == http.StatusForbidden:
		return datasource.NewError(datasource.CodeAccessDenied, message, nil)
	case resp.StatusCode == http.StatusNotFound:
		return datasource.NewError(datasource.CodeTableNotFound, message, nil)
	case resp.StatusCode == http.StatusBadRequest:
		return datasource.NewError(datasource.CodeQuerySyntaxError, message, nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		aerr := datasource.NewError(datasource.CodeRateLimited, message, nil)
		if after, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && after > 0 {
			aerr.RetryAfter = time.Duration(after) * time.Second
		}
		return aerr
	case resp.StatusCode >= 500:
		return datasource.NewError(datasource.CodeConnectionFailed, message, nil)
	default:
		return datasource.NewError(datasource.CodeInternalError, message, nil)
	}
}

// escapeObject rejects names that would change the request path shape.
func escapeObject(object string) (string, error) {
	if object == "" || strings.ContainsAny(object, "/?#") {
		return "", datasource.NewError(datasource.CodeInvalidConfig,
			fmt.Sprintf("invalid object name %q", object), nil)
	}
	return url.PathEscape(object), nil
}

// decodeNames accepts either a bare array of names or an envelope with
// an "objects" key.
func decodeNames(body []byte) ([]string, error) {
	var bare []string
	if err := json.Unmarshal(body, &bare); err == nil {
		return bare, nil
	}
	var envelope struct {
		Objects []string `json:"objects"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	return envelope.Objects, nil
}

// decodeRecords accepts a bare array of records or an envelope keyed
// "records" or "data".
func decodeRecords(body []byte) ([]map[string]any, error) {
	var bare []map[string]any
	if err := json.Unmarshal(body, &bare); err == nil {
		return bare, nil
	}
	var envelope struct {
		Records []map[string]any `json:"records"`
		Data    []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	if envelope.Records != nil {
		return envelope.Records, nil
	}
	return envelope.Data, nil
}

// jsonKind maps a decoded JSON value to the normalized type set.
func jsonKind(v any) datasource.DataType {
	switch v.(type) {
	case string:
		return datasource.TypeString
	case float64:
		return datasource.TypeFloat
	case bool:
		return datasource.TypeBoolean
	case []any:
		return datasource.TypeArray
	case map[string]any:
		return datasource.TypeStruct
	case nil:
		return datasource.TypeUnknown
	default:
		return datasource.TypeUnknown
	}
}

// Definition describes the REST source type for the registry.
func Definition() datasource.SourceTypeDefinition {
	return datasource.SourceTypeDefinition{
		Type:         datasource.SourceRESTAPI,
		DisplayName:  "REST API",
		Icon:         "api",
		Description:  "JSON REST services exposing typed objects",
		Capabilities: capabilities,
		ConfigSchema: datasource.ConfigSchema{Groups: []datasource.FieldGroup{{
			Name: "connection",
			Fields: []datasource.ConfigField{
				{Name: "base_url", Kind: datasource.FieldString, Required: true},
				{Name: "api_key", Kind: datasource.FieldSecret},
				{Name: "requests_per_second", Kind: datasource.FieldInteger, Default: defaultRequestsPerSecond},
			},
		}}},
	}
}

// Register adds the REST adapter to a registry.
func Register(r *datasource.Registry) {
	r.MustRegister(Definition(), New)
}
