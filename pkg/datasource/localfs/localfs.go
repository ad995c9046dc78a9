// Package localfs implements a data-source adapter over a directory of
// data files. CSV, JSON arrays, and JSON Lines are supported; schemas
// are inferred from the file contents. Parquet is not supported.
package localfs

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/datasleuth/datasleuth/pkg/datasource"
)

const (
	defaultReadLimit = 1000
	inferSampleRows  = 100
	maxLineBytes     = 1 << 20
)

var capabilities = datasource.Capabilities{
	RowCount:        true,
	Preview:         true,
	SchemaInference: true,
}

var supportedFormats = map[string]bool{
	"csv":   true,
	"json":  true,
	"jsonl": true,
}

// Adapter is the file-system implementation of datasource.FileAdapter.
// All paths are resolved relative to the configured root; paths that
// escape it are rejected.
type Adapter struct {
	root string
}

// New creates a filesystem adapter from a raw config map.
func New(config map[string]any) (datasource.Adapter, error) {
	root, _ := config["root"].(string)
	return &Adapter{root: root}, nil
}

func (a *Adapter) Type() datasource.SourceType           { return datasource.SourceLocalFS }
func (a *Adapter) Capabilities() datasource.Capabilities { return capabilities }

// Connect verifies the root exists and is a directory.
func (a *Adapter) Connect(context.Context) error {
	info, err := os.Stat(a.root)
	if err != nil {
		return datasource.NewError(datasource.CodeConnectionFailed, "root directory not accessible", err)
	}
	if !info.IsDir() {
		return datasource.NewError(datasource.CodeInvalidConfig,
			fmt.Sprintf("root %q is not a directory", a.root), nil)
	}
	return nil
}

// Disconnect is a no-op; nothing is held open.
func (a *Adapter) Disconnect(context.Context) error { return nil }

// TestConnection stats the root directory.
func (a *Adapter) TestConnection(ctx context.Context) (*datasource.ConnectionTestResult, error) {
	start := time.Now()
	if err := a.Connect(ctx); err != nil {
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
	return &datasource.ConnectionTestResult{
		Success:   true,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// GetSchema lists supported data files under the root and infers each
// file's structure. The filter narrows to relative-path prefixes.
func (a *Adapter) GetSchema(ctx context.Context, filter string) (*datasource.SchemaResponse, error) {
	files, err := a.ListFiles(ctx, "*", true)
	if err != nil {
		return nil, err
	}

	prefix := strings.ToLower(strings.TrimSpace(filter))
	schema := datasource.Schema{Name: "files"}
	for _, file := range files {
		format := formatForPath(file.Path)
		if !supportedFormats[format] {
			continue
		}
		if prefix != "" && !strings.HasPrefix(strings.ToLower(file.Path), prefix) {
			continue
		}
		columns, err := a.InferSchema(ctx, file.Path, format)
		if err != nil {
			return nil, err
		}
		schema.Tables = append(schema.Tables, datasource.Table{
			Name:       strings.TrimSuffix(filepath.Base(file.Path), filepath.Ext(file.Path)),
			NativePath: file.Path,
			TableType:  datasource.TableTypeFile,
			Columns:    columns,
		})
	}

	return &datasource.SchemaResponse{
		SourceType: datasource.SourceLocalFS,
		Catalogs: []datasource.Catalog{{
			Name:    a.root,
			Schemas: []datasource.Schema{schema},
		}},
	}, nil
}

// Preview returns the first n records of a file.
func (a *Adapter) Preview(ctx context.Context, path string, n int) (*datasource.QueryResult, error) {
	return a.ReadFile(ctx, path, "", n)
}

// Sample is not supported; files are read sequentially.
func (a *Adapter) Sample(ctx context.Context, path string, n int) (*datasource.QueryResult, error) {
	return nil, datasource.NotImplemented(datasource.SourceLocalFS, "Sample")
}

// CountRows counts the records in a file by scanning it fully.
func (a *Adapter) CountRows(ctx context.Context, path string) (int64, error) {
	result, err := a.ReadFile(ctx, path, "", 0)
	if err != nil {
		return 0, err
	}
	return int64(result.RowCount), nil
}

// ListFiles returns files under the root whose base name matches the
// glob pattern. Non-recursive listings cover only the root itself.
func (a *Adapter) ListFiles(ctx context.Context, pattern string, recursive bool) ([]datasource.FileInfo, error) {
	if pattern == "" {
		pattern = "*"
	}
	var files []datasource.FileInfo
	err := filepath.WalkDir(a.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !recursive && path != a.root {
				return filepath.SkipDir
			}
			return nil
		}
		matched, err := filepath.Match(pattern, d.Name())
		if err != nil {
			return err
		}
		if !matched {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(a.root, path)
		if err != nil {
			return err
		}
		files = append(files, datasource.FileInfo{
			Path:     rel,
			SizeB:    info.Size(),
			Modified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, filepath.ErrBadPattern) {
			return nil, datasource.NewError(datasource.CodeInvalidConfig,
				fmt.Sprintf("invalid glob pattern %q", pattern), err)
		}
		return nil, datasource.NewError(datasource.CodeInternalError, "directory walk failed", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// ReadFile parses a file into records. The format is taken from the
// explicit argument or the file extension; limit, when positive, caps
// the record count and sets the truncated flag.
func (a *Adapter) ReadFile(ctx context.Context, path, format string, limit int) (*datasource.QueryResult, error) {
	full, err := a.resolve(path)
	if err != nil {
		return nil, err
	}
	if format == "" {
		format = formatForPath(path)
	}
	if format == "parquet" {
		return nil, datasource.NotImplemented(datasource.SourceLocalFS, "parquet files")
	}
	if !supportedFormats[format] {
		return nil, datasource.NewError(datasource.CodeInvalidConfig,
			fmt.Sprintf("unsupported file format %q", format), nil)
	}

	start := time.Now()
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, datasource.NewError(datasource.CodeTableNotFound,
				fmt.Sprintf("file %q not found", path), err)
		}
		if errors.Is(err, fs.ErrPermission) {
			return nil, datasource.AccessDenied(path, err)
		}
		return nil, datasource.NewError(datasource.CodeInternalError, "open failed", err)
	}
	defer func() { _ = f.Close() }()

	var result *datasource.QueryResult
	switch format {
	case "csv":
		result, err = readCSV(f, limit)
	case "json":
		result, err = readJSONArray(f, limit)
	default:
		result, err = readJSONLines(f, limit)
	}
	if err != nil {
		return nil, err
	}
	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	return result, nil
}

// InferSchema reads a sample of the file and infers column types.
func (a *Adapter) InferSchema(ctx context.Context, path, format string) ([]datasource.Column, error) {
	result, err := a.ReadFile(ctx, path, format, inferSampleRows)
	if err != nil {
		return nil, err
	}

	columns := make([]datasource.Column, len(result.Columns))
	for i, rc := range result.Columns {
		kind, nullable := inferColumn(result.Rows, rc.Name)
		columns[i] = datasource.Column{
			Name:       rc.Name,
			NativeType: string(kind),
			DataType:   kind,
			Nullable:   nullable,
		}
	}
	return columns, nil
}

// resolve joins a relative path under the root, rejecting escapes.
func (a *Adapter) resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", datasource.NewError(datasource.CodeAccessDenied,
			"absolute paths are not permitted", nil)
	}
	full := filepath.Join(a.root, path)
	rel, err := filepath.Rel(a.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", datasource.NewError(datasource.CodeAccessDenied,
			fmt.Sprintf("path %q escapes the configured root", path), nil)
	}
	return full, nil
}

func formatForPath(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}

// readCSV treats the first row as the header and parses each value
// through typed inference.
func readCSV(r io.Reader, limit int) (*datasource.QueryResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return &datasource.QueryResult{}, nil
	}
	if err != nil {
		return nil, datasource.NewError(datasource.CodeInternalError, "csv header read failed", err)
	}

	var records []map[string]any
	truncated := false
	for {
		if limit > 0 && len(records) >= limit {
			truncated = true
			break
		}
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, datasource.NewError(datasource.CodeInternalError, "csv row read failed", err)
		}
		record := make(map[string]any, len(header))
		for i, name := range header {
			if i < len(row) {
				record[name] = parseCSVValue(row[i])
			} else {
				record[name] = nil
			}
		}
		records = append(records, record)
	}

	columns := make([]datasource.ResultColumn, len(header))
	for i, name := range header {
		kind, _ := inferColumn(records, name)
		columns[i] = datasource.ResultColumn{Name: name, DataType: kind}
	}
	return &datasource.QueryResult{
		Columns:   columns,
		Rows:      records,
		RowCount:  len(records),
		Truncated: truncated,
	}, nil
}

// parseCSVValue promotes a raw CSV field to the most specific value it
// parses as. An empty field becomes nil.
func parseCSVValue(s string) any {
	if s == "" {
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if s == "true" || s == "false" {
		return s == "true"
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return s
}

func readJSONArray(r io.Reader, limit int) (*datasource.QueryResult, error) {
	var records []map[string]any
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, datasource.NewError(datasource.CodeInternalError, "json array parse failed", err)
	}
	truncated := false
	if limit > 0 && len(records) > limit {
		records = records[:limit]
		truncated = true
	}
	result := resultFromRecords(records)
	result.Truncated = truncated
	return result, nil
}

func readJSONLines(r io.Reader, limit int) (*datasource.QueryResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var records []map[string]any
	truncated := false
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if limit > 0 && len(records) >= limit {
			truncated = true
			break
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(text), &record); err != nil {
			return nil, datasource.NewError(datasource.CodeInternalError,
				fmt.Sprintf("jsonl parse failed at line %d", line), err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, datasource.NewError(datasource.CodeInternalError, "jsonl scan failed", err)
	}
	result := resultFromRecords(records)
	result.Truncated = truncated
	return result, nil
}

// resultFromRecords builds the column union over ragged records.
func resultFromRecords(records []map[string]any) *datasource.QueryResult {
	seen := map[string]bool{}
	var columns []datasource.ResultColumn
	for _, record := range records {
		for name := range record {
			if seen[name] {
				continue
			}
			seen[name] = true
			kind, _ := inferColumn(records, name)
			columns = append(columns, datasource.ResultColumn{Name: name, DataType: kind})
		}
	}
	sort.Slice(columns, func(i, j int) bool { return columns[i].Name < columns[j].Name })
	return &datasource.QueryResult{
		Columns:  columns,
		Rows:     records,
		RowCount: len(records),
	}
}

// inferColumn unions the observed value kinds of one field. Integers
// widen to float when mixed with floats; any other mix degrades to
// string for CSV-style data and unknown otherwise.
func inferColumn(records []map[string]any, name string) (datasource.DataType, bool) {
	kind := datasource.DataType("")
	nullable := false
	for _, record := range records {
		value, present := record[name]
		if !present || value == nil {
			nullable = true
			continue
		}
		k := valueKind(value)
		switch {
		case kind == "":
			kind = k
		case kind == k:
			// stable
		case kind == datasource.TypeInteger && k == datasource.TypeFloat,
			kind == datasource.TypeFloat && k == datasource.TypeInteger:
			kind = datasource.TypeFloat
		default:
			return datasource.TypeString, nullable
		}
	}
	if kind == "" {
		kind = datasource.TypeUnknown
	}
	return kind, nullable
}

func valueKind(v any) datasource.DataType {
	switch val := v.(type) {
	case string:
		return datasource.TypeString
	case int64, int:
		return datasource.TypeInteger
	case float64:
		// JSON numbers decode as float64; whole values read as integer
		if val == float64(int64(val)) {
			return datasource.TypeInteger
		}
		return datasource.TypeFloat
	case bool:
		return datasource.TypeBoolean
	case time.Time:
		if val.Hour() == 0 && val.Minute() == 0 && val.Second() == 0 {
			return datasource.TypeDate
		}
		return datasource.TypeTimestamp
	case []any:
		return datasource.TypeArray
	case map[string]any:
		return datasource.TypeStruct
	default:
		return datasource.TypeUnknown
	}
}

// Definition describes the filesystem source type for the registry.
func Definition() datasource.SourceTypeDefinition {
	return datasource.SourceTypeDefinition{
		Type:         datasource.SourceLocalFS,
		DisplayName:  "Local Files",
		Icon:         "folder",
		Description:  "CSV, JSON, and JSON Lines files in a local directory",
		Capabilities: capabilities,
		ConfigSchema: datasource.ConfigSchema{Groups: []datasource.FieldGroup{{
			Name: "connection",
			Fields: []datasource.ConfigField{
				{Name: "root", Kind: datasource.FieldFile, Required: true},
			},
		}}},
	}
}

// Register adds the filesystem adapter to a registry.
func Register(r *datasource.Registry) {
	r.MustRegister(Definition(), New)
}
