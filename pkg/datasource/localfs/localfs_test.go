package localfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datasleuth/datasleuth/pkg/datasource"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	root := t.TempDir()

	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o644))
	}
	write("orders.csv", "id,amount,note,day\n1,5.00,a,2024-01-14\n2,7.50,,2024-01-15\n3,1,c,2024-01-15\n")
	write("events.jsonl", `{"id": 1, "kind": "click"}
{"id": 2, "kind": "view", "extra": true}
`)
	write("users.json", `[{"id": 1, "name": "ada"}, {"id": 2, "name": null}]`)
	write("notes.txt", "not a data file")
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	write(filepath.Join("sub", "nested.csv"), "x\n1\n")

	adapter, err := New(map[string]any{"root": root})
	require.NoError(t, err)
	a := adapter.(*Adapter)
	require.NoError(t, a.Connect(context.Background()))
	return a
}

func TestListFilesRecursive(t *testing.T) {
	a := newTestAdapter(t)

	files, err := a.ListFiles(context.Background(), "*.csv", true)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "orders.csv", files[0].Path)
	assert.Equal(t, filepath.Join("sub", "nested.csv"), files[1].Path)
	assert.Positive(t, files[0].SizeB)

	flat, err := a.ListFiles(context.Background(), "*.csv", false)
	require.NoError(t, err)
	require.Len(t, flat, 1)
	assert.Equal(t, "orders.csv", flat[0].Path)
}

func TestReadCSVTypesValues(t *testing.T) {
	a := newTestAdapter(t)

	result, err := a.ReadFile(context.Background(), "orders.csv", "", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, result.RowCount)
	assert.False(t, result.Truncated)

	assert.EqualValues(t, 1, result.Rows[0]["id"])
	assert.EqualValues(t, 5.0, result.Rows[0]["amount"])
	assert.Nil(t, result.Rows[1]["note"], "empty csv field reads as null")

	byName := map[string]datasource.DataType{}
	for _, c := range result.Columns {
		byName[c.Name] = c.DataType
	}
	assert.Equal(t, datasource.TypeInteger, byName["id"])
	assert.Equal(t, datasource.TypeFloat, byName["amount"], "integer widens to float when mixed")
	assert.Equal(t, datasource.TypeDate, byName["day"])
}

func TestReadFileLimitsAndTruncates(t *testing.T) {
	a := newTestAdapter(t)

	result, err := a.ReadFile(context.Background(), "orders.csv", "", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, result.RowCount)
	assert.True(t, result.Truncated)
}

func TestReadJSONLines(t *testing.T) {
	a := newTestAdapter(t)

	result, err := a.ReadFile(context.Background(), "events.jsonl", "", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, result.RowCount)
	assert.Equal(t, "click", result.Rows[0]["kind"])
}

func TestInferSchemaJSON(t *testing.T) {
	a := newTestAdapter(t)

	columns, err := a.InferSchema(context.Background(), "users.json", "")
	require.NoError(t, err)

	byName := map[string]datasource.Column{}
	for _, c := range columns {
		byName[c.Name] = c
	}
	assert.Equal(t, datasource.TypeInteger, byName["id"].DataType)
	assert.False(t, byName["id"].Nullable)
	assert.Equal(t, datasource.TypeString, byName["name"].DataType)
	assert.True(t, byName["name"].Nullable)
}

func TestCountRows(t *testing.T) {
	a := newTestAdapter(t)

	count, err := a.CountRows(context.Background(), "orders.csv")
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)
}

func TestGetSchemaSkipsUnsupportedFiles(t *testing.T) {
	a := newTestAdapter(t)

	resp, err := a.GetSchema(context.Background(), "")
	require.NoError(t, err)

	var paths []string
	for _, table := range resp.Tables() {
		paths = append(paths, table.NativePath)
		assert.Equal(t, datasource.TableTypeFile, table.TableType)
	}
	assert.NotContains(t, paths, "notes.txt")
	assert.Contains(t, paths, "orders.csv")
	assert.Contains(t, paths, "events.jsonl")
}

func TestRejectsEscapingPaths(t *testing.T) {
	a := newTestAdapter(t)

	for _, path := range []string{"../secrets.csv", "/etc/passwd", "sub/../../x.csv"} {
		_, err := a.ReadFile(context.Background(), path, "", 0)
		var aerr *datasource.AdapterError
		require.ErrorAs(t, err, &aerr, path)
		assert.Equal(t, datasource.CodeAccessDenied, aerr.Code, path)
	}
}

func TestParquetDeclaredUnsupported(t *testing.T) {
	a := newTestAdapter(t)

	_, err := a.ReadFile(context.Background(), "data.parquet", "", 0)
	var aerr *datasource.AdapterError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, datasource.CodeNotImplemented, aerr.Code)

	_, err = a.ReadFile(context.Background(), "missing.csv", "", 0)
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, datasource.CodeTableNotFound, aerr.Code)
}
