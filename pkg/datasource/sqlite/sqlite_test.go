package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datasleuth/datasleuth/pkg/datasource"
)

func openTestAdapter(t *testing.T) *Adapter {
	t.Helper()

	adapter, err := New(map[string]any{"path": ":memory:"})
	require.NoError(t, err)
	a := adapter.(*Adapter)
	require.NoError(t, a.Connect(context.Background()))
	t.Cleanup(func() { _ = a.Disconnect(context.Background()) })

	_, err = a.DB.Exec(`
		CREATE TABLE orders (
			id INTEGER PRIMARY KEY,
			customer_id INTEGER,
			amount NUMERIC(10,2),
			note TEXT,
			created_at TIMESTAMP
		)`)
	require.NoError(t, err)
	_, err = a.DB.Exec(`
		INSERT INTO orders (id, customer_id, amount, note, created_at) VALUES
		(1, 10, 5.00, 'a', '2024-01-14'),
		(2, 10, 7.50, NULL, '2024-01-15'),
		(3, 20, 1.25, 'c', '2024-01-15'),
		(4, NULL, 0.99, 'd', '2024-01-15')`)
	require.NoError(t, err)
	return a
}

func TestGetSchemaDiscoversTablesAndTypes(t *testing.T) {
	a := openTestAdapter(t)

	resp, err := a.GetSchema(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, resp.Tables(), 1)

	table := resp.FindTable("orders")
	require.NotNil(t, table)
	assert.Equal(t, "orders", table.NativePath)
	assert.Equal(t, datasource.TableTypeTable, table.TableType)
	require.Len(t, table.Columns, 5)

	byName := map[string]datasource.Column{}
	for _, c := range table.Columns {
		byName[c.Name] = c
	}
	assert.Equal(t, datasource.TypeInteger, byName["id"].DataType)
	assert.Equal(t, datasource.TypeDecimal, byName["amount"].DataType)
	assert.Equal(t, datasource.TypeString, byName["note"].DataType)
	assert.Equal(t, datasource.TypeTimestamp, byName["created_at"].DataType)
}

func TestExecuteQueryCollectsRows(t *testing.T) {
	a := openTestAdapter(t)

	result, err := a.ExecuteQuery(context.Background(),
		"SELECT id, customer_id FROM orders WHERE customer_id = ? ORDER BY id LIMIT 10",
		datasource.QueryOptions{Params: []any{10}})
	require.NoError(t, err)

	assert.Equal(t, 2, result.RowCount)
	assert.False(t, result.Truncated)
	require.Len(t, result.Columns, 2)
	assert.Equal(t, "id", result.Columns[0].Name)
	assert.EqualValues(t, 1, result.Rows[0]["id"])
}

func TestExecuteQueryTruncatesAtLimit(t *testing.T) {
	a := openTestAdapter(t)

	result, err := a.ExecuteQuery(context.Background(),
		"SELECT id FROM orders ORDER BY id LIMIT 10",
		datasource.QueryOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, result.RowCount)
	assert.True(t, result.Truncated)
}

func TestCountRowsAndPreview(t *testing.T) {
	a := openTestAdapter(t)

	count, err := a.CountRows(context.Background(), "orders")
	require.NoError(t, err)
	assert.EqualValues(t, 4, count)

	preview, err := a.Preview(context.Background(), "orders", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, preview.RowCount)
}

func TestCountRowsRejectsBadIdentifier(t *testing.T) {
	a := openTestAdapter(t)

	_, err := a.CountRows(context.Background(), "orders; DROP TABLE orders")
	var aerr *datasource.AdapterError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, datasource.CodeInvalidConfig, aerr.Code)
}

func TestColumnStats(t *testing.T) {
	a := openTestAdapter(t)

	stats, err := a.ColumnStats(context.Background(), "orders", []string{"customer_id", "note"})
	require.NoError(t, err)

	cid := stats["customer_id"]
	assert.EqualValues(t, 1, cid.NullCount)
	assert.InDelta(t, 0.25, cid.NullRate, 1e-9)
	assert.EqualValues(t, 2, cid.DistinctCount)

	note := stats["note"]
	assert.EqualValues(t, 1, note.NullCount)
	assert.EqualValues(t, 3, note.DistinctCount)
}

func TestSampleUsesRandomOrdering(t *testing.T) {
	a := openTestAdapter(t)

	sample, err := a.Sample(context.Background(), "orders", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, sample.RowCount)
}

func TestCapabilitiesDeclareNoWrite(t *testing.T) {
	a := openTestAdapter(t)
	caps := a.Capabilities()
	assert.True(t, caps.SQL)
	assert.False(t, caps.Write)
}
