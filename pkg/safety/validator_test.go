package safety

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateQueryAccepts(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name string
		sql  string
		want string
	}{
		{
			name: "plain select with limit",
			sql:  "SELECT * FROM orders LIMIT 100",
			want: "SELECT * FROM orders LIMIT 100",
		},
		{
			name: "limit injected when missing",
			sql:  "SELECT count(*) FROM orders",
			want: "SELECT count(*) FROM orders LIMIT 10000",
		},
		{
			name: "with cte",
			sql:  "WITH daily AS (SELECT date, count(*) c FROM orders GROUP BY date) SELECT * FROM daily LIMIT 10",
			want: "WITH daily AS (SELECT date, count(*) c FROM orders GROUP BY date) SELECT * FROM daily LIMIT 10",
		},
		{
			name: "subquery with inner limit still gets outer limit",
			sql:  "SELECT * FROM (SELECT id FROM orders LIMIT 5) t",
			want: "SELECT * FROM (SELECT id FROM orders LIMIT 5) t LIMIT 10000",
		},
		{
			name: "trailing semicolon allowed",
			sql:  "SELECT 1 LIMIT 1;",
			want: "SELECT 1 LIMIT 1;",
		},
		{
			name: "drop inside string literal is not a verb",
			sql:  "SELECT * FROM t WHERE note = 'DROP TABLE t' LIMIT 10",
			want: "SELECT * FROM t WHERE note = 'DROP TABLE t' LIMIT 10",
		},
		{
			name: "update inside quoted identifier is not a verb",
			sql:  `SELECT "update" FROM audit LIMIT 5`,
			want: `SELECT "update" FROM audit LIMIT 5`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.ValidateQuery(tt.sql)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateQueryRejects(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name string
		sql  string
		kind ValidationKind
	}{
		{"empty", "", KindEmpty},
		{"whitespace only", "   \n\t  ", KindEmpty},
		{"comment only", "-- nothing here", KindEmpty},
		{"insert", "INSERT INTO t VALUES (1)", KindNotSelect},
		{"update", "UPDATE t SET x = 1", KindNotSelect},
		{"delete", "DELETE FROM t", KindNotSelect},
		{"drop", "DROP TABLE t", KindNotSelect},
		{"truncate", "TRUNCATE t", KindNotSelect},
		{"piggybacked drop", "SELECT 1; DROP TABLE t", KindNotSelect},
		{"piggybacked update", "SELECT * FROM t LIMIT 1; UPDATE t SET x=1", KindNotSelect},
		{"comment hiding ddl still select", "/*DROP*/ SELECT 1 LIMIT 1", ""},
		{"ddl after comment", "/* hi */ DROP TABLE t", KindNotSelect},
		{"cte wrapping insert", "WITH x AS (SELECT 1) INSERT INTO t SELECT * FROM x", KindNotSelect},
		{"explain analyze", "ANALYZE orders", KindNotSelect},
		{"copy out", "COPY t TO '/tmp/x'", KindNotSelect},
		{"unterminated string", "SELECT 'oops FROM t", KindParseError},
		{"unterminated comment", "SELECT 1 /* dangling", KindParseError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidateQuery(tt.sql)
			if tt.kind == "" {
				// the comment-hiding case is actually a valid SELECT
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.kind, verr.Kind)
		})
	}
}

func TestValidateQueryMissingLimitStrict(t *testing.T) {
	v := &Validator{RowLimit: 500, InjectLimit: false}

	_, err := v.ValidateQuery("SELECT * FROM t")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, KindMissingLimit, verr.Kind)

	got, err := v.ValidateQuery("SELECT * FROM t LIMIT 10")
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM t LIMIT 10", got)
}

func TestAddLimitIfMissingRespectsConfiguredCeiling(t *testing.T) {
	v := &Validator{RowLimit: 250, InjectLimit: true}
	got, err := v.ValidateQuery("SELECT id FROM t")
	require.NoError(t, err)
	assert.Equal(t, "SELECT id FROM t LIMIT 250", got)
}

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		name  string
		ident string
		ok    bool
	}{
		{"simple", "orders", true},
		{"dotted", "public.orders", true},
		{"deep path", "warehouse.public.orders", true},
		{"underscore start", "_private", true},
		{"digits", "t2024", true},
		{"semicolon", "orders;drop", false},
		{"space", "public orders", false},
		{"leading digit", "2orders", false},
		{"empty", "", false},
		{"trailing dot", "public.", false},
		{"quoted", `"orders"`, false},
		{"injection", "t WHERE 1=1 --", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeIdentifier(tt.ident)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.ident, got)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, KindInvalidIdentifier, verr.Kind)
		})
	}
}
