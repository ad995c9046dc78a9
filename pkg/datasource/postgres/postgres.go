// Package postgres implements the PostgreSQL data-source adapter on top
// of database/sql with the pgx driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver

	"github.com/datasleuth/datasleuth/pkg/datasource"
	"github.com/datasleuth/datasleuth/pkg/datasource/sqlbase"
)

// typeMap normalizes PostgreSQL native types. Longest prefix wins, so
// "timestamp with time zone" beats bare "timestamp".
var typeMap = datasource.NewTypeMapper(map[string]datasource.DataType{
	"character varying":           datasource.TypeString,
	"varchar":                     datasource.TypeString,
	"character":                   datasource.TypeString,
	"char":                        datasource.TypeString,
	"text":                        datasource.TypeString,
	"name":                        datasource.TypeString,
	"citext":                      datasource.TypeString,
	"uuid":                        datasource.TypeString,
	"smallint":                    datasource.TypeInteger,
	"integer":                     datasource.TypeInteger,
	"int2":                        datasource.TypeInteger,
	"int4":                        datasource.TypeInteger,
	"int8":                        datasource.TypeInteger,
	"int":                         datasource.TypeInteger,
	"bigint":                      datasource.TypeInteger,
	"serial":                      datasource.TypeInteger,
	"bigserial":                   datasource.TypeInteger,
	"real":                        datasource.TypeFloat,
	"float4":                      datasource.TypeFloat,
	"float8":                      datasource.TypeFloat,
	"double precision":            datasource.TypeFloat,
	"numeric":                     datasource.TypeDecimal,
	"decimal":                     datasource.TypeDecimal,
	"money":                       datasource.TypeDecimal,
	"boolean":                     datasource.TypeBoolean,
	"bool":                        datasource.TypeBoolean,
	"date":                        datasource.TypeDate,
	"timestamp with time zone":    datasource.TypeTimestamp,
	"timestamp without time zone": datasource.TypeTimestamp,
	"timestamptz":                 datasource.TypeTimestamp,
	"timestamp":                   datasource.TypeTimestamp,
	"time with time zone":         datasource.TypeTime,
	"time without time zone":      datasource.TypeTime,
	"time":                        datasource.TypeTime,
	"interval":                    datasource.TypeString,
	"bytea":                       datasource.TypeBinary,
	"json":                        datasource.TypeJSON,
	"jsonb":                       datasource.TypeJSON,
	"xml":                         datasource.TypeString,
	"array":                       datasource.TypeArray,
	"hstore":                      datasource.TypeMap,
	"inet":                        datasource.TypeString,
	"cidr":                        datasource.TypeString,
})

// Adapter is the PostgreSQL implementation of datasource.SQLAdapter.
type Adapter struct {
	sqlbase.Base
	dsn string
}

// capabilities for PostgreSQL: full SQL surface, no write.
var capabilities = datasource.Capabilities{
	SQL:         true,
	Sampling:    true,
	RowCount:    true,
	ColumnStats: true,
	Preview:     true,
}

// New creates a PostgreSQL adapter from a raw config map. Connect must
// be called before use.
func New(config map[string]any) (datasource.Adapter, error) {
	host, _ := config["host"].(string)
	database, _ := config["database"].(string)
	user, _ := config["user"].(string)
	password, _ := config["password"].(string)
	sslmode, _ := config["sslmode"].(string)
	if sslmode == "" {
		sslmode = "disable"
	}
	port := 5432
	switch p := config["port"].(type) {
	case int:
		port = p
	case float64:
		port = int(p)
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, database, sslmode)

	a := &Adapter{dsn: dsn}
	a.Base = sqlbase.Base{
		SourceType:  datasource.SourcePostgres,
		Types:       typeMap,
		Schema:      discoverSchema,
		SampleQuery: sampleQuery,
		MapError:    mapError,
	}
	return a, nil
}

// sampleQuery uses TABLESAMPLE SYSTEM, PostgreSQL's native block
// sampling; LIMIT bounds the result precisely.
func sampleQuery(table string, n int) string {
	return fmt.Sprintf("SELECT * FROM %s TABLESAMPLE SYSTEM (5) LIMIT %d", table, n)
}

func (a *Adapter) Type() datasource.SourceType        { return datasource.SourcePostgres }
func (a *Adapter) Capabilities() datasource.Capabilities { return capabilities }

// Connect opens the pool and verifies connectivity.
func (a *Adapter) Connect(ctx context.Context) error {
	db, err := sql.Open("pgx", a.dsn)
	if err != nil {
		return datasource.NewError(datasource.CodeInvalidConfig, "invalid connection config", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return mapError(err)
	}
	a.DB = db
	return nil
}

// Disconnect closes the pool.
func (a *Adapter) Disconnect(context.Context) error {
	if a.DB == nil {
		return nil
	}
	err := a.DB.Close()
	a.DB = nil
	return err
}

// TestConnection pings and reads the server version.
func (a *Adapter) TestConnection(ctx context.Context) (*datasource.ConnectionTestResult, error) {
	return a.Base.TestConnection(ctx, "SELECT version()")
}

// mapError translates PostgreSQL SQLSTATE classes into the closed
// taxonomy.
func mapError(err error) *datasource.AdapterError {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		if strings.Contains(err.Error(), "connection refused") {
			return datasource.NewError(datasource.CodeConnectionFailed, "connection refused", err)
		}
		return datasource.NewError(datasource.CodeInternalError, "database error", err)
	}

	switch {
	case pgErr.Code == "42601":
		return datasource.QuerySyntax(pgErr.Message, int(pgErr.Position), err)
	case pgErr.Code == "42P01":
		return datasource.NewError(datasource.CodeTableNotFound, pgErr.Message, err)
	case pgErr.Code == "42703":
		return datasource.NewError(datasource.CodeColumnNotFound, pgErr.Message, err)
	case pgErr.Code == "42501":
		return datasource.NewError(datasource.CodeInsufficientPermissions, pgErr.Message, err)
	case strings.HasPrefix(pgErr.Code, "28"):
		return datasource.NewError(datasource.CodeAuthenticationFailed, pgErr.Message, err)
	case strings.HasPrefix(pgErr.Code, "53"):
		return datasource.NewError(datasource.CodeResourceExhausted, pgErr.Message, err)
	case pgErr.Code == "57014":
		return datasource.NewError(datasource.CodeQueryCancelled, pgErr.Message, err)
	case strings.HasPrefix(pgErr.Code, "08"):
		return datasource.NewError(datasource.CodeConnectionFailed, pgErr.Message, err)
	default:
		return datasource.NewError(datasource.CodeInternalError, pgErr.Message, err)
	}
}

// discoverSchema walks information_schema. The filter, when non-empty,
// narrows discovery to a schema or schema.table prefix.
func discoverSchema(ctx context.Context, db *sql.DB, filter string) (*datasource.SchemaResponse, error) {
	query := `
		SELECT c.table_catalog, c.table_schema, c.table_name, t.table_type,
		       c.column_name, c.data_type, c.is_nullable
		FROM information_schema.columns c
		JOIN information_schema.tables t
		  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
		WHERE c.table_schema NOT IN ('pg_catalog', 'information_schema')
		ORDER BY c.table_schema, c.table_name, c.ordinal_position`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, datasource.NewError(datasource.CodeSchemaFetchFailed, "information_schema query failed", err)
	}
	defer func() { _ = rows.Close() }()

	type tableKey struct{ catalog, schema, table string }
	order := []tableKey{}
	tables := map[tableKey]*datasource.Table{}
	kinds := map[tableKey]string{}

	prefix := strings.ToLower(strings.TrimSpace(filter))
	for rows.Next() {
		var catalog, schema, table, tableType, column, nativeType, nullable string
		if err := rows.Scan(&catalog, &schema, &table, &tableType, &column, &nativeType, &nullable); err != nil {
			return nil, datasource.NewError(datasource.CodeSchemaFetchFailed, "information_schema scan failed", err)
		}

		nativePath := schema + "." + table
		if prefix != "" &&
			!strings.HasPrefix(strings.ToLower(nativePath), prefix) &&
			!strings.EqualFold(schema, prefix) {
			continue
		}

		key := tableKey{catalog, schema, table}
		entry, ok := tables[key]
		if !ok {
			entry = &datasource.Table{Name: table, NativePath: nativePath, TableType: datasource.TableTypeTable}
			tables[key] = entry
			kinds[key] = tableType
			order = append(order, key)
		}
		entry.Columns = append(entry.Columns, datasource.Column{
			Name:       column,
			NativeType: nativeType,
			DataType:   typeMap.Normalize(nativeType),
			Nullable:   strings.EqualFold(nullable, "YES"),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, datasource.NewError(datasource.CodeSchemaFetchFailed, "information_schema iteration failed", err)
	}

	// assemble the Catalog → Schema → Table hierarchy preserving
	// discovery order
	resp := &datasource.SchemaResponse{SourceType: datasource.SourcePostgres}
	catalogIdx := map[string]int{}
	schemaIdx := map[string]int{}
	for _, key := range order {
		entry := tables[key]
		if strings.EqualFold(kinds[key], "VIEW") {
			entry.TableType = datasource.TableTypeView
		} else if strings.EqualFold(kinds[key], "FOREIGN") || strings.EqualFold(kinds[key], "FOREIGN TABLE") {
			entry.TableType = datasource.TableTypeExternal
		}

		ci, ok := catalogIdx[key.catalog]
		if !ok {
			resp.Catalogs = append(resp.Catalogs, datasource.Catalog{Name: key.catalog})
			ci = len(resp.Catalogs) - 1
			catalogIdx[key.catalog] = ci
		}
		sk := key.catalog + "." + key.schema
		si, ok := schemaIdx[sk]
		if !ok {
			resp.Catalogs[ci].Schemas = append(resp.Catalogs[ci].Schemas, datasource.Schema{Name: key.schema})
			si = len(resp.Catalogs[ci].Schemas) - 1
			schemaIdx[sk] = si
		}
		resp.Catalogs[ci].Schemas[si].Tables = append(resp.Catalogs[ci].Schemas[si].Tables, *entry)
	}
	return resp, nil
}

// Definition describes the PostgreSQL source type for the registry.
func Definition() datasource.SourceTypeDefinition {
	return datasource.SourceTypeDefinition{
		Type:         datasource.SourcePostgres,
		DisplayName:  "PostgreSQL",
		Icon:         "postgresql",
		Description:  "PostgreSQL and wire-compatible databases",
		Capabilities: capabilities,
		ConfigSchema: datasource.ConfigSchema{Groups: []datasource.FieldGroup{{
			Name: "connection",
			Fields: []datasource.ConfigField{
				{Name: "host", Kind: datasource.FieldString, Required: true},
				{Name: "port", Kind: datasource.FieldInteger, Default: 5432},
				{Name: "database", Kind: datasource.FieldString, Required: true},
				{Name: "user", Kind: datasource.FieldString, Required: true},
				{Name: "password", Kind: datasource.FieldSecret},
				{Name: "sslmode", Kind: datasource.FieldEnum, Default: "disable",
					EnumValues: []string{"disable", "require", "verify-ca", "verify-full"}},
			},
		}}},
	}
}

// Register adds the PostgreSQL adapter to a registry.
func Register(r *datasource.Registry) {
	r.MustRegister(Definition(), New)
}
