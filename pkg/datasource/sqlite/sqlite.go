// Package sqlite implements a data-source adapter for SQLite files using
// the pure-Go modernc driver. Useful for local datasets and as the
// in-process engine in tests.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // register sqlite driver

	"github.com/datasleuth/datasleuth/pkg/datasource"
	"github.com/datasleuth/datasleuth/pkg/datasource/sqlbase"
	"github.com/datasleuth/datasleuth/pkg/safety"
)

// typeMap normalizes SQLite's loose native types. SQLite declared types
// are free-form; the common declarations are covered and everything
// else falls to unknown.
var typeMap = datasource.NewTypeMapper(map[string]datasource.DataType{
	"int":              datasource.TypeInteger,
	"integer":          datasource.TypeInteger,
	"tinyint":          datasource.TypeInteger,
	"smallint":         datasource.TypeInteger,
	"mediumint":        datasource.TypeInteger,
	"bigint":           datasource.TypeInteger,
	"unsigned big int": datasource.TypeInteger,
	"character":        datasource.TypeString,
	"varchar":          datasource.TypeString,
	"varying character": datasource.TypeString,
	"nchar":            datasource.TypeString,
	"nvarchar":         datasource.TypeString,
	"text":             datasource.TypeString,
	"clob":             datasource.TypeString,
	"blob":             datasource.TypeBinary,
	"real":             datasource.TypeFloat,
	"double":           datasource.TypeFloat,
	"float":            datasource.TypeFloat,
	"numeric":          datasource.TypeDecimal,
	"decimal":          datasource.TypeDecimal,
	"boolean":          datasource.TypeBoolean,
	"date":             datasource.TypeDate,
	"datetime":         datasource.TypeDatetime,
	"timestamp":        datasource.TypeTimestamp,
	"json":             datasource.TypeJSON,
})

var capabilities = datasource.Capabilities{
	SQL:         true,
	Sampling:    true,
	RowCount:    true,
	ColumnStats: true,
	Preview:     true,
}

// Adapter is the SQLite implementation of datasource.SQLAdapter.
type Adapter struct {
	sqlbase.Base
	path string
}

// New creates a SQLite adapter from a raw config map.
func New(config map[string]any) (datasource.Adapter, error) {
	path, _ := config["path"].(string)
	a := &Adapter{path: path}
	a.Base = sqlbase.Base{
		SourceType: datasource.SourceSQLite,
		Types:      typeMap,
		Schema:     discoverSchema,
		// modernc's RANDOM() makes the default sampler correct here
		SampleQuery: sqlbase.DefaultSampleQuery,
	}
	return a, nil
}

func (a *Adapter) Type() datasource.SourceType           { return datasource.SourceSQLite }
func (a *Adapter) Capabilities() datasource.Capabilities { return capabilities }

// Connect opens the database file.
func (a *Adapter) Connect(ctx context.Context) error {
	db, err := sql.Open("sqlite", a.path)
	if err != nil {
		return datasource.NewError(datasource.CodeInvalidConfig, "invalid sqlite path", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return datasource.NewError(datasource.CodeConnectionFailed, "failed to open sqlite database", err)
	}
	a.DB = db
	return nil
}

// Disconnect closes the database.
func (a *Adapter) Disconnect(context.Context) error {
	if a.DB == nil {
		return nil
	}
	err := a.DB.Close()
	a.DB = nil
	return err
}

// TestConnection pings and reads the library version.
func (a *Adapter) TestConnection(ctx context.Context) (*datasource.ConnectionTestResult, error) {
	return a.Base.TestConnection(ctx, "SELECT sqlite_version()")
}

// discoverSchema lists tables from sqlite_master and columns via PRAGMA
// table_info. SQLite has a single flat namespace, modeled as catalog
// "main" / schema "main".
func discoverSchema(ctx context.Context, db *sql.DB, filter string) (*datasource.SchemaResponse, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name, type FROM sqlite_master
		 WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'
		 ORDER BY name`)
	if err != nil {
		return nil, datasource.NewError(datasource.CodeSchemaFetchFailed, "sqlite_master query failed", err)
	}
	defer func() { _ = rows.Close() }()

	type entry struct{ name, kind string }
	var entries []entry
	prefix := strings.ToLower(strings.TrimSpace(filter))
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.name, &e.kind); err != nil {
			return nil, datasource.NewError(datasource.CodeSchemaFetchFailed, "sqlite_master scan failed", err)
		}
		if prefix != "" && !strings.HasPrefix(strings.ToLower(e.name), prefix) {
			continue
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, datasource.NewError(datasource.CodeSchemaFetchFailed, "sqlite_master iteration failed", err)
	}

	schema := datasource.Schema{Name: "main"}
	for _, e := range entries {
		ident, err := safety.SanitizeIdentifier(e.name)
		if err != nil {
			continue // skip tables with names we will not interpolate
		}
		table := datasource.Table{
			Name:       e.name,
			NativePath: e.name,
			TableType:  datasource.TableTypeTable,
		}
		if e.kind == "view" {
			table.TableType = datasource.TableTypeView
		}

		colRows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", ident))
		if err != nil {
			return nil, datasource.NewError(datasource.CodeSchemaFetchFailed, "PRAGMA table_info failed", err)
		}
		for colRows.Next() {
			var cid int
			var name, nativeType string
			var notNull, pk int
			var dflt any
			if err := colRows.Scan(&cid, &name, &nativeType, &notNull, &dflt, &pk); err != nil {
				_ = colRows.Close()
				return nil, datasource.NewError(datasource.CodeSchemaFetchFailed, "PRAGMA table_info scan failed", err)
			}
			table.Columns = append(table.Columns, datasource.Column{
				Name:       name,
				NativeType: nativeType,
				DataType:   typeMap.Normalize(nativeType),
				Nullable:   notNull == 0,
			})
		}
		if err := colRows.Close(); err != nil {
			return nil, datasource.NewError(datasource.CodeSchemaFetchFailed, "PRAGMA table_info close failed", err)
		}
		schema.Tables = append(schema.Tables, table)
	}

	return &datasource.SchemaResponse{
		SourceType: datasource.SourceSQLite,
		Catalogs:   []datasource.Catalog{{Name: "main", Schemas: []datasource.Schema{schema}}},
	}, nil
}

// Definition describes the SQLite source type for the registry.
func Definition() datasource.SourceTypeDefinition {
	return datasource.SourceTypeDefinition{
		Type:         datasource.SourceSQLite,
		DisplayName:  "SQLite",
		Icon:         "sqlite",
		Description:  "Local SQLite database files",
		Capabilities: capabilities,
		ConfigSchema: datasource.ConfigSchema{Groups: []datasource.FieldGroup{{
			Name: "connection",
			Fields: []datasource.ConfigField{
				{Name: "path", Kind: datasource.FieldFile, Required: true},
			},
		}}},
	}
}

// Register adds the SQLite adapter to a registry.
func Register(r *datasource.Registry) {
	r.MustRegister(Definition(), New)
}
