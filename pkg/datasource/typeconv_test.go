package datasource

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testMap() *TypeMapper {
	return NewTypeMapper(map[string]DataType{
		"varchar":                     TypeString,
		"text":                        TypeString,
		"int":                         TypeInteger,
		"bigint":                      TypeInteger,
		"double":                      TypeFloat,
		"numeric":                     TypeDecimal,
		"bool":                        TypeBoolean,
		"date":                        TypeDate,
		"time":                        TypeTime,
		"timestamp":                   TypeTimestamp,
		"timestamp with time zone":    TypeTimestamp,
		"timestamp without time zone": TypeTimestamp,
		"bytea":                       TypeBinary,
		"json":                        TypeJSON,
		"variant":                     TypeJSON,
	})
}

func TestNormalizeStripsParametrization(t *testing.T) {
	tm := testMap()

	tests := []struct {
		native string
		want   DataType
	}{
		{"varchar(255)", TypeString},
		{"VARCHAR(255)", TypeString},
		{"numeric(10,2)", TypeDecimal},
		{"timestamp with time zone", TypeTimestamp},
		{"TIMESTAMP WITHOUT TIME ZONE", TypeTimestamp},
		{"integer[]", TypeArray},
		{"text[]", TypeArray},
		{"variant", TypeJSON},
		{"bigint", TypeInteger},
		{"double precision", TypeFloat},
	}

	for _, tt := range tests {
		t.Run(tt.native, func(t *testing.T) {
			assert.Equal(t, tt.want, tm.Normalize(tt.native))
		})
	}
}

func TestNormalizeUnknownNeverSilentlyString(t *testing.T) {
	tm := testMap()
	assert.Equal(t, TypeUnknown, tm.Normalize(""))
	assert.Equal(t, TypeUnknown, tm.Normalize("   "))
	assert.Equal(t, TypeUnknown, tm.Normalize("hyperloglog"))
	assert.Equal(t, TypeUnknown, tm.Normalize("geometry(Point,4326)"))
}

func TestNormalizeLongestPrefixWins(t *testing.T) {
	// "timestamp with time zone" must hit its own entry, not the bare
	// "timestamp" prefix; and "time" must not shadow "timestamp".
	tm := testMap()
	assert.Equal(t, TypeTimestamp, tm.Normalize("timestamp with time zone"))
	assert.Equal(t, TypeTimestamp, tm.Normalize("timestamptz"))
	assert.Equal(t, TypeTime, tm.Normalize("time without time zone"))
}

func TestNormalizeCaseInvariance(t *testing.T) {
	tm := testMap()
	for _, native := range []string{"varchar", "VARCHAR", "VarChar", "  varchar  "} {
		assert.Equal(t, TypeString, tm.Normalize(native))
	}
}

func TestNormalizeMapAndStructKinds(t *testing.T) {
	// the map and struct kinds share a name prefix with nothing else in
	// the closed set; they must resolve like any other mapped entry
	tm := NewTypeMapper(map[string]DataType{
		"hstore": TypeMap,
		"row":    TypeStruct,
	})
	assert.Equal(t, TypeMap, tm.Normalize("hstore"))
	assert.Equal(t, TypeStruct, tm.Normalize("row(a int, b text)"))
}

func TestTypeMapperProducesOnlyClosedSet(t *testing.T) {
	for _, kind := range testMap().Kinds() {
		assert.True(t, kind.IsValid(), "kind %q outside the normalized set", kind)
	}
}
