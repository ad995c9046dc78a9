package datasource

import (
	"sort"
	"strings"
)

// TypeMapper normalizes source-native type strings into the closed DataType
// set. Lookups are case-insensitive and longest-prefix: "varchar(255)"
// matches the "varchar" entry, "timestamp with time zone" matches the
// "timestamp with time zone" entry before the bare "timestamp" one.
// Anything unmatched normalizes to TypeUnknown.
type TypeMapper struct {
	// entries sorted by descending key length so the first prefix hit
	// is the longest.
	entries []typeEntry
}

type typeEntry struct {
	prefix string
	kind   DataType
}

// NewTypeMapper builds a TypeMapper from native-prefix → kind pairs. Keys are
// lower-cased.
func NewTypeMapper(m map[string]DataType) *TypeMapper {
	entries := make([]typeEntry, 0, len(m))
	for k, v := range m {
		entries = append(entries, typeEntry{prefix: strings.ToLower(k), kind: v})
	}
	sort.Slice(entries, func(i, j int) bool {
		if len(entries[i].prefix) != len(entries[j].prefix) {
			return len(entries[i].prefix) > len(entries[j].prefix)
		}
		return entries[i].prefix < entries[j].prefix
	})
	return &TypeMapper{entries: entries}
}

// Normalize maps a native type string to its normalized kind.
func (tm *TypeMapper) Normalize(native string) DataType {
	s := strings.ToLower(strings.TrimSpace(native))
	if s == "" {
		return TypeUnknown
	}

	// Array suffix notation (integer[], text[]) wins over the element
	// type.
	if strings.HasSuffix(s, "[]") {
		return TypeArray
	}

	// Strip parametrization: varchar(255) → varchar, numeric(10,2) →
	// numeric.
	if i := strings.IndexByte(s, '('); i > 0 {
		if j := strings.IndexByte(s[i:], ')'); j > 0 {
			s = strings.TrimSpace(s[:i] + s[i+j+1:])
		} else {
			s = strings.TrimSpace(s[:i])
		}
	}

	for _, e := range tm.entries {
		if strings.HasPrefix(s, e.prefix) {
			return e.kind
		}
	}
	return TypeUnknown
}

// Kinds returns the set of normalized kinds the map can produce, for
// closed-set verification in tests.
func (tm *TypeMapper) Kinds() []DataType {
	seen := map[DataType]bool{}
	var kinds []DataType
	for _, e := range tm.entries {
		if !seen[e.kind] {
			seen[e.kind] = true
			kinds = append(kinds, e.kind)
		}
	}
	return kinds
}
