package datasource

import "fmt"

// FieldKind enumerates the value kinds a config field may take. The
// schema is self-describing data consumed by UI form builders.
type FieldKind string

const (
	FieldString  FieldKind = "string"
	FieldInteger FieldKind = "integer"
	FieldBoolean FieldKind = "boolean"
	FieldEnum    FieldKind = "enum"
	FieldSecret  FieldKind = "secret"
	FieldFile    FieldKind = "file"
	FieldJSON    FieldKind = "json"
)

// ConfigField describes one adapter configuration field.
type ConfigField struct {
	Name        string    `json:"name"`
	Kind        FieldKind `json:"kind"`
	Label       string    `json:"label,omitempty"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required"`
	Default     any       `json:"default,omitempty"`
	EnumValues  []string  `json:"enum_values,omitempty"`
}

// FieldGroup clusters related fields for presentation.
type FieldGroup struct {
	Name   string        `json:"name"`
	Fields []ConfigField `json:"fields"`
}

// ConfigSchema is the full self-describing configuration shape of a
// source type.
type ConfigSchema struct {
	Groups []FieldGroup `json:"groups"`
}

// Validate checks a raw config map against the schema: required fields
// present, enum values legal. Unknown keys are allowed (adapters may
// accept extras).
func (s ConfigSchema) Validate(config map[string]any) error {
	for _, g := range s.Groups {
		for _, f := range g.Fields {
			v, ok := config[f.Name]
			if !ok || v == nil || v == "" {
				if f.Required && f.Default == nil {
					return MissingRequiredField(f.Name)
				}
				continue
			}
			if f.Kind == FieldEnum {
				str, _ := v.(string)
				found := false
				for _, allowed := range f.EnumValues {
					if str == allowed {
						found = true
						break
					}
				}
				if !found {
					return NewError(CodeInvalidConfig,
						fmt.Sprintf("field %q must be one of %v, got %q", f.Name, f.EnumValues, str), nil)
				}
			}
		}
	}
	return nil
}
