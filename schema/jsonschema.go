package schema

import (
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// JSONSchema describes the input record accepted for this schema. Every
// property is optional and extra properties are allowed, matching how
// records are encoded.
func (s *Schema) JSONSchema() *jsonschema.Schema {
	root := &jsonschema.Schema{
		Type:       "object",
		Properties: make(map[string]*jsonschema.Schema, len(s.features)),
	}
	for _, f := range s.features {
		var prop *jsonschema.Schema
		switch f.Kind {
		case KindNumber:
			prop = &jsonschema.Schema{
				Types:       []string{"number", "string", "boolean"},
				Description: "numeric feature; missing or non-numeric values encode as 0",
			}
		case KindEnum:
			values := make([]any, len(f.Values))
			for i, v := range f.Values {
				values[i] = v
			}
			prop = &jsonschema.Schema{
				Type:        "string",
				Enum:        values,
				Description: fmt.Sprintf("categorical feature with %d known values; other values encode as unknown", len(f.Values)),
			}
		case KindText:
			prop = &jsonschema.Schema{
				Type:        "string",
				Description: fmt.Sprintf("text feature encoded with %q", f.TextEncoding),
			}
		}
		root.Properties[f.Name] = prop
	}
	return root
}
