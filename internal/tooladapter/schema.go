package tooladapter

import "fmt"

// InputSchema is the minimal subset of a tool's JSON Schema that client-
// side validation checks against: required properties and each
// property's simple type tag. This is deliberately shallow: it compares
// `inputSchema.required` plus simple type tags, not full JSON Schema
// validation.
type InputSchema struct {
	Required   []string                  `json:"required"`
	Properties map[string]SchemaProperty `json:"properties"`
}

// SchemaProperty names one property's simple type tag.
type SchemaProperty struct {
	Type string `json:"type"` // "string" | "number" | "boolean" | "object" | "array"
}

// Validate checks that every required property is present in args and,
// for properties with a known type tag, that the provided value's
// runtime type matches.
func (s *InputSchema) Validate(args map[string]any) error {
	for _, name := range s.Required {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("missing required argument %q", name)
		}
	}

	for name, value := range args {
		prop, ok := s.Properties[name]
		if !ok || prop.Type == "" {
			continue
		}
		if !matchesType(value, prop.Type) {
			return fmt.Errorf("argument %q must be of type %q", name, prop.Type)
		}
	}
	return nil
}

func matchesType(v any, want string) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}
