package mcp

import (
	"sort"
)

// ArgType classifies a tool argument for the model-facing catalog.
type ArgType string

const (
	ArgText    ArgType = "text"
	ArgInt     ArgType = "int"
	ArgFloat   ArgType = "float"
	ArgBool    ArgType = "bool"
	ArgList    ArgType = "list"
	ArgMapping ArgType = "mapping"
	ArgOpaque  ArgType = "opaque"
)

// ArgSpec is a structured argument definition derived from a tool's
// JSON-Schema input.
type ArgSpec struct {
	Name        string  `json:"name"`
	Type        ArgType `json:"type"`
	Description string  `json:"description,omitempty"`
	Required    bool    `json:"required"`
	Default     any     `json:"default,omitempty"`
}

// translateSchema converts a JSON-Schema object's properties into arg
// specs. Required fields carry no default; optional fields take the
// schema's default when present.
func translateSchema(schema map[string]any) []ArgSpec {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}

	required := make(map[string]bool)
	if reqList, ok := schema["required"].([]any); ok {
		for _, r := range reqList {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	args := make([]ArgSpec, 0, len(names))
	for _, name := range names {
		prop, _ := props[name].(map[string]any)
		arg := ArgSpec{
			Name:     name,
			Type:     mapSchemaType(prop),
			Required: required[name],
		}
		arg.Description, _ = prop["description"].(string)
		if !arg.Required {
			arg.Default = prop["default"]
		}
		args = append(args, arg)
	}
	return args
}

func mapSchemaType(prop map[string]any) ArgType {
	t, _ := prop["type"].(string)
	switch t {
	case "string":
		return ArgText
	case "integer":
		return ArgInt
	case "number":
		return ArgFloat
	case "boolean":
		return ArgBool
	case "array":
		return ArgList
	case "object":
		return ArgMapping
	default:
		return ArgOpaque
	}
}
