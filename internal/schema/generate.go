// Package schema generates JSON schemas from Go types and validates decoded
// documents against them. Agent descriptor files and MCP tool arguments are
// both checked here.
package schema

import (
	"reflect"

	"github.com/invopop/jsonschema"
)

// Generate reflects value into a closed, inline schema: unknown properties
// are rejected and no $ref indirection is emitted.
func Generate(value any) *jsonschema.Schema {
	return GenerateWithTag(value, "")
}

// GenerateWithTag is Generate using another struct tag for field names, such
// as "toml" for configuration files. An empty tag means "json".
func GenerateWithTag(value any, tag string) *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		// Expansion looks the root up by type name, so anonymous structs
		// are reflected directly.
		ExpandedStruct: namedType(value),
		FieldNameTag:   tag,
	}
	s := reflector.Reflect(value)
	s.Version = ""
	s.ID = ""
	s.Definitions = nil
	return s
}

func namedType(value any) bool {
	t := reflect.TypeOf(value)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t != nil && t.Name() != ""
}
