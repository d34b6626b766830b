package tool

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaValidator compiles a tool's declared JSON Schema once and validates
// argument maps against it on every call.
type SchemaValidator struct {
	schema *jsonschema.Schema
}

// CompileSchema compiles a JSON-Schema-shaped map (e.g. Definition.Parameters)
// into a reusable validator. A nil or empty schema compiles to a permissive
// validator that accepts anything.
func CompileSchema(schemaDoc map[string]any) (*SchemaValidator, error) {
	if len(schemaDoc) == 0 {
		return &SchemaValidator{}, nil
	}

	raw, err := json.Marshal(schemaDoc)
	if err != nil {
		return nil, fmt.Errorf("tool: marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("tool: unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	const resourceURL = "mem://tool-schema.json"
	if err := c.AddResource(resourceURL, doc); err != nil {
		return nil, fmt.Errorf("tool: add schema resource: %w", err)
	}
	sch, err := c.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("tool: compile schema: %w", err)
	}
	return &SchemaValidator{schema: sch}, nil
}

// Validate checks args against the compiled schema. Args are round-tripped
// through JSON first so Go-native values (int, custom types) validate the
// same as values parsed from a provider's JSON argument string.
func (v *SchemaValidator) Validate(args map[string]any) error {
	if v == nil || v.schema == nil {
		return nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("tool: arguments not JSON-representable: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return fmt.Errorf("tool: arguments not JSON-representable: %w", err)
	}
	if err := v.schema.Validate(normalized); err != nil {
		return fmt.Errorf("tool: argument validation failed: %w", err)
	}
	return nil
}
