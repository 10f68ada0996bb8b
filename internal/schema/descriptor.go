// Package schema implements the tool parameter schema pipeline: internal
// parameter descriptors are converted to draft-07 JSON Schemas, inbound tool
// arguments are validated against the full schema, and outbound tools/list
// schemas are sanitized to the MCP-compliant subset.
package schema

import (
	"fmt"
	"sort"
)

// Property describes a single tool parameter. Nested objects and arrays are
// expressed through Properties and Items respectively.
type Property struct {
	// Type is the JSON Schema primitive: "string", "number", "integer",
	// "boolean", "array" or "object".
	Type        string
	Description string
	Required    bool
	Default     any
	Enum        []any
	Minimum     *float64
	Maximum     *float64
	MinLength   *int
	MaxLength   *int
	Pattern     string
	Items       *Property
	Properties  map[string]*Property
}

// Float returns a *float64 for use as a Minimum/Maximum bound.
func Float(v float64) *float64 { return &v }

// Int returns an *int for use as a MinLength/MaxLength bound.
func Int(v int) *int { return &v }

// Descriptor is the internal description of a tool's input parameters.
// The zero value describes a tool taking no arguments.
type Descriptor struct {
	Properties map[string]*Property
}

// Required returns the sorted list of required parameter names.
func (d *Descriptor) Required() []string {
	var required []string
	for name, prop := range d.Properties {
		if prop.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	return required
}

// JSONSchema renders the descriptor as a draft-07 JSON Schema object. The
// result is the full, pre-sanitization schema used for argument validation;
// Sanitize strips the meta keywords before the schema leaves the server.
func (d *Descriptor) JSONSchema() map[string]any {
	schema := map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"properties":           map[string]any{},
		"additionalProperties": false,
	}

	props := schema["properties"].(map[string]any)
	for name, prop := range d.Properties {
		props[name] = propertySchema(prop)
	}
	if required := d.Required(); len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func propertySchema(p *Property) map[string]any {
	s := map[string]any{"type": p.Type}
	if p.Description != "" {
		s["description"] = p.Description
	}
	if p.Default != nil {
		s["default"] = p.Default
	}
	if len(p.Enum) > 0 {
		s["enum"] = p.Enum
	}
	if p.Minimum != nil {
		s["minimum"] = *p.Minimum
	}
	if p.Maximum != nil {
		s["maximum"] = *p.Maximum
	}
	if p.MinLength != nil {
		s["minLength"] = *p.MinLength
	}
	if p.MaxLength != nil {
		s["maxLength"] = *p.MaxLength
	}
	if p.Pattern != "" {
		s["pattern"] = p.Pattern
	}
	if p.Type == "array" && p.Items != nil {
		s["items"] = propertySchema(p.Items)
	}
	if p.Type == "object" && len(p.Properties) > 0 {
		nested := map[string]any{}
		var required []string
		for name, child := range p.Properties {
			nested[name] = propertySchema(child)
			if child.Required {
				required = append(required, name)
			}
		}
		s["properties"] = nested
		if len(required) > 0 {
			sort.Strings(required)
			s["required"] = required
		}
		s["additionalProperties"] = false
	}
	return s
}

// ApplyDefaults fills missing optional top-level parameters with their
// declared defaults. The argument map is modified in place and returned.
func (d *Descriptor) ApplyDefaults(args map[string]any) map[string]any {
	if args == nil {
		args = map[string]any{}
	}
	for name, prop := range d.Properties {
		if prop.Default == nil {
			continue
		}
		if _, present := args[name]; !present {
			args[name] = prop.Default
		}
	}
	return args
}

// Validate checks that the descriptor itself is well formed. Registration
// rejects tools with malformed descriptors before they reach the registry.
func (d *Descriptor) Validate() error {
	for name, prop := range d.Properties {
		if err := validateProperty(name, prop); err != nil {
			return err
		}
	}
	return nil
}

func validateProperty(name string, p *Property) error {
	switch p.Type {
	case "string", "number", "integer", "boolean", "array", "object":
	default:
		return fmt.Errorf("parameter %q: unsupported type %q", name, p.Type)
	}
	if p.Type == "array" && p.Items == nil {
		return fmt.Errorf("parameter %q: array type requires an item schema", name)
	}
	if p.Minimum != nil && p.Maximum != nil && *p.Minimum > *p.Maximum {
		return fmt.Errorf("parameter %q: minimum %v exceeds maximum %v", name, *p.Minimum, *p.Maximum)
	}
	for child, cp := range p.Properties {
		if err := validateProperty(name+"."+child, cp); err != nil {
			return err
		}
	}
	return nil
}
