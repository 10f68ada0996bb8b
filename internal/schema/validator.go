package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator pairs a tool descriptor with its compiled JSON Schema. The full
// schema (defaults, meta keywords) drives argument validation; the sanitized
// schema is what tools/list exposes on the wire.
type Validator struct {
	desc      *Descriptor
	compiled  *jsonschema.Schema
	full      map[string]any
	sanitized map[string]any
}

// NewValidator compiles the descriptor into a validator. Descriptor errors
// surface here so that malformed tools are rejected at registration time.
func NewValidator(desc *Descriptor) (*Validator, error) {
	if desc == nil {
		desc = &Descriptor{}
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	full := desc.JSONSchema()
	raw, err := json.Marshal(full)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("tool.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	return &Validator{
		desc:      desc,
		compiled:  compiled,
		full:      full,
		sanitized: Sanitize(full),
	}, nil
}

// Schema returns the full pre-sanitization JSON Schema.
func (v *Validator) Schema() map[string]any {
	return v.full
}

// WireSchema returns the sanitized schema for tools/list output.
func (v *Validator) WireSchema() map[string]any {
	return v.sanitized
}

// ValidateArguments decodes and validates raw tool arguments. Defaults for
// absent optional parameters are applied before validation, so the returned
// map is the complete argument set the tool handler sees. A validation
// failure names the offending field.
func (v *Validator) ValidateArguments(raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if len(raw) > 0 && string(raw) != "null" {
		decoded, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("arguments are not valid JSON: %w", err)
		}
		obj, ok := decoded.(map[string]any)
		if !ok {
			return nil, errors.New("arguments must be a JSON object")
		}
		args = obj
	}

	args = v.desc.ApplyDefaults(args)

	if err := v.compiled.Validate(args); err != nil {
		return nil, formatValidationError(err)
	}
	return args, nil
}

// formatValidationError flattens a jsonschema validation error into a single
// message naming the offending field.
func formatValidationError(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	field := strings.Join(leaf.InstanceLocation, ".")
	if field == "" {
		field = "(root)"
	}
	return fmt.Errorf("invalid argument %s: %v", field, err)
}
