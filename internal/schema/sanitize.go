package schema

// Meta keywords stripped from outbound schemas. MCP clients expect plain
// object schemas; draft identifiers and definition blocks confuse strict
// consumers.
var strippedKeywords = map[string]bool{
	"$schema":     true,
	"$defs":       true,
	"$id":         true,
	"definitions": true,
}

// Sanitize returns an MCP-compliant copy of a tool input schema suitable for
// tools/list output:
//
//   - implementation meta properties ($schema, $defs, $id, definitions) are
//     removed at every nesting level
//   - the top level is forced to type "object" with a properties map and
//     additionalProperties false
//
// Nested object schemas keep whatever strictness the descriptor declared:
// free-form objects (no declared sub-properties) stay open so callers can
// pass arbitrary attribute maps. The input map is never modified.
func Sanitize(schema map[string]any) map[string]any {
	out := sanitizeObject(schema)

	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	if _, ok := out["properties"]; !ok {
		out["properties"] = map[string]any{}
	}
	out["additionalProperties"] = false
	return out
}

func sanitizeObject(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema))
	for key, value := range schema {
		if strippedKeywords[key] {
			continue
		}
		out[key] = sanitizeValue(value)
	}
	return out
}

func sanitizeValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return sanitizeObject(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return value
	}
}
