package network

import "encoding/json"

// stringArg reads a string argument, tolerating absence.
func stringArg(args map[string]any, name string) string {
	v, _ := args[name].(string)
	return v
}

// intArg reads a numeric argument. Validated arguments arrive as float64 or
// json.Number depending on the decode path.
func intArg(args map[string]any, name string, def int) int {
	switch v := args[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
		if f, err := v.Float64(); err == nil {
			return int(f)
		}
	}
	return def
}
