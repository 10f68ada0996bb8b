package memory

// stringArg reads a string argument, tolerating absence.
func stringArg(args map[string]any, name string) string {
	v, _ := args[name].(string)
	return v
}

// mapArg reads an object argument, tolerating absence.
func mapArg(args map[string]any, name string) map[string]any {
	v, _ := args[name].(map[string]any)
	return v
}
