package plugin

import (
	"opendiscovery/internal/cmdb"
	"opendiscovery/internal/registry"
	"opendiscovery/internal/runtime"
)

// Factory is the compiled-in entry point of a plugin. It receives the
// server surface and registers the plugin's tools, resources and prompts.
// A manifest on disk whose name has no registered factory fails to load.
type Factory func(s *Server) error

// Server is what a plugin factory sees: scoped registration methods plus
// the shared services tool handlers need. Registrations are stamped with
// the owning plugin id so unload can remove them wholesale.
type Server struct {
	pluginID string
	manifest *Manifest
	strict   bool
	reg      *registry.Registry

	// Runtime executes subprocess tools under the sandbox.
	Runtime *runtime.Runtime
	// CMDB is the shared configuration item store.
	CMDB *cmdb.Store
}

// PluginID returns the id of the plugin being loaded.
func (s *Server) PluginID() string {
	return s.pluginID
}

// Permissions returns the free-form permission block from the manifest.
func (s *Server) Permissions() map[string]any {
	return s.manifest.Permissions
}

// RegisterTool adds a tool owned by this plugin. Under strict capability
// enforcement the tool must appear in the manifest's declared capabilities.
func (s *Server) RegisterTool(tool *registry.Tool) error {
	if s.strict && !s.manifest.DeclaredTools()[tool.Name] {
		return &CapabilityMismatchError{PluginID: s.pluginID, Kind: "tool", Name: tool.Name}
	}
	tool.Plugin = s.pluginID
	if tool.Category == "" {
		tool.Category = registry.CategoryOf(tool.Name)
	}
	return s.reg.RegisterTool(tool)
}

// RegisterResource adds a resource owned by this plugin.
func (s *Server) RegisterResource(entry *registry.ResourceEntry) error {
	entry.Plugin = s.pluginID
	return s.reg.RegisterResource(entry)
}

// RegisterPrompt adds a prompt owned by this plugin.
func (s *Server) RegisterPrompt(entry *registry.PromptEntry) error {
	entry.Plugin = s.pluginID
	return s.reg.RegisterPrompt(entry)
}
