// Package registry is the authoritative in-memory catalog of tools,
// resources and prompts. The registry is read-mostly: lookups and listings
// take a shared lock while plugin load/unload takes the exclusive lock.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"opendiscovery/internal/protocol"
	"opendiscovery/internal/schema"
	"opendiscovery/pkg/logging"
)

// Handler executes a tool with already-validated arguments.
type Handler func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error)

// ResourceReader produces the contents of a resource for resources/read.
type ResourceReader func(ctx context.Context) ([]protocol.ResourceContents, error)

// PromptHandler renders a prompt with already-validated arguments.
type PromptHandler func(ctx context.Context, args map[string]any) (*protocol.GetPromptResult, error)

// Tool is a registered tool: wire metadata plus the execution hooks the
// runtime needs. The validator is compiled once at registration.
type Tool struct {
	Name        string
	Description string
	Category    string
	Descriptor  *schema.Descriptor
	Handler     Handler

	// Subprocess marks tools that shell out; they get the longer default
	// timeout and run on the bounded subprocess worker pool.
	Subprocess bool
	// Timeout overrides the default per-kind call timeout when non-zero.
	Timeout time.Duration

	// Plugin is the id of the owning plugin, set during registration.
	Plugin string

	validator *schema.Validator
}

// Validator returns the compiled argument validator.
func (t *Tool) Validator() *schema.Validator {
	return t.validator
}

// ResourceEntry is a registered resource and its read handler.
type ResourceEntry struct {
	Resource protocol.Resource
	Reader   ResourceReader
	Plugin   string
}

// PromptEntry is a registered prompt, its argument descriptor and handler.
type PromptEntry struct {
	Prompt     protocol.Prompt
	Descriptor *schema.Descriptor
	Handler    PromptHandler
	Plugin     string

	validator *schema.Validator
}

// Validator returns the compiled argument validator for the prompt.
func (p *PromptEntry) Validator() *schema.Validator {
	return p.validator
}

// ChangeKind identifies which catalog mutated.
type ChangeKind int

const (
	ToolsChanged ChangeKind = iota
	ResourcesChanged
	PromptsChanged
)

// Event records one registration-history entry.
type Event struct {
	Time   time.Time `json:"time"`
	Action string    `json:"action"` // "register" or "unregister"
	Kind   string    `json:"kind"`   // "tool", "resource", "prompt"
	Name   string    `json:"name"`
	Plugin string    `json:"plugin,omitempty"`
}

// historyLimit bounds the registration history ring.
const historyLimit = 256

// DuplicateToolError is returned when a tool name is already taken.
// Name collisions across plugins are fatal registration errors.
type DuplicateToolError struct {
	Name     string
	Existing string // owning plugin of the existing tool
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool %q already registered by plugin %q", e.Name, e.Existing)
}

// ToolNotFoundError is returned by Lookup for unknown tool names.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found", e.Name)
}

// Registry holds the live catalogs. All methods are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]*Tool
	resources map[string]*ResourceEntry
	prompts   map[string]*PromptEntry
	history   []Event
	listeners []func(ChangeKind)
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tools:     make(map[string]*Tool),
		resources: make(map[string]*ResourceEntry),
		prompts:   make(map[string]*PromptEntry),
	}
}

// OnChange registers a listener invoked after every catalog mutation.
// Listeners must not call back into the registry synchronously.
func (r *Registry) OnChange(listener func(ChangeKind)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, listener)
}

// RegisterTool adds a tool to the catalog. The tool's descriptor is compiled
// here so schema errors fail registration rather than the first call.
func (r *Registry) RegisterTool(tool *Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %q has no handler", tool.Name)
	}
	validator, err := schema.NewValidator(tool.Descriptor)
	if err != nil {
		return fmt.Errorf("tool %q: %w", tool.Name, err)
	}
	tool.validator = validator

	r.mu.Lock()
	if existing, ok := r.tools[tool.Name]; ok {
		r.mu.Unlock()
		return &DuplicateToolError{Name: tool.Name, Existing: existing.Plugin}
	}
	r.tools[tool.Name] = tool
	r.recordLocked("register", "tool", tool.Name, tool.Plugin)
	r.mu.Unlock()

	logging.Debug("Registry", "Registered tool %s (plugin=%s category=%s)", tool.Name, tool.Plugin, tool.Category)
	r.notify(ToolsChanged)
	return nil
}

// UnregisterTool removes a tool by name.
func (r *Registry) UnregisterTool(name string) error {
	r.mu.Lock()
	tool, ok := r.tools[name]
	if !ok {
		r.mu.Unlock()
		return &ToolNotFoundError{Name: name}
	}
	delete(r.tools, name)
	r.recordLocked("unregister", "tool", name, tool.Plugin)
	r.mu.Unlock()

	r.notify(ToolsChanged)
	return nil
}

// Lookup returns the tool with the given name.
func (r *Registry) Lookup(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, &ToolNotFoundError{Name: name}
	}
	return tool, nil
}

// ListTools returns all tools, optionally filtered to one category, sorted
// by name.
func (r *Registry) ListTools(category string) []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]*Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		if category != "" && tool.Category != category {
			continue
		}
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Categories returns the sorted set of tool categories in use.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	for _, tool := range r.tools {
		if tool.Category != "" {
			seen[tool.Category] = true
		}
	}
	cats := make([]string, 0, len(seen))
	for c := range seen {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return cats
}

// RegisterResource adds a resource to the catalog.
func (r *Registry) RegisterResource(entry *ResourceEntry) error {
	if entry.Resource.URI == "" {
		return fmt.Errorf("resource URI cannot be empty")
	}
	if entry.Reader == nil {
		return fmt.Errorf("resource %q has no reader", entry.Resource.URI)
	}

	r.mu.Lock()
	if _, ok := r.resources[entry.Resource.URI]; ok {
		r.mu.Unlock()
		return fmt.Errorf("resource %q already registered", entry.Resource.URI)
	}
	r.resources[entry.Resource.URI] = entry
	r.recordLocked("register", "resource", entry.Resource.URI, entry.Plugin)
	r.mu.Unlock()

	r.notify(ResourcesChanged)
	return nil
}

// LookupResource returns the resource entry for a URI.
func (r *Registry) LookupResource(uri string) (*ResourceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.resources[uri]
	return entry, ok
}

// ListResources returns all resources sorted by URI.
func (r *Registry) ListResources() []*ResourceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*ResourceEntry, 0, len(r.resources))
	for _, entry := range r.resources {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Resource.URI < entries[j].Resource.URI })
	return entries
}

// RegisterPrompt adds a prompt to the catalog.
func (r *Registry) RegisterPrompt(entry *PromptEntry) error {
	if entry.Prompt.Name == "" {
		return fmt.Errorf("prompt name cannot be empty")
	}
	if entry.Handler == nil {
		return fmt.Errorf("prompt %q has no handler", entry.Prompt.Name)
	}
	validator, err := schema.NewValidator(entry.Descriptor)
	if err != nil {
		return fmt.Errorf("prompt %q: %w", entry.Prompt.Name, err)
	}
	entry.validator = validator

	r.mu.Lock()
	if _, ok := r.prompts[entry.Prompt.Name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("prompt %q already registered", entry.Prompt.Name)
	}
	r.prompts[entry.Prompt.Name] = entry
	r.recordLocked("register", "prompt", entry.Prompt.Name, entry.Plugin)
	r.mu.Unlock()

	r.notify(PromptsChanged)
	return nil
}

// LookupPrompt returns the prompt entry for a name.
func (r *Registry) LookupPrompt(name string) (*PromptEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.prompts[name]
	return entry, ok
}

// ListPrompts returns all prompts sorted by name.
func (r *Registry) ListPrompts() []*PromptEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*PromptEntry, 0, len(r.prompts))
	for _, entry := range r.prompts {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Prompt.Name < entries[j].Prompt.Name })
	return entries
}

// UnregisterPlugin removes every tool, resource and prompt owned by the
// given plugin. Used during plugin unload and reload.
func (r *Registry) UnregisterPlugin(pluginID string) {
	var changed []ChangeKind

	r.mu.Lock()
	for name, tool := range r.tools {
		if tool.Plugin == pluginID {
			delete(r.tools, name)
			r.recordLocked("unregister", "tool", name, pluginID)
			changed = appendKind(changed, ToolsChanged)
		}
	}
	for uri, entry := range r.resources {
		if entry.Plugin == pluginID {
			delete(r.resources, uri)
			r.recordLocked("unregister", "resource", uri, pluginID)
			changed = appendKind(changed, ResourcesChanged)
		}
	}
	for name, entry := range r.prompts {
		if entry.Plugin == pluginID {
			delete(r.prompts, name)
			r.recordLocked("unregister", "prompt", name, pluginID)
			changed = appendKind(changed, PromptsChanged)
		}
	}
	r.mu.Unlock()

	for _, kind := range changed {
		r.notify(kind)
	}
	if len(changed) > 0 {
		logging.Info("Registry", "Unregistered all entries for plugin %s", pluginID)
	}
}

// ToolCount returns the number of registered tools.
func (r *Registry) ToolCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// History returns a copy of the bounded registration history, newest last.
func (r *Registry) History() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Event, len(r.history))
	copy(out, r.history)
	return out
}

// ToolsForPlugin returns the names of all tools owned by a plugin.
func (r *Registry) ToolsForPlugin(pluginID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, tool := range r.tools {
		if tool.Plugin == pluginID {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (r *Registry) recordLocked(action, kind, name, plugin string) {
	r.history = append(r.history, Event{
		Time:   time.Now().UTC(),
		Action: action,
		Kind:   kind,
		Name:   name,
		Plugin: plugin,
	})
	if len(r.history) > historyLimit {
		r.history = r.history[len(r.history)-historyLimit:]
	}
}

func (r *Registry) notify(kind ChangeKind) {
	r.mu.RLock()
	listeners := make([]func(ChangeKind), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()
	for _, listener := range listeners {
		listener(kind)
	}
}

func appendKind(kinds []ChangeKind, kind ChangeKind) []ChangeKind {
	for _, k := range kinds {
		if k == kind {
			return kinds
		}
	}
	return append(kinds, kind)
}

// CategoryOf extracts the conventional category prefix from a tool name
// (everything before the first underscore).
func CategoryOf(name string) string {
	if i := strings.Index(name, "_"); i > 0 {
		return name[:i]
	}
	return name
}
