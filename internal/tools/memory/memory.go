// Package memory provides the built-in CMDB plugin: tools for reading,
// writing and querying configuration items, managing encrypted credentials,
// rotating the at-rest key, and inspecting server statistics.
package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"opendiscovery/internal/cmdb"
	"opendiscovery/internal/plugin"
	"opendiscovery/internal/protocol"
	"opendiscovery/internal/registry"
	"opendiscovery/internal/runtime"
	"opendiscovery/internal/schema"
)

// PluginID is the plugin name the factory registers under.
const PluginID = "memory"

// StatsProvider supplies the server-level portion of memory_stats.
type StatsProvider interface {
	ToolCount() int
	History() []registry.Event
}

// Factory returns the memory plugin entry point. The stats provider is the
// registry itself in production wiring.
func Factory(stats StatsProvider) plugin.Factory {
	return func(s *plugin.Server) error {
		store := s.CMDB

		if err := registerItemTools(s, store); err != nil {
			return err
		}
		if err := registerCredentialTools(s, store); err != nil {
			return err
		}
		if err := registerStatsTools(s, store, stats); err != nil {
			return err
		}
		if err := registerResources(s, store, stats); err != nil {
			return err
		}
		return registerPrompts(s, store)
	}
}

func registerItemTools(s *plugin.Server, store *cmdb.Store) error {
	tools := []*registry.Tool{
		{
			Name:        "memory_get",
			Description: "Read a configuration item by key",
			Category:    "memory",
			Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
				"key": {Type: "string", Required: true, Description: "CI key, e.g. ci:host:10.0.0.5"},
			}},
			Handler: func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
				item, err := store.Get(ctx, stringArg(args, "key"))
				if err != nil {
					return nil, err
				}
				rels, err := store.RelationshipsFor(ctx, item.Key)
				if err != nil {
					return nil, err
				}
				payload := map[string]any{"item": item}
				if len(rels) > 0 {
					payload["relationships"] = rels
				}
				return runtime.FormatPayload(payload)
			},
		},
		{
			Name:        "memory_set",
			Description: "Create or replace a configuration item",
			Category:    "memory",
			Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
				"key":       {Type: "string", Required: true},
				"type":      {Type: "string", Default: "generic", Description: "CI type, e.g. host, vm, interface"},
				"parentKey": {Type: "string", Description: "Key of the parent CI"},
				"attributes": {Type: "object", Required: true,
					Description: "Arbitrary discovered attributes"},
			}},
			Handler: func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
				item := &cmdb.Item{
					Key:        stringArg(args, "key"),
					Type:       stringArg(args, "type"),
					Attributes: mapArg(args, "attributes"),
				}
				if parent := stringArg(args, "parentKey"); parent != "" {
					item.ParentKey = &parent
				}
				if err := store.Set(ctx, item); err != nil {
					return nil, err
				}
				return protocol.TextResult(fmt.Sprintf("Stored %s", item.Key)), nil
			},
		},
		{
			Name:        "memory_merge",
			Description: "Shallow-merge attributes into a configuration item",
			Category:    "memory",
			Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
				"key":        {Type: "string", Required: true},
				"attributes": {Type: "object", Required: true},
			}},
			Handler: func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
				item, err := store.Merge(ctx, stringArg(args, "key"), mapArg(args, "attributes"))
				if err != nil {
					return nil, err
				}
				return runtime.FormatPayload(item)
			},
		},
		{
			Name:        "memory_query",
			Description: "List configuration items whose key matches a glob pattern",
			Category:    "memory",
			Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
				"pattern": {Type: "string", Required: true, Description: "Key glob, * matches any run of characters"},
			}},
			Handler: func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
				items, err := store.Query(ctx, stringArg(args, "pattern"))
				if err != nil {
					return nil, err
				}
				return runtime.FormatPayload(items)
			},
		},
		{
			Name:        "memory_relate",
			Description: "Record a typed relationship between two configuration items",
			Category:    "memory",
			Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
				"parentKey": {Type: "string", Required: true},
				"childKey":  {Type: "string", Required: true},
				"relationshipType": {Type: "string", Default: "contains",
					Enum: []any{"contains", "runs", "connects", "depends_on"}},
			}},
			Handler: func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
				err := store.AddRelationship(ctx, stringArg(args, "parentKey"), stringArg(args, "childKey"),
					stringArg(args, "relationshipType"))
				if err != nil {
					return nil, err
				}
				return protocol.TextResult("Relationship recorded"), nil
			},
		},
		{
			Name:        "memory_delete",
			Description: "Delete a configuration item and its relationships",
			Category:    "memory",
			Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
				"key": {Type: "string", Required: true},
			}},
			Handler: func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
				if err := store.Delete(ctx, stringArg(args, "key")); err != nil {
					return nil, err
				}
				return protocol.TextResult("Deleted"), nil
			},
		},
		{
			Name:        "memory_clear",
			Description: "Delete all configuration items and relationships",
			Category:    "memory",
			Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
				"confirm": {Type: "boolean", Required: true, Description: "Must be true; guards against accidental wipes"},
			}},
			Handler: func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
				if confirmed, _ := args["confirm"].(bool); !confirmed {
					return nil, fmt.Errorf("confirm must be true to clear the CMDB")
				}
				if err := store.Clear(ctx); err != nil {
					return nil, err
				}
				return protocol.TextResult("CMDB cleared"), nil
			},
		},
		{
			Name:        "memory_save",
			Description: "Flush the CMDB to disk",
			Category:    "memory",
			Descriptor:  &schema.Descriptor{},
			Handler: func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
				if err := store.Save(ctx); err != nil {
					return nil, err
				}
				return protocol.TextResult("CMDB flushed"), nil
			},
		},
		{
			Name:        "memory_migrate",
			Description: "Import a legacy filesystem CMDB tree into the store",
			Category:    "memory",
			Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
				"path": {Type: "string", Required: true, Description: "Directory holding the legacy ci/*.json tree"},
			}},
			Handler: func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
				count, err := store.MigrateFromFilesystem(ctx, stringArg(args, "path"))
				if err != nil {
					return nil, err
				}
				return protocol.TextResult(fmt.Sprintf("Imported %d items", count)), nil
			},
		},
	}

	for _, tool := range tools {
		if err := s.RegisterTool(tool); err != nil {
			return fmt.Errorf("register %s: %w", tool.Name, err)
		}
	}
	return nil
}

func registerCredentialTools(s *plugin.Server, store *cmdb.Store) error {
	kinds := []any{
		string(cmdb.CredentialPassword), string(cmdb.CredentialAPIKey), string(cmdb.CredentialSSHKey),
		string(cmdb.CredentialOAuthToken), string(cmdb.CredentialCertificate), string(cmdb.CredentialCustom),
	}

	tools := []*registry.Tool{
		{
			Name:        "credentials_add",
			Description: "Store a credential encrypted at rest",
			Category:    "credentials",
			Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
				"id":     {Type: "string", Required: true},
				"kind":   {Type: "string", Required: true, Enum: kinds},
				"fields": {Type: "object", Required: true, Description: "Secret fields, e.g. username/password"},
			}},
			Handler: func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
				fields := map[string]string{}
				for k, v := range mapArg(args, "fields") {
					fields[k] = fmt.Sprintf("%v", v)
				}
				cred := &cmdb.Credential{
					ID:     stringArg(args, "id"),
					Kind:   cmdb.CredentialKind(stringArg(args, "kind")),
					Fields: fields,
				}
				if err := store.AddCredential(ctx, cred); err != nil {
					return nil, err
				}
				return protocol.TextResult(fmt.Sprintf("Credential %s stored", cred.ID)), nil
			},
		},
		{
			Name:        "credentials_get",
			Description: "Decrypt and return a stored credential",
			Category:    "credentials",
			Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
				"id": {Type: "string", Required: true},
			}},
			Handler: func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
				cred, err := store.GetCredential(ctx, stringArg(args, "id"))
				if err != nil {
					return nil, err
				}
				return runtime.FormatPayload(cred)
			},
		},
		{
			Name:        "credentials_list",
			Description: "List stored credentials without their secret fields",
			Category:    "credentials",
			Descriptor:  &schema.Descriptor{},
			Handler: func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
				infos, err := store.ListCredentials(ctx)
				if err != nil {
					return nil, err
				}
				return runtime.FormatPayload(infos)
			},
		},
		{
			Name:        "credentials_remove",
			Description: "Delete a stored credential",
			Category:    "credentials",
			Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
				"id": {Type: "string", Required: true},
			}},
			Handler: func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
				if err := store.RemoveCredential(ctx, stringArg(args, "id")); err != nil {
					return nil, err
				}
				return protocol.TextResult("Credential removed"), nil
			},
		},
		{
			Name:        "memory_rotate_key",
			Description: "Re-encrypt all credentials under a new master key",
			Category:    "memory",
			Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
				"newKey": {Type: "string", Required: true, MinLength: schema.Int(8),
					Description: "Passphrase the new master key is derived from"},
			}},
			Handler: func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
				if err := store.RotateKey(ctx, stringArg(args, "newKey")); err != nil {
					return nil, err
				}
				return protocol.TextResult("Key rotated; all credentials re-encrypted"), nil
			},
		},
	}

	for _, tool := range tools {
		if err := s.RegisterTool(tool); err != nil {
			return fmt.Errorf("register %s: %w", tool.Name, err)
		}
	}
	return nil
}

func registerStatsTools(s *plugin.Server, store *cmdb.Store, stats StatsProvider) error {
	tool := &registry.Tool{
		Name:        "memory_stats",
		Description: "CMDB and server statistics: CI counts, tool counts, registration history",
		Category:    "memory",
		Descriptor:  &schema.Descriptor{},
		Handler: func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
			storeStats, err := store.Stats(ctx)
			if err != nil {
				return nil, err
			}
			payload := map[string]any{
				"cmdb":  storeStats,
				"tools": stats.ToolCount(),
			}
			history := stats.History()
			if len(history) > 20 {
				history = history[len(history)-20:]
			}
			payload["recentRegistrations"] = history
			return runtime.FormatPayload(payload)
		},
	}
	if err := s.RegisterTool(tool); err != nil {
		return fmt.Errorf("register %s: %w", tool.Name, err)
	}
	return nil
}

func registerResources(s *plugin.Server, store *cmdb.Store, stats StatsProvider) error {
	resources := []*registry.ResourceEntry{
		{
			Resource: protocol.Resource{
				URI:         "cmdb://items",
				Name:        "Configuration items",
				Description: "All configuration items currently in the CMDB",
				MimeType:    "application/json",
			},
			Reader: func(ctx context.Context) ([]protocol.ResourceContents, error) {
				items, err := store.Query(ctx, "*")
				if err != nil {
					return nil, err
				}
				raw, err := json.MarshalIndent(items, "", "  ")
				if err != nil {
					return nil, err
				}
				return []protocol.ResourceContents{{
					URI:      "cmdb://items",
					MimeType: "application/json",
					Text:     string(raw),
				}}, nil
			},
		},
		{
			Resource: protocol.Resource{
				URI:         "discovery://stats",
				Name:        "Discovery statistics",
				Description: "Store and registry statistics",
				MimeType:    "application/json",
			},
			Reader: func(ctx context.Context) ([]protocol.ResourceContents, error) {
				storeStats, err := store.Stats(ctx)
				if err != nil {
					return nil, err
				}
				raw, err := json.MarshalIndent(map[string]any{
					"cmdb":  storeStats,
					"tools": stats.ToolCount(),
				}, "", "  ")
				if err != nil {
					return nil, err
				}
				return []protocol.ResourceContents{{
					URI:      "discovery://stats",
					MimeType: "application/json",
					Text:     string(raw),
				}}, nil
			},
		},
	}

	for _, entry := range resources {
		if err := s.RegisterResource(entry); err != nil {
			return fmt.Errorf("register %s: %w", entry.Resource.URI, err)
		}
	}
	return nil
}

func registerPrompts(s *plugin.Server, store *cmdb.Store) error {
	entry := &registry.PromptEntry{
		Prompt: protocol.Prompt{
			Name:        "infra_report",
			Description: "Summarize the discovered infrastructure for a key scope",
			Arguments: []protocol.PromptArgument{
				{Name: "scope", Description: "Key glob limiting the report", Required: false},
			},
		},
		Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
			"scope": {Type: "string", Default: "*", Description: "Key glob limiting the report"},
		}},
		Handler: func(ctx context.Context, args map[string]any) (*protocol.GetPromptResult, error) {
			scope, _ := args["scope"].(string)
			items, err := store.Query(ctx, scope)
			if err != nil {
				return nil, err
			}
			raw, err := json.MarshalIndent(items, "", "  ")
			if err != nil {
				return nil, err
			}
			text := fmt.Sprintf(
				"Review the following %d configuration items and produce an infrastructure report covering hosts, services, and their relationships.\n\n%s",
				len(items), raw)
			return &protocol.GetPromptResult{
				Description: "Infrastructure report request",
				Messages: []protocol.PromptMessage{
					{Role: "user", Content: protocol.TextContent(text)},
				},
			}, nil
		},
	}
	if err := s.RegisterPrompt(entry); err != nil {
		return fmt.Errorf("register %s: %w", entry.Prompt.Name, err)
	}
	return nil
}
