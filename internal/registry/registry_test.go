package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opendiscovery/internal/protocol"
	"opendiscovery/internal/schema"
)

func testTool(name, category, pluginID string) *Tool {
	return &Tool{
		Name:     name,
		Category: category,
		Plugin:   pluginID,
		Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
			"host": {Type: "string", Required: true},
		}},
		Handler: func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
			return protocol.TextResult("ok"), nil
		},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	reg := New()
	require.NoError(t, reg.RegisterTool(testTool("ping", "network", "network")))

	tool, err := reg.Lookup("ping")
	require.NoError(t, err)
	assert.Equal(t, "ping", tool.Name)
	assert.NotNil(t, tool.Validator())

	_, err = reg.Lookup("nope")
	var notFound *ToolNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestDuplicateNameIsFatal(t *testing.T) {
	reg := New()
	require.NoError(t, reg.RegisterTool(testTool("ping", "network", "network")))

	err := reg.RegisterTool(testTool("ping", "other", "rogue"))
	var dup *DuplicateToolError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "network", dup.Existing)
	assert.Equal(t, 1, reg.ToolCount(), "tool count equals distinct names")
}

func TestRegisterRejectsBadDescriptor(t *testing.T) {
	reg := New()
	bad := testTool("broken", "x", "p")
	bad.Descriptor = &schema.Descriptor{Properties: map[string]*schema.Property{
		"x": {Type: "whatever"},
	}}
	assert.Error(t, reg.RegisterTool(bad))
	assert.Zero(t, reg.ToolCount())
}

func TestListByCategory(t *testing.T) {
	reg := New()
	require.NoError(t, reg.RegisterTool(testTool("ping", "network", "p")))
	require.NoError(t, reg.RegisterTool(testTool("wget", "network", "p")))
	require.NoError(t, reg.RegisterTool(testTool("memory_get", "memory", "p")))

	assert.Len(t, reg.ListTools(""), 3)
	assert.Len(t, reg.ListTools("network"), 2)
	assert.Len(t, reg.ListTools("memory"), 1)
	assert.Equal(t, []string{"memory", "network"}, reg.Categories())

	names := []string{}
	for _, tool := range reg.ListTools("") {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"memory_get", "ping", "wget"}, names, "listing is sorted")
}

func TestChangeEvents(t *testing.T) {
	reg := New()
	var events []ChangeKind
	reg.OnChange(func(kind ChangeKind) {
		events = append(events, kind)
	})

	require.NoError(t, reg.RegisterTool(testTool("ping", "network", "p")))
	require.NoError(t, reg.UnregisterTool("ping"))

	assert.Equal(t, []ChangeKind{ToolsChanged, ToolsChanged}, events)
}

func TestUnregisterPlugin(t *testing.T) {
	reg := New()
	require.NoError(t, reg.RegisterTool(testTool("ping", "network", "net")))
	require.NoError(t, reg.RegisterTool(testTool("wget", "network", "net")))
	require.NoError(t, reg.RegisterTool(testTool("memory_get", "memory", "mem")))
	require.NoError(t, reg.RegisterResource(&ResourceEntry{
		Resource: protocol.Resource{URI: "cmdb://items", Name: "items"},
		Reader: func(ctx context.Context) ([]protocol.ResourceContents, error) {
			return nil, nil
		},
		Plugin: "mem",
	}))

	reg.UnregisterPlugin("net")

	assert.Equal(t, 1, reg.ToolCount())
	_, err := reg.Lookup("memory_get")
	assert.NoError(t, err)
	assert.Empty(t, reg.ToolsForPlugin("net"))
	assert.Len(t, reg.ListResources(), 1)
}

func TestHistory(t *testing.T) {
	reg := New()
	require.NoError(t, reg.RegisterTool(testTool("ping", "network", "net")))
	require.NoError(t, reg.UnregisterTool("ping"))

	history := reg.History()
	require.Len(t, history, 2)
	assert.Equal(t, "register", history[0].Action)
	assert.Equal(t, "unregister", history[1].Action)
	assert.Equal(t, "ping", history[0].Name)
}

func TestPromptRegistration(t *testing.T) {
	reg := New()
	entry := &PromptEntry{
		Prompt: protocol.Prompt{Name: "infra_report"},
		Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
			"scope": {Type: "string", Default: "*"},
		}},
		Handler: func(ctx context.Context, args map[string]any) (*protocol.GetPromptResult, error) {
			return &protocol.GetPromptResult{}, nil
		},
	}
	require.NoError(t, reg.RegisterPrompt(entry))

	got, ok := reg.LookupPrompt("infra_report")
	require.True(t, ok)
	assert.NotNil(t, got.Validator())

	assert.Error(t, reg.RegisterPrompt(entry), "duplicate prompt rejected")
}

func TestCategoryOf(t *testing.T) {
	assert.Equal(t, "memory", CategoryOf("memory_get"))
	assert.Equal(t, "ping", CategoryOf("ping"))
}
