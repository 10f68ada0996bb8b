package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opendiscovery/internal/config"
)

func testConfig(t *testing.T, mode string) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Mode = mode
	cfg.HTTP.Port = 0 // ephemeral port for tests
	cfg.CMDB.Path = filepath.Join(dir, "cmdb.db")
	cfg.CMDB.KeyFile = filepath.Join(dir, "cmdb_key")
	cfg.Plugins.Dir = filepath.Join(dir, "plugins")
	return cfg
}

func TestInitializeServices(t *testing.T) {
	ctx := context.Background()
	svcs, err := InitializeServices(ctx, testConfig(t, config.ModeStdio))
	require.NoError(t, err)
	defer func() {
		svcs.Sessions.Stop()
		svcs.Engine.Stop()
		svcs.Store.Close(ctx)
	}()

	// Both builtin plugins register their tools.
	for _, name := range []string{"ping", "wget", "nmap_tcp_syn_scan", "memory_get", "memory_set",
		"memory_stats", "memory_rotate_key", "credentials_add", "credentials_get"} {
		_, err := svcs.Registry.Lookup(name)
		assert.NoError(t, err, name)
	}
	assert.True(t, svcs.Loader.Loaded("network"))
	assert.True(t, svcs.Loader.Loaded("memory"))
	assert.Empty(t, svcs.Loader.Failures())

	require.Len(t, svcs.Transports, 1)
	assert.Equal(t, "stdio", svcs.Transports[0].Name())
}

func TestInitializeServicesHTTPMode(t *testing.T) {
	ctx := context.Background()
	svcs, err := InitializeServices(ctx, testConfig(t, config.ModeHTTP))
	require.NoError(t, err)
	defer func() {
		svcs.Sessions.Stop()
		svcs.Engine.Stop()
		svcs.Store.Close(ctx)
	}()

	require.Len(t, svcs.Transports, 1)
	assert.Equal(t, "http", svcs.Transports[0].Name())
	assert.NotNil(t, svcs.Watcher, "hot reload watcher enabled by default")
}
