package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnEntryChange(t *testing.T) {
	root := t.TempDir()
	dir := writePluginTree(t, root, "probe", "", nil)

	loader, _ := newTestLoader(t, root, false)
	loader.RegisterFactory("probe", echoFactory("probe_scan"))
	require.NoError(t, loader.Load(context.Background(), "probe"))

	w := NewWatcher(loader)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	// Rewrite the tree consistently (entry + manifest) at a new version.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte("v2 code"), 0o644))
	writePluginTree(t, root, "probe", "", func(m *Manifest) {
		m.Version = "2.0.0"
	})

	require.Eventually(t, func() bool {
		infos := loader.Plugins()
		return len(infos) == 1 && infos[0].Version == "2.0.0"
	}, 10*time.Second, 100*time.Millisecond, "watcher should hot-reload the plugin")
}

func TestWatcherKeepsPreviousOnBadTree(t *testing.T) {
	root := t.TempDir()
	dir := writePluginTree(t, root, "probe", "", nil)

	loader, reg := newTestLoader(t, root, false)
	loader.RegisterFactory("probe", echoFactory("probe_scan"))
	require.NoError(t, loader.Load(context.Background(), "probe"))

	w := NewWatcher(loader)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	// Tamper with the entry without updating the manifest hash.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte("tampered"), 0o644))

	// The reload attempt fails verification; give the debounce time to fire.
	time.Sleep(2 * time.Second)
	assert.True(t, loader.Loaded("probe"))
	assert.Equal(t, 1, reg.ToolCount())
}

func TestWatcherStartStopIdempotent(t *testing.T) {
	loader, _ := newTestLoader(t, t.TempDir(), false)
	w := NewWatcher(loader)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
}
