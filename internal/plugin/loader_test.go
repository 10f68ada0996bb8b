package plugin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opendiscovery/internal/protocol"
	"opendiscovery/internal/registry"
	"opendiscovery/internal/runtime"
	"opendiscovery/internal/schema"
)

// writePluginTree lays out plugins/<id>/ with an entry file and a manifest.
// When hash is empty the real content hash is computed and used, producing
// a valid installation.
func writePluginTree(t *testing.T, root, id, hash string, mutate func(m *Manifest)) string {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte("module.exports = {};\n"), 0o644))

	if hash == "" {
		computed, err := newHashCache().ContentHash(dir)
		require.NoError(t, err)
		hash = computed
	}

	manifest := &Manifest{
		ManifestVersion: ManifestVersion,
		Name:            id,
		Version:         "1.0.0",
		Entry:           "index.js",
		Dist:            Dist{Hash: hash},
	}
	if mutate != nil {
		mutate(manifest)
	}
	raw, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), raw, 0o644))
	return dir
}

func newTestLoader(t *testing.T, root string, strict bool) (*Loader, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	rt := runtime.New(reg, runtime.Options{})
	return NewLoader(root, reg, rt, nil, strict, nil), reg
}

func echoFactory(toolNames ...string) Factory {
	return func(s *Server) error {
		for _, name := range toolNames {
			tool := &registry.Tool{
				Name:       name,
				Descriptor: &schema.Descriptor{},
				Handler: func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
					return protocol.TextResult("ok"), nil
				},
			}
			if err := s.RegisterTool(tool); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestContentHashCached(t *testing.T) {
	root := t.TempDir()
	dir := writePluginTree(t, root, "probe", "", nil)

	cache := newHashCache()
	first, err := cache.ContentHash(dir)
	require.NoError(t, err)
	second, err := cache.ContentHash(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second, "unchanged tree hashes identically")
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, first)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.js"), []byte("x"), 0o644))
	third, err := cache.ContentHash(dir)
	require.NoError(t, err)
	assert.NotEqual(t, first, third, "changed tree hashes differently")
}

func TestContentHashExcludesManifest(t *testing.T) {
	root := t.TempDir()
	dir := writePluginTree(t, root, "probe", "", nil)

	cache := newHashCache()
	before, err := cache.ContentHash(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(`{"different":true}`), 0o644))
	after, err := cache.ContentHash(dir)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestLoadSuccess(t *testing.T) {
	root := t.TempDir()
	writePluginTree(t, root, "probe", "", nil)

	loader, reg := newTestLoader(t, root, false)
	loader.RegisterFactory("probe", echoFactory("probe_scan"))

	require.NoError(t, loader.Load(context.Background(), "probe"))
	assert.True(t, loader.Loaded("probe"))
	assert.Equal(t, 1, reg.ToolCount())
	assert.Empty(t, loader.Failures())

	tool, err := reg.Lookup("probe_scan")
	require.NoError(t, err)
	assert.Equal(t, "probe", tool.Plugin)
}

func TestLoadIntegrityFailure(t *testing.T) {
	root := t.TempDir()
	writePluginTree(t, root, "tampered", "sha256:"+repeatHex(64), nil)

	loader, reg := newTestLoader(t, root, false)
	loader.RegisterFactory("tampered", echoFactory("tampered_tool"))

	err := loader.Load(context.Background(), "tampered")
	var integrity *IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Zero(t, reg.ToolCount(), "no code runs, registry unchanged")
	assert.False(t, loader.Loaded("tampered"))
	assert.Contains(t, loader.Failures(), "tampered")
}

func TestLoadChecksumVerification(t *testing.T) {
	t.Run("valid checksums pass", func(t *testing.T) {
		root := t.TempDir()
		dir := filepath.Join(root, "checked")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		// Same content writePluginTree writes, so the digest stays valid.
		require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte("module.exports = {};\n"), 0o644))
		fileHash, err := hashFile(filepath.Join(dir, "index.js"))
		require.NoError(t, err)

		writePluginTree(t, root, "checked", "", func(m *Manifest) {
			m.Dist.Checksums = &Checksums{Files: []FileChecksum{{Path: "index.js", SHA256: fileHash}}}
		})

		loader, _ := newTestLoader(t, root, false)
		loader.RegisterFactory("checked", echoFactory("checked_tool"))
		assert.NoError(t, loader.Load(context.Background(), "checked"))
	})

	t.Run("duplicate entries rejected", func(t *testing.T) {
		root := t.TempDir()
		dir := filepath.Join(root, "dup")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		// Same content writePluginTree writes, so only the duplicate is wrong.
		require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte("module.exports = {};\n"), 0o644))
		fileHash, err := hashFile(filepath.Join(dir, "index.js"))
		require.NoError(t, err)

		writePluginTree(t, root, "dup", "", func(m *Manifest) {
			m.Dist.Checksums = &Checksums{Files: []FileChecksum{
				{Path: "index.js", SHA256: fileHash},
				{Path: "index.js", SHA256: fileHash},
			}}
		})

		loader, _ := newTestLoader(t, root, false)
		loader.RegisterFactory("dup", echoFactory("dup_tool"))
		var integrity *IntegrityError
		assert.ErrorAs(t, loader.Load(context.Background(), "dup"), &integrity)
	})

	t.Run("wrong digest rejected", func(t *testing.T) {
		root := t.TempDir()
		writePluginTree(t, root, "wrong", "", func(m *Manifest) {
			m.Dist.Checksums = &Checksums{Files: []FileChecksum{{Path: "index.js", SHA256: repeatHex(64)}}}
		})

		loader, _ := newTestLoader(t, root, false)
		loader.RegisterFactory("wrong", echoFactory("wrong_tool"))
		var integrity *IntegrityError
		assert.ErrorAs(t, loader.Load(context.Background(), "wrong"), &integrity)
	})
}

func TestDependencyPolicy(t *testing.T) {
	t.Run("bundled-only with external deps fails", func(t *testing.T) {
		root := t.TempDir()
		writePluginTree(t, root, "greedy", "", func(m *Manifest) {
			m.ExternalDependencies = []string{"left-pad"}
		})

		loader, reg := newTestLoader(t, root, false)
		loader.RegisterFactory("greedy", echoFactory("greedy_tool"))

		var policy *PolicyError
		require.ErrorAs(t, loader.Load(context.Background(), "greedy"), &policy)
		assert.Zero(t, reg.ToolCount())
	})

	t.Run("external-allowed loads", func(t *testing.T) {
		root := t.TempDir()
		writePluginTree(t, root, "openminded", "", func(m *Manifest) {
			m.ExternalDependencies = []string{"left-pad"}
			m.DependenciesPolicy = PolicyExternalAllowed
		})

		loader, reg := newTestLoader(t, root, false)
		loader.RegisterFactory("openminded", echoFactory("open_tool"))
		require.NoError(t, loader.Load(context.Background(), "openminded"))
		assert.Equal(t, 1, reg.ToolCount())
	})
}

func TestStrictCapabilities(t *testing.T) {
	root := t.TempDir()
	writePluginTree(t, root, "sneaky", "", func(m *Manifest) {
		m.Capabilities = &Capabilities{Tools: []CapabilityRef{{Name: "declared_tool"}}}
	})

	loader, reg := newTestLoader(t, root, true)
	loader.RegisterFactory("sneaky", echoFactory("declared_tool", "undeclared_tool"))

	var mismatch *CapabilityMismatchError
	require.ErrorAs(t, loader.Load(context.Background(), "sneaky"), &mismatch)
	assert.Equal(t, "undeclared_tool", mismatch.Name)
	assert.Zero(t, reg.ToolCount(), "partial registrations are rolled back")
}

func TestLoadMissingFactory(t *testing.T) {
	root := t.TempDir()
	writePluginTree(t, root, "ghost", "", nil)

	loader, _ := newTestLoader(t, root, false)
	var loadErr *LoadError
	assert.ErrorAs(t, loader.Load(context.Background(), "ghost"), &loadErr)
}

func TestLoadAllContinuesPastFailures(t *testing.T) {
	root := t.TempDir()
	writePluginTree(t, root, "good", "", nil)
	writePluginTree(t, root, "bad", "sha256:"+repeatHex(64), nil)

	loader, reg := newTestLoader(t, root, false)
	loader.RegisterFactory("good", echoFactory("good_tool"))
	loader.RegisterFactory("bad", echoFactory("bad_tool"))

	loader.LoadAll(context.Background())

	assert.True(t, loader.Loaded("good"))
	assert.False(t, loader.Loaded("bad"))
	assert.Equal(t, 1, reg.ToolCount())
	assert.Len(t, loader.Failures(), 1)
}

func TestUnload(t *testing.T) {
	root := t.TempDir()
	writePluginTree(t, root, "probe", "", nil)

	loader, reg := newTestLoader(t, root, false)
	loader.RegisterFactory("probe", echoFactory("probe_scan"))
	require.NoError(t, loader.Load(context.Background(), "probe"))

	require.NoError(t, loader.Unload(context.Background(), "probe"))
	assert.False(t, loader.Loaded("probe"))
	assert.Zero(t, reg.ToolCount())

	var loadErr *LoadError
	assert.ErrorAs(t, loader.Unload(context.Background(), "probe"), &loadErr)
}

func TestReloadFailureKeepsPrevious(t *testing.T) {
	root := t.TempDir()
	dir := writePluginTree(t, root, "probe", "", nil)

	loader, reg := newTestLoader(t, root, false)
	loader.RegisterFactory("probe", echoFactory("probe_scan"))
	require.NoError(t, loader.Load(context.Background(), "probe"))

	// Change the tree without updating the manifest hash: verification must
	// fail and the loaded version must survive untouched.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte("tampered"), 0o644))

	var integrity *IntegrityError
	require.ErrorAs(t, loader.Reload(context.Background(), "probe"), &integrity)
	assert.True(t, loader.Loaded("probe"))
	assert.Equal(t, 1, reg.ToolCount(), "registry not cleared by failed reload")
}

func TestReloadSuccess(t *testing.T) {
	root := t.TempDir()
	dir := writePluginTree(t, root, "probe", "", nil)

	loader, reg := newTestLoader(t, root, false)
	loader.RegisterFactory("probe", echoFactory("probe_scan"))
	require.NoError(t, loader.Load(context.Background(), "probe"))

	// Rewrite the tree and its manifest consistently.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte("v2"), 0o644))
	writePluginTree(t, root, "probe", "", func(m *Manifest) {
		m.Version = "1.1.0"
	})

	require.NoError(t, loader.Reload(context.Background(), "probe"))
	assert.True(t, loader.Loaded("probe"))
	assert.Equal(t, 1, reg.ToolCount())

	infos := loader.Plugins()
	require.Len(t, infos, 1)
	assert.Equal(t, "1.1.0", infos[0].Version)
}

func TestLoadBuiltin(t *testing.T) {
	loader, reg := newTestLoader(t, t.TempDir(), false)
	loader.RegisterFactory("builtin", echoFactory("builtin_tool"))

	require.NoError(t, loader.LoadBuiltin(context.Background(), "builtin", "2.0.0"))
	assert.True(t, loader.Loaded("builtin"))
	assert.Equal(t, 1, reg.ToolCount())

	err := loader.LoadBuiltin(context.Background(), "builtin", "2.0.0")
	assert.Error(t, err, "double load rejected")
}

func TestManifestValidation(t *testing.T) {
	valid := func() *Manifest {
		return &Manifest{
			ManifestVersion: "2",
			Name:            "p",
			Version:         "1.2.3",
			Entry:           "index.js",
			Dist:            Dist{Hash: "sha256:" + repeatHex(64)},
		}
	}

	tests := []struct {
		name   string
		mutate func(m *Manifest)
	}{
		{"wrong manifest version", func(m *Manifest) { m.ManifestVersion = "1" }},
		{"missing name", func(m *Manifest) { m.Name = "" }},
		{"bad semver", func(m *Manifest) { m.Version = "one" }},
		{"missing entry", func(m *Manifest) { m.Entry = "" }},
		{"path escape in entry", func(m *Manifest) { m.Entry = "../outside.js" }},
		{"bad hash format", func(m *Manifest) { m.Dist.Hash = "md5:abc" }},
		{"unknown policy", func(m *Manifest) { m.DependenciesPolicy = "yolo" }},
		{"bad checksum digest", func(m *Manifest) {
			m.Dist.Checksums = &Checksums{Files: []FileChecksum{{Path: "a", SHA256: "xyz"}}}
		}},
	}

	require.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid()
			tt.mutate(m)
			assert.Error(t, m.Validate())
		})
	}
}

func repeatHex(n int) string {
	out := ""
	for len(out) < n {
		out += "deadbeef"
	}
	return out[:n]
}
