package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"opendiscovery/internal/cmdb"
	"opendiscovery/internal/registry"
	"opendiscovery/internal/runtime"
	"opendiscovery/pkg/logging"
)

// drainTimeout bounds how long unload waits for in-flight tool calls.
const drainTimeout = 10 * time.Second

// Info describes one loaded plugin for stats and the health endpoint.
type Info struct {
	ID       string    `json:"id"`
	Version  string    `json:"version"`
	Tools    int       `json:"tools"`
	LoadedAt time.Time `json:"loadedAt"`
}

// Loader resolves plugins from the install directory, verifies them, and
// activates their compiled-in factories.
type Loader struct {
	dir     string
	reg     *registry.Registry
	rt      *runtime.Runtime
	store   *cmdb.Store
	strict  bool
	cache   *hashCache
	onError func(pluginID string, err error)

	mu        sync.Mutex
	factories map[string]Factory
	loaded    map[string]*loadedPlugin
	failures  map[string]string
}

type loadedPlugin struct {
	manifest *Manifest
	dir      string
	loadedAt time.Time
}

// NewLoader creates a loader rooted at the plugin install directory.
// onError receives asynchronous load/reload failures (for operator
// notifications); it may be nil.
func NewLoader(dir string, reg *registry.Registry, rt *runtime.Runtime, store *cmdb.Store, strict bool, onError func(string, error)) *Loader {
	if onError == nil {
		onError = func(string, error) {}
	}
	return &Loader{
		dir:       dir,
		reg:       reg,
		rt:        rt,
		store:     store,
		strict:    strict,
		cache:     newHashCache(),
		onError:   onError,
		factories: make(map[string]Factory),
		loaded:    make(map[string]*loadedPlugin),
		failures:  make(map[string]string),
	}
}

// RegisterFactory makes a compiled-in plugin available for activation under
// the given name. Must be called before LoadAll.
func (l *Loader) RegisterFactory(name string, factory Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[name] = factory
}

// LoadAll loads every plugin directory with a manifest.json. Individual
// failures are recorded and reported but do not abort the other loads.
func (l *Loader) LoadAll(ctx context.Context) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn("PluginLoader", "Cannot read plugin directory %s: %v", l.dir, err)
		}
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if _, err := os.Stat(filepath.Join(l.dir, id, "manifest.json")); err != nil {
			continue
		}
		if err := l.Load(ctx, id); err != nil {
			logging.Error("PluginLoader", err, "Failed to load plugin %s", id)
			l.onError(id, err)
		}
	}
}

// Load runs the full verification and activation sequence for one plugin:
// manifest parse and schema validation, content hash comparison, per-file
// checksum verification, dependency policy enforcement, then factory
// activation (with strict capability enforcement applied at registration).
// No plugin code runs before every verification step has passed.
func (l *Loader) Load(ctx context.Context, id string) error {
	pluginDir := filepath.Join(l.dir, id)

	manifest, err := l.verify(id, pluginDir)
	if err != nil {
		l.recordFailure(id, err)
		return err
	}

	l.mu.Lock()
	if _, already := l.loaded[id]; already {
		l.mu.Unlock()
		return &LoadError{PluginID: id, Err: fmt.Errorf("already loaded")}
	}
	factory, ok := l.factories[manifest.Name]
	l.mu.Unlock()
	if !ok {
		err := &LoadError{PluginID: id, Err: fmt.Errorf("no factory registered for %q", manifest.Name)}
		l.recordFailure(id, err)
		return err
	}

	if err := l.activate(id, manifest, factory); err != nil {
		l.recordFailure(id, err)
		return err
	}

	l.mu.Lock()
	l.loaded[id] = &loadedPlugin{manifest: manifest, dir: pluginDir, loadedAt: time.Now().UTC()}
	delete(l.failures, id)
	l.mu.Unlock()

	logging.Info("PluginLoader", "Loaded plugin %s v%s (%d tools)", id, manifest.Version, len(l.reg.ToolsForPlugin(id)))
	return nil
}

// LoadBuiltin activates a compiled-in plugin that ships with the server
// binary and has no on-disk distribution. Builtins carry no dist hash to
// verify and are exempt from strict capability enforcement; the integrity
// and policy sequence applies to installed plugin trees only.
func (l *Loader) LoadBuiltin(ctx context.Context, id, version string) error {
	l.mu.Lock()
	factory, ok := l.factories[id]
	if _, already := l.loaded[id]; already {
		l.mu.Unlock()
		return &LoadError{PluginID: id, Err: fmt.Errorf("already loaded")}
	}
	l.mu.Unlock()
	if !ok {
		return &LoadError{PluginID: id, Err: fmt.Errorf("no factory registered for %q", id)}
	}

	manifest := &Manifest{
		ManifestVersion: ManifestVersion,
		Name:            id,
		Version:         version,
		Entry:           "builtin",
	}
	server := &Server{
		pluginID: id,
		manifest: manifest,
		strict:   false,
		reg:      l.reg,
		Runtime:  l.rt,
		CMDB:     l.store,
	}
	if err := factory(server); err != nil {
		l.reg.UnregisterPlugin(id)
		err = &LoadError{PluginID: id, Err: err}
		l.recordFailure(id, err)
		return err
	}

	l.mu.Lock()
	l.loaded[id] = &loadedPlugin{manifest: manifest, loadedAt: time.Now().UTC()}
	delete(l.failures, id)
	l.mu.Unlock()

	logging.Info("PluginLoader", "Loaded builtin plugin %s v%s (%d tools)", id, version, len(l.reg.ToolsForPlugin(id)))
	return nil
}

// verify performs every pre-execution check and returns the parsed manifest.
func (l *Loader) verify(id, pluginDir string) (*Manifest, error) {
	manifest, err := ReadManifest(filepath.Join(pluginDir, "manifest.json"))
	if err != nil {
		return nil, &LoadError{PluginID: id, Err: err}
	}

	computed, err := l.cache.ContentHash(pluginDir)
	if err != nil {
		return nil, &LoadError{PluginID: id, Err: err}
	}
	if computed != manifest.Dist.Hash {
		return nil, &IntegrityError{
			PluginID: id,
			Reason:   fmt.Sprintf("content hash mismatch: manifest declares %s, computed %s", manifest.Dist.Hash, computed),
		}
	}

	if manifest.Dist.Checksums != nil {
		seen := map[string]bool{}
		for _, fc := range manifest.Dist.Checksums.Files {
			if seen[fc.Path] {
				return nil, &IntegrityError{PluginID: id, Reason: fmt.Sprintf("duplicate checksum entry for %q", fc.Path)}
			}
			seen[fc.Path] = true
			actual, err := hashFile(filepath.Join(pluginDir, filepath.FromSlash(fc.Path)))
			if err != nil {
				return nil, &IntegrityError{PluginID: id, Reason: fmt.Sprintf("checksum file %q: %v", fc.Path, err)}
			}
			if actual != fc.SHA256 {
				return nil, &IntegrityError{PluginID: id, Reason: fmt.Sprintf("checksum mismatch for %q", fc.Path)}
			}
		}
	}

	if len(manifest.ExternalDependencies) > 0 && manifest.Policy() != PolicyExternalAllowed {
		return nil, &PolicyError{
			PluginID: id,
			Reason: fmt.Sprintf("%d external dependencies declared under %s policy",
				len(manifest.ExternalDependencies), manifest.Policy()),
		}
	}

	if _, err := os.Stat(filepath.Join(pluginDir, filepath.FromSlash(manifest.Entry))); err != nil {
		return nil, &LoadError{PluginID: id, Err: fmt.Errorf("entry file %q: %w", manifest.Entry, err)}
	}

	return manifest, nil
}

// activate invokes the factory. A factory error rolls back any partial
// registrations so the registry is left unchanged.
func (l *Loader) activate(id string, manifest *Manifest, factory Factory) error {
	server := &Server{
		pluginID: id,
		manifest: manifest,
		strict:   l.strict,
		reg:      l.reg,
		Runtime:  l.rt,
		CMDB:     l.store,
	}
	if err := factory(server); err != nil {
		l.reg.UnregisterPlugin(id)
		if _, ok := err.(*CapabilityMismatchError); ok {
			return err
		}
		return &LoadError{PluginID: id, Err: err}
	}
	return nil
}

// Unload drains in-flight calls to the plugin's tools and removes all its
// registrations.
func (l *Loader) Unload(ctx context.Context, id string) error {
	l.mu.Lock()
	_, ok := l.loaded[id]
	l.mu.Unlock()
	if !ok {
		return &LoadError{PluginID: id, Err: fmt.Errorf("not loaded")}
	}

	names := l.reg.ToolsForPlugin(id)
	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	if err := l.rt.DrainTools(drainCtx, names); err != nil {
		logging.Warn("PluginLoader", "Unloading %s with calls still in flight: %v", id, err)
	}

	l.reg.UnregisterPlugin(id)
	l.mu.Lock()
	delete(l.loaded, id)
	l.mu.Unlock()

	logging.Info("PluginLoader", "Unloaded plugin %s", id)
	return nil
}

// Reload re-verifies the on-disk tree and swaps the plugin's registrations.
// Verification runs BEFORE the old version is touched: a tree that fails
// integrity or policy checks leaves the previous version fully in place.
func (l *Loader) Reload(ctx context.Context, id string) error {
	pluginDir := filepath.Join(l.dir, id)
	l.cache.Invalidate(pluginDir)

	l.mu.Lock()
	previous, wasLoaded := l.loaded[id]
	l.mu.Unlock()

	manifest, err := l.verify(id, pluginDir)
	if err != nil {
		logging.Error("PluginLoader", err, "Reload verification failed for %s; keeping previous version", id)
		l.onError(id, err)
		return err
	}

	l.mu.Lock()
	factory, ok := l.factories[manifest.Name]
	l.mu.Unlock()
	if !ok {
		err := &LoadError{PluginID: id, Err: fmt.Errorf("no factory registered for %q", manifest.Name)}
		l.onError(id, err)
		return err
	}

	if wasLoaded {
		if err := l.Unload(ctx, id); err != nil {
			l.onError(id, err)
			return err
		}
	}

	if err := l.activate(id, manifest, factory); err != nil {
		// Activation of the new tree failed after the old one was torn
		// down. Restore the previous version so the registry does not end
		// up empty.
		if wasLoaded {
			if restoreErr := l.activate(id, previous.manifest, factory); restoreErr == nil {
				l.mu.Lock()
				l.loaded[id] = previous
				l.mu.Unlock()
				logging.Warn("PluginLoader", "Reload of %s failed; previous version restored", id)
			} else {
				logging.Error("PluginLoader", restoreErr, "Reload of %s failed and restore also failed", id)
			}
		}
		l.recordFailure(id, err)
		l.onError(id, err)
		return err
	}

	l.mu.Lock()
	l.loaded[id] = &loadedPlugin{manifest: manifest, dir: pluginDir, loadedAt: time.Now().UTC()}
	delete(l.failures, id)
	l.mu.Unlock()

	logging.Info("PluginLoader", "Reloaded plugin %s v%s", id, manifest.Version)
	return nil
}

// Loaded reports whether a plugin is currently active.
func (l *Loader) Loaded(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.loaded[id]
	return ok
}

// Plugins returns info about all loaded plugins, sorted by id.
func (l *Loader) Plugins() []Info {
	l.mu.Lock()
	defer l.mu.Unlock()
	infos := make([]Info, 0, len(l.loaded))
	for id, lp := range l.loaded {
		infos = append(infos, Info{
			ID:       id,
			Version:  lp.manifest.Version,
			Tools:    len(l.reg.ToolsForPlugin(id)),
			LoadedAt: lp.loadedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Failures returns the last load error per failed plugin. A non-empty map
// marks the server degraded on the health endpoint.
func (l *Loader) Failures() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.failures))
	for id, msg := range l.failures {
		out[id] = msg
	}
	return out
}

func (l *Loader) recordFailure(id string, err error) {
	l.mu.Lock()
	l.failures[id] = err.Error()
	l.mu.Unlock()
}

// entryPath returns the absolute entry file path for a loaded plugin.
func (l *Loader) entryPath(id string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lp, ok := l.loaded[id]
	if !ok || lp.dir == "" {
		return "", false
	}
	return filepath.Join(lp.dir, filepath.FromSlash(lp.manifest.Entry)), true
}
