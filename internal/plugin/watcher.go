package plugin

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"opendiscovery/pkg/logging"
)

// debounceInterval is how long the watcher waits after the last write event
// before triggering a reload. Editors and package installers produce bursts
// of writes; reload should see the settled tree.
const debounceInterval = 500 * time.Millisecond

// Watcher triggers plugin hot reloads when entry files change on disk.
type Watcher struct {
	loader *Loader

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	pending map[string]*time.Timer // plugin id -> debounce timer
	watched map[string]string      // directory -> plugin id
	running bool
	stopCh  chan struct{}
}

// NewWatcher creates a hot-reload watcher over the loader's plugins.
func NewWatcher(loader *Loader) *Watcher {
	return &Watcher{
		loader:  loader,
		pending: make(map[string]*time.Timer),
		watched: make(map[string]string),
	}
}

// Start begins watching the entry file directory of every loaded plugin.
// Idempotent; returns after spawning the event loop.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = fsw
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	for _, info := range w.loader.Plugins() {
		w.Watch(info.ID)
	}

	go w.loop(ctx)
	logging.Info("PluginWatcher", "Hot reload watcher started")
	return nil
}

// Watch adds the entry file directory of a loaded plugin to the watch set.
func (w *Watcher) Watch(id string) {
	entry, ok := w.loader.entryPath(id)
	if !ok {
		return
	}
	dir := filepath.Dir(entry)

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if _, already := w.watched[dir]; already {
		return
	}
	if err := w.watcher.Add(dir); err != nil {
		logging.Warn("PluginWatcher", "Cannot watch %s: %v", dir, err)
		return
	}
	w.watched[dir] = id
	logging.Debug("PluginWatcher", "Watching %s for plugin %s", dir, id)
}

// Stop shuts down the watcher and cancels pending reloads.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false
	close(w.stopCh)
	for id, timer := range w.pending {
		timer.Stop()
		delete(w.pending, id)
	}
	w.watcher.Close()
	logging.Info("PluginWatcher", "Hot reload watcher stopped")
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.handleChange(ctx, event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("PluginWatcher", "Watch error: %v", err)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			w.Stop()
			return
		}
	}
}

// handleChange maps a changed path to its plugin and (re)starts that
// plugin's debounce timer.
func (w *Watcher) handleChange(ctx context.Context, path string) {
	dir := filepath.Dir(path)

	w.mu.Lock()
	id, ok := w.watched[dir]
	if !ok || !w.running {
		w.mu.Unlock()
		return
	}
	if timer, exists := w.pending[id]; exists {
		timer.Stop()
	}
	w.pending[id] = time.AfterFunc(debounceInterval, func() {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()

		logging.Info("PluginWatcher", "Change detected for plugin %s, reloading", id)
		if err := w.loader.Reload(ctx, id); err != nil {
			logging.Error("PluginWatcher", err, "Hot reload of %s failed", id)
		}
	})
	w.mu.Unlock()
}
