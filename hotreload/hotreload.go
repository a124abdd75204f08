// Package hotreload implements the Hot-Reload Detector (C10): a recursive
// directory watch that debounces file-change events per plugin and
// requests a reload once changes settle. Enabled only in devMode.
package hotreload

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/go-lynx/kernel/internal/klog"
)

// DefaultDebounce matches spec.md §4.10's default debounceMs.
const DefaultDebounce = 1000 * time.Millisecond

// DefaultCompiledUnitExt is the file extension the validity check looks
// for before firing a reload.
const DefaultCompiledUnitExt = ".so"

// ReloadFunc is invoked once a plugin's watched directory has settled and
// passed the validity check. dir is the specific watched subdirectory the
// triggering event occurred under.
type ReloadFunc func(pluginID, dir string)

// Detector watches registered plugin directories and calls a ReloadFunc
// once changes to one settle. A Detector created with devMode false is a
// no-op: Watch and Run both return immediately, matching spec.md's
// "hot-reload is enabled only in devMode".
type Detector struct {
	watcher *fsnotify.Watcher
	devMode bool
	onReload ReloadFunc

	debounceDuration time.Duration
	compiledUnitExt  string

	mu       sync.Mutex
	dirs     map[string]string // watched directory -> owning plugin id
	timers   map[string]*time.Timer
}

// New creates a Detector. A real fsnotify.Watcher (one OS watch handle) is
// always constructed so Watch and Close stay simple regardless of devMode.
func New(devMode bool, onReload ReloadFunc) (*Detector, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Detector{
		watcher:          w,
		devMode:          devMode,
		onReload:         onReload,
		debounceDuration: DefaultDebounce,
		compiledUnitExt:  DefaultCompiledUnitExt,
		dirs:             make(map[string]string),
		timers:           make(map[string]*time.Timer),
	}, nil
}

// Watch recursively adds root and every subdirectory beneath it to the
// watch set, attributing events under any of them to pluginID. A no-op
// outside devMode.
func (d *Detector) Watch(pluginID, root string) error {
	if !d.devMode {
		return nil
	}
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if err := d.watcher.Add(path); err != nil {
			return err
		}
		d.mu.Lock()
		d.dirs[path] = pluginID
		d.mu.Unlock()
		return nil
	})
}

// Unwatch removes every directory registered for pluginID and cancels any
// pending debounce timer for it, called when a plugin is uninstalled.
func (d *Detector) Unwatch(pluginID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for path, id := range d.dirs {
		if id != pluginID {
			continue
		}
		d.watcher.Remove(path)
		delete(d.dirs, path)
	}
	if t, ok := d.timers[pluginID]; ok {
		t.Stop()
		delete(d.timers, pluginID)
	}
}

// Run starts the event loop in its own goroutine; it exits once ctx is
// done or the watcher is closed. A no-op outside devMode.
func (d *Detector) Run(ctx context.Context) {
	if !d.devMode {
		return
	}
	go d.loop(ctx)
}

func (d *Detector) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			d.handle(ev)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			klog.Helper().Errorw("msg", "hot-reload watch error", "err", err)
		}
	}
}

func (d *Detector) handle(ev fsnotify.Event) {
	dir := filepath.Dir(ev.Name)
	pluginID, root := d.resolve(dir)
	if pluginID == "" {
		return
	}
	d.schedule(pluginID, root)
}

// resolve walks up from dir to find the nearest registered ancestor,
// since a freshly created subdirectory may not be in the watch map yet.
func (d *Detector) resolve(dir string) (pluginID, root string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.dirs[dir]; ok {
		return id, dir
	}
	for known, id := range d.dirs {
		if strings.HasPrefix(dir, known+string(filepath.Separator)) {
			return id, known
		}
	}
	return "", ""
}

// schedule cancels any in-flight debounce timer for pluginID and starts a
// new one, following the teacher's cancel-and-reschedule Debouncer idiom
// (cmd/lynx/internal/run/watcher.go's Debouncer.Trigger).
func (d *Detector) schedule(pluginID, dir string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[pluginID]; ok {
		t.Stop()
	}
	d.timers[pluginID] = time.AfterFunc(d.debounceDuration, func() { d.fire(pluginID, dir) })
}

// fire runs the validity check and, if it passes, calls onReload. Per
// spec.md's REDESIGN FLAG, a directory with zero compiled units skips the
// reload rather than triggering one.
func (d *Detector) fire(pluginID, dir string) {
	if !hasCompiledUnit(dir, d.compiledUnitExt) {
		klog.Helper().Warnw("msg", "skipping hot-reload, no compiled units found", "plugin", pluginID, "dir", dir)
		return
	}
	d.onReload(pluginID, dir)
}

func hasCompiledUnit(dir, ext string) bool {
	found := false
	filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() && filepath.Ext(path) == ext {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

// Close releases the underlying watcher's file descriptor and stops every
// pending debounce timer.
func (d *Detector) Close() error {
	d.mu.Lock()
	for _, t := range d.timers {
		t.Stop()
	}
	d.mu.Unlock()
	return d.watcher.Close()
}
