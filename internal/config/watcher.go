package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wudi/edgeproxy/internal/logging"
)

// FileKind identifies which configuration file changed.
type FileKind string

const (
	KindRoutesFile    FileKind = "routes"
	KindProcessesFile FileKind = "processes"
)

// ChangeEvent is emitted once per debounced change to a watched file.
type ChangeEvent struct {
	Kind FileKind
	Path string
}

// Watcher watches the configuration files for changes. Events are debounced
// so editors that write multiple times in quick succession trigger one reload.
type Watcher struct {
	watcher  *fsnotify.Watcher
	paths    map[string]FileKind // base name → kind
	dirs     map[string]bool
	debounce time.Duration

	mu        sync.RWMutex
	callbacks []func(ChangeEvent)

	stopOnce sync.Once
	stop     chan struct{}
}

// NewWatcher creates a watcher over the given files. Paths with empty values
// are skipped, so the process file is optional.
func NewWatcher(routesPath, processesPath string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fsWatcher,
		paths:    make(map[string]FileKind),
		dirs:     make(map[string]bool),
		debounce: 500 * time.Millisecond,
		stop:     make(chan struct{}),
	}
	if routesPath != "" {
		w.paths[filepath.Base(routesPath)] = KindRoutesFile
		w.dirs[filepath.Dir(routesPath)] = true
	}
	if processesPath != "" {
		w.paths[filepath.Base(processesPath)] = KindProcessesFile
		w.dirs[filepath.Dir(processesPath)] = true
	}
	return w, nil
}

// OnChange registers a callback for debounced change events.
func (w *Watcher) OnChange(callback func(ChangeEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// SetDebounce sets the debounce duration for file changes.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start begins watching. Watches the containing directories so atomic
// rename-based saves are observed.
func (w *Watcher) Start() error {
	for dir := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
	}
	go w.watch()
	return nil
}

func (w *Watcher) watch() {
	timers := make(map[FileKind]*time.Timer)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			kind, watched := w.paths[filepath.Base(event.Name)]
			if !watched {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			path := event.Name
			if t, exists := timers[kind]; exists {
				t.Stop()
			}
			timers[kind] = time.AfterFunc(w.debounce, func() {
				w.notify(ChangeEvent{Kind: kind, Path: path})
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("config watcher error", zap.Error(err))

		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) notify(ev ChangeEvent) {
	w.mu.RLock()
	callbacks := make([]func(ChangeEvent), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	logging.Info("configuration file changed",
		zap.String("kind", string(ev.Kind)),
		zap.String("path", ev.Path),
	)
	for _, cb := range callbacks {
		cb(ev)
	}
}

// Stop stops watching for changes.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stop) })
	return w.watcher.Close()
}
