package registry

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"swarm/pkg/logging"
)

const watchDebounceInterval = 500 * time.Millisecond

// stateWatcher folds external edits of the instances directory back into the
// in-memory catalogue. It debounces bursts (editors and atomic renames
// produce several events per logical change) and ignores temp files.
type stateWatcher struct {
	mu sync.Mutex

	dir      string
	registry *Registry
	watcher  *fsnotify.Watcher

	// pending tracks debounced timers per instance id
	pending map[string]*time.Timer

	stopCh  chan struct{}
	running bool
}

func newStateWatcher(dir string, registry *Registry) *stateWatcher {
	return &stateWatcher{
		dir:      dir,
		registry: registry,
		pending:  make(map[string]*time.Timer),
	}
}

// Start begins watching. The watched directory is created if missing.
func (w *stateWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return err
	}

	w.watcher = watcher
	w.stopCh = make(chan struct{})
	w.running = true

	go w.processEvents()

	logging.Info("Registry", "Watching %s for external state changes", w.dir)
	return nil
}

func (w *stateWatcher) processEvents() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("Registry", "State watcher error: %v", err)
		case <-w.stopCh:
			return
		}
	}
}

func (w *stateWatcher) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
		return
	}
	id := strings.TrimSuffix(name, ".json")

	w.debounce(id, func() {
		// Re-check the filesystem at fire time: a rename-commit emits both
		// a Rename for the temp name and a Create for the target, and the
		// last event in a burst does not always describe the final state.
		if _, err := os.Stat(filepath.Join(w.dir, name)); os.IsNotExist(err) {
			w.registry.dropFromMemory(id)
		} else {
			w.registry.reloadFromFile(id)
		}
	})
}

// debounce coalesces events per instance id.
func (w *stateWatcher) debounce(id string, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	if timer, ok := w.pending[id]; ok {
		timer.Stop()
	}
	w.pending[id] = time.AfterFunc(watchDebounceInterval, func() {
		w.mu.Lock()
		delete(w.pending, id)
		stopped := !w.running
		w.mu.Unlock()
		if stopped {
			return
		}
		fn()
	})
}

// Stop halts the watcher and cancels pending debounce timers.
func (w *stateWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	w.running = false
	close(w.stopCh)
	w.watcher.Close()
	for id, timer := range w.pending {
		timer.Stop()
		delete(w.pending, id)
	}
}
