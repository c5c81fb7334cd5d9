package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/han-hayden/llm-perf-sidecar/logging"
)

// FileRegistry is the default Registry: a single JSON file of the shape
// {"target_host": "...", "target_port": 1234}, reloaded automatically
// whenever it changes on disk.
type FileRegistry struct {
	path    string
	logger  *logging.Logger
	watcher *fsnotify.Watcher

	mu     sync.RWMutex
	target Target
	loaded bool

	done chan struct{}
}

// NewFileRegistry loads path and starts watching it for changes. If path
// does not exist yet, Target returns ErrNoTarget until it is created.
func NewFileRegistry(path string, logger *logging.Logger) (*FileRegistry, error) {
	r := &FileRegistry{path: path, logger: logger, done: make(chan struct{})}
	r.reload()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("registry: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("registry: watch %s: %w", path, err)
	}
	r.watcher = watcher

	go r.watch()
	return r, nil
}

func (r *FileRegistry) watch() {
	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Name == r.path && (event.Op&(fsnotify.Write|fsnotify.Create) != 0) {
				r.reload()
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			if r.logger != nil {
				r.logger.WarningLog("registry watcher error: %v", err)
			}
		}
	}
}

func (r *FileRegistry) reload() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return
	}
	var t Target
	if err := json.Unmarshal(data, &t); err != nil {
		if r.logger != nil {
			r.logger.WarningLog("registry: malformed config at %s: %v", r.path, err)
		}
		return
	}

	r.mu.Lock()
	r.target = t
	r.loaded = true
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.InfoLog("registry: loaded target %s:%d", t.Host, t.Port)
	}
}

// Target returns the currently loaded target.
func (r *FileRegistry) Target() (Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.loaded {
		return Target{}, ErrNoTarget
	}
	return r.target, nil
}

// Close stops the file watcher goroutine.
func (r *FileRegistry) Close() error {
	close(r.done)
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

var _ Registry = (*FileRegistry)(nil)
