package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

const defaultDebounce = 100 * time.Millisecond

// FileWatcher calls back when a watched file changes. Bursts of events for
// the same file within the debounce window produce one callback. The parent
// directory is watched so editors that replace files by rename are seen.
type FileWatcher struct {
	watcher   *fsnotify.Watcher
	callbacks map[string][]func()
	dirs      map[string]bool
	mu        sync.RWMutex
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	debounce  time.Duration
	logger    logr.Logger
}

func NewFileWatcher(logger logr.Logger) *FileWatcher {
	return &FileWatcher{
		callbacks: make(map[string][]func()),
		dirs:      make(map[string]bool),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		debounce:  defaultDebounce,
		logger:    logger,
	}
}

func (w *FileWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}

	w.watcher = watcher
	w.running = true
	go w.watchLoop()
	return nil
}

func (w *FileWatcher) Watch(path string, callback func()) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return fmt.Errorf("watch %s: watcher not started", path)
	}
	dir := filepath.Dir(abs)
	if !w.dirs[dir] {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.dirs[dir] = true
	}
	w.callbacks[abs] = append(w.callbacks[abs], callback)
	return nil
}

// Stop ends the watch loop and waits for it to exit. Callbacks already
// scheduled by the debounce timer may still run.
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	err := w.watcher.Close()
	<-w.doneCh
	return err
}

func (w *FileWatcher) watchLoop() {
	defer close(w.doneCh)

	var debounceTimer *time.Timer
	pendingPaths := make(map[string]bool)
	debounceMutex := sync.Mutex{}

	fire := func() {
		debounceMutex.Lock()
		paths := make([]string, 0, len(pendingPaths))
		for path := range pendingPaths {
			paths = append(paths, path)
		}
		pendingPaths = make(map[string]bool)
		debounceTimer = nil
		debounceMutex.Unlock()

		w.mu.RLock()
		var callbacks []func()
		for _, path := range paths {
			callbacks = append(callbacks, w.callbacks[path]...)
		}
		w.mu.RUnlock()

		for _, cb := range callbacks {
			cb()
		}
	}

	for {
		select {
		case <-w.stopCh:
			debounceMutex.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceMutex.Unlock()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Clean(event.Name)
			w.mu.RLock()
			_, exists := w.callbacks[name]
			w.mu.RUnlock()
			if !exists {
				continue
			}

			debounceMutex.Lock()
			pendingPaths[name] = true
			if debounceTimer == nil {
				debounceTimer = time.AfterFunc(w.debounce, fire)
			}
			debounceMutex.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error(err, "File watcher error")
		}
	}
}
