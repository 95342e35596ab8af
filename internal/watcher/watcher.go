// Package watcher reports changes to files on disk, debounced so that an
// editor's write-rename-chmod burst produces a single callback.
package watcher

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const debounceInterval = 500 * time.Millisecond

// ChangeCallback is called with the path of a watched file after it changed.
type ChangeCallback func(path string)

// Watcher monitors individual files for changes.
type Watcher struct {
	mu       sync.RWMutex
	watchers map[string]*fileWatcher // absolute path → watcher
	interval time.Duration
	callback ChangeCallback
	log      zerolog.Logger
}

type fileWatcher struct {
	path      string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	done      chan struct{}
}

// New creates a new file watcher.
func New(callback ChangeCallback, log zerolog.Logger) *Watcher {
	return &Watcher{
		watchers: make(map[string]*fileWatcher),
		interval: debounceInterval,
		callback: callback,
		log:      log.With().Str("component", "watcher").Logger(),
	}
}

// Watch starts watching path. The containing directory is watched rather
// than the file itself, so replacing the file by rename is noticed too.
func (w *Watcher) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	w.mu.RLock()
	_, exists := w.watchers[abs]
	w.mu.RUnlock()
	if exists {
		return nil
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(filepath.Dir(abs)); err != nil {
		fsW.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	fw := &fileWatcher{
		path:      abs,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	w.mu.Lock()
	if _, exists := w.watchers[abs]; exists {
		w.mu.Unlock()
		fsW.Close()
		return nil
	}
	w.watchers[abs] = fw
	w.mu.Unlock()

	go w.watchLoop(fw)

	w.log.Info().Str("path", abs).Msg("watching file")
	return nil
}

// Unwatch stops watching path. A pending debounced callback is dropped.
func (w *Watcher) Unwatch(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	fw, ok := w.watchers[abs]
	if ok {
		delete(w.watchers, abs)
	}
	w.mu.Unlock()

	if ok {
		close(fw.cancel)
		fw.fsWatcher.Close()
		<-fw.done
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(fw *fileWatcher) {
	defer close(fw.done)

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-fw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fw.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer == nil {
				timer = time.NewTimer(w.interval)
			} else {
				timer.Reset(w.interval)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.log.Debug().Str("path", fw.path).Msg("file changed")
			if w.callback != nil {
				w.callback(fw.path)
			}

		case err, ok := <-fw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Str("path", fw.path).Msg("watcher error")
		}
	}
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.watchers))
	for p := range w.watchers {
		paths = append(paths, p)
	}
	w.mu.Unlock()

	for _, p := range paths {
		w.Unwatch(p)
	}
}
