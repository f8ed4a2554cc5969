// Package watcher reloads the sandbox chain override file when it changes
// on disk.
package watcher

import (
	"errors"
	"io/fs"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"codepair/internal/sandbox"
)

const debounceInterval = 500 * time.Millisecond

// ReloadFunc receives each successfully parsed chain file.
type ReloadFunc func(cf sandbox.ChainFile)

// Watcher monitors one chain file.
type Watcher struct {
	path     string
	onReload ReloadFunc
	debounce time.Duration

	mu        sync.Mutex
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	timer     *time.Timer
}

// New creates a watcher for the chain file at path.
func New(path string, onReload ReloadFunc) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		onReload: onReload,
		debounce: debounceInterval,
	}
}

// Start loads the file once, if it exists, and then watches it. The
// containing directory is watched so editors that replace the file by
// rename are seen.
func (w *Watcher) Start() error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(filepath.Dir(w.path)); err != nil {
		fsW.Close()
		return err
	}

	w.mu.Lock()
	w.fsWatcher = fsW
	w.cancel = make(chan struct{})
	w.mu.Unlock()

	w.reload()
	go w.watchLoop(fsW, w.cancel)
	return nil
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(fsW *fsnotify.Watcher, cancel chan struct{}) {
	for {
		select {
		case <-cancel:
			return

		case event, ok := <-fsW.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || event.Has(fsnotify.Chmod) {
				continue
			}

			// Debounce: reset timer on each event.
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.debounce, w.reload)
			w.mu.Unlock()

		case err, ok := <-fsW.Errors:
			if !ok {
				return
			}
			log.Printf("watcher: %s: %v", w.path, err)
		}
	}
}

// reload parses the file and hands it on. A missing or broken file leaves
// the current chain in place.
func (w *Watcher) reload() {
	cf, err := sandbox.LoadChainFile(w.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Printf("watcher: keeping current chain: %v", err)
		}
		return
	}
	log.Printf("watcher: chain file reloaded: order=%v disabled=%v", cf.Order, cf.Disabled)
	if w.onReload != nil {
		w.onReload(cf)
	}
}

// Shutdown stops watching.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fsWatcher == nil {
		return
	}
	close(w.cancel)
	if w.timer != nil {
		w.timer.Stop()
	}
	w.fsWatcher.Close()
	w.fsWatcher = nil
}
