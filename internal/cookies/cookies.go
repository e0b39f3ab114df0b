// Package cookies tracks the Netscape cookie file produced by the
// external browser-cookie exporter. The file appears, disappears, and is
// rewritten atomically out of band; availability follows it live.
package cookies

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

type Watcher struct {
	path string
	log  *zap.Logger

	mu        sync.Mutex
	available bool

	fsw  *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher starts watching path. An empty path yields a watcher that is
// never available, for deployments without a cookie exporter.
func NewWatcher(path string, log *zap.Logger) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	w := &Watcher{path: path, log: log, done: make(chan struct{})}
	if path == "" {
		return w, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie watcher: %w", err)
	}
	// Watch the directory, not the file: atomic replaces swap the inode.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch cookie directory: %w", err)
	}
	w.fsw = fsw

	w.refresh()
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == filepath.Clean(w.path) {
				w.refresh()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("cookie watcher error", zap.Error(err))
		case <-w.done:
			return
		}
	}
}

// refresh re-stats the file. Usable means present and non-empty.
func (w *Watcher) refresh() {
	info, err := os.Stat(w.path)
	usable := err == nil && info.Size() > 0

	w.mu.Lock()
	changed := usable != w.available
	w.available = usable
	w.mu.Unlock()

	if changed {
		w.log.Info("cookie file availability changed",
			zap.String("path", w.path),
			zap.Bool("available", usable))
	}
}

func (w *Watcher) Available() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.available
}

func (w *Watcher) Path() string { return w.path }

func (w *Watcher) Close() error {
	close(w.done)
	if w.fsw != nil {
		return w.fsw.Close()
	}
	return nil
}
