// Package watcher watches the OAuth credentials file and reloads the in-memory
// snapshot when another process (usually the Gemini CLI) rewrites it.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader re-reads the credentials file. changed reports whether the in-memory
// snapshot was replaced.
type Reloader interface {
	Reload() (changed bool, err error)
}

const reloadDebounce = 150 * time.Millisecond

// Watcher manages file watching for the credentials file.
type Watcher struct {
	path     string
	dir      string
	reloader Reloader
	watcher  *fsnotify.Watcher
	debounce time.Duration

	reloadMu    sync.Mutex
	reloadTimer *time.Timer

	// onReload is called after each reload attempt, for tests.
	onReload func(changed bool, err error)

	started  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher creates a watcher for the credentials file at path. The parent directory
// is watched so atomic replacements by rename are observed.
func NewWatcher(path string, reloader Reloader) (*Watcher, error) {
	if reloader == nil {
		return nil, fmt.Errorf("watcher: reloader is nil")
	}
	watcher, errNewWatcher := fsnotify.NewWatcher()
	if errNewWatcher != nil {
		return nil, errNewWatcher
	}
	cleaned := normalizePath(path)
	return &Watcher{
		path:     cleaned,
		dir:      filepath.Dir(cleaned),
		reloader: reloader,
		watcher:  watcher,
		debounce: reloadDebounce,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. Events are processed until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	return w.start(ctx)
}

// Stop stops the file watcher and any pending reload.
func (w *Watcher) Stop() error {
	var errClose error
	w.stopOnce.Do(func() {
		w.stopReloadTimer()
		errClose = w.watcher.Close()
		if w.started.Load() {
			<-w.done
		}
	})
	return errClose
}
