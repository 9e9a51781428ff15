// events.go implements fsnotify event handling for the credentials file.
// It filters directory noise, debounces bursts and triggers the reload.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

func (w *Watcher) start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("watcher: already started")
	}
	if errAddDir := w.watcher.Add(w.dir); errAddDir != nil {
		log.Errorf("failed to watch credentials directory %s: %v", w.dir, errAddDir)
		close(w.done)
		return errAddDir
	}
	log.Debugf("watching credentials file: %s", w.path)

	go w.processEvents(ctx)
	return nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.stopReloadTimer()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", errWatch)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if normalizePath(event.Name) != w.path {
		// Temp files from atomic writes and unrelated files share the directory.
		return
	}
	log.Debugf("credentials file event: %s %s", event.Op.String(), filepath.Base(event.Name))

	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
		w.scheduleReload()
		return
	}
	if event.Op&fsnotify.Remove != 0 {
		// Keep serving the last good snapshot; a later Create triggers the reload.
		log.Warnf("credentials file removed: %s; keeping the loaded credentials", w.path)
	}
}

func (w *Watcher) stopReloadTimer() {
	w.reloadMu.Lock()
	if w.reloadTimer != nil {
		w.reloadTimer.Stop()
		w.reloadTimer = nil
	}
	w.reloadMu.Unlock()
}

func (w *Watcher) scheduleReload() {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()
	if w.reloadTimer != nil {
		w.reloadTimer.Stop()
	}
	w.reloadTimer = time.AfterFunc(w.debounce, func() {
		w.reloadMu.Lock()
		w.reloadTimer = nil
		w.reloadMu.Unlock()
		w.reload()
	})
}

func (w *Watcher) reload() {
	changed, errReload := w.reloader.Reload()
	switch {
	case errReload != nil:
		log.Warnf("credentials reload failed, keeping the previous credentials: %v", errReload)
	case changed:
		log.Infof("credentials reloaded from %s", w.path)
	default:
		log.Debug("credentials file unchanged, skipping reload")
	}
	if w.onReload != nil {
		w.onReload(changed, errReload)
	}
}

func normalizePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	cleaned := filepath.Clean(trimmed)
	if abs, errAbs := filepath.Abs(cleaned); errAbs == nil {
		cleaned = abs
	}
	if runtime.GOOS == "windows" {
		cleaned = strings.TrimPrefix(cleaned, `\\?\`)
		cleaned = strings.ToLower(cleaned)
	}
	return cleaned
}
