package cliproxy

import (
	"context"

	"github.com/router-for-me/gemini-oauth-proxy/internal/watcher"
)

// WatcherFactory creates a watcher for the credentials file at path. reloader is
// invoked after the file changes.
type WatcherFactory func(path string, reloader watcher.Reloader) (*WatcherWrapper, error)

// WatcherWrapper exposes the subset of watcher methods required by the service.
type WatcherWrapper struct {
	start func(ctx context.Context) error
	stop  func() error
}

// NewWatcherWrapper builds a wrapper from start and stop functions, for custom factories.
func NewWatcherWrapper(start func(ctx context.Context) error, stop func() error) *WatcherWrapper {
	return &WatcherWrapper{start: start, stop: stop}
}

// Start proxies to the underlying watcher Start implementation.
func (w *WatcherWrapper) Start(ctx context.Context) error {
	if w == nil || w.start == nil {
		return nil
	}
	return w.start(ctx)
}

// Stop proxies to the underlying watcher Stop implementation.
func (w *WatcherWrapper) Stop() error {
	if w == nil || w.stop == nil {
		return nil
	}
	return w.stop()
}
