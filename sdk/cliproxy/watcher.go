package cliproxy

import (
	"github.com/router-for-me/gemini-oauth-proxy/internal/watcher"
)

func defaultWatcherFactory(path string, reloader watcher.Reloader) (*WatcherWrapper, error) {
	w, err := watcher.NewWatcher(path, reloader)
	if err != nil {
		return nil, err
	}
	return &WatcherWrapper{
		start: w.Start,
		stop:  w.Stop,
	}, nil
}
