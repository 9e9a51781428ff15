package misc

import (
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
)

// LogSavingCredentials records a credentials write. Only the location and the new
// expiry are logged; token values never are.
func LogSavingCredentials(path string, expiresAt time.Time) {
	if path == "" {
		return
	}
	entry := log.WithField("path", filepath.Clean(path))
	if !expiresAt.IsZero() {
		entry = entry.WithField("expires_at", expiresAt.UTC().Format(time.RFC3339))
	}
	entry.Info("saving refreshed credentials")
}
