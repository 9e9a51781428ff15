// Package util provides utility functions for the Gemini OAuth proxy.
// It includes helpers for logging configuration, proxy-aware HTTP clients,
// path handling and credential masking used throughout the application.
package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/router-for-me/gemini-oauth-proxy/internal/config"
	log "github.com/sirupsen/logrus"
)

// SetLogLevel configures the logrus log level based on the configuration.
// Debug mode forces DebugLevel; otherwise log-level is honoured and defaults to InfoLevel.
func SetLogLevel(cfg *config.Config) {
	currentLevel := log.GetLevel()
	newLevel := log.InfoLevel
	switch {
	case cfg == nil:
	case cfg.Debug:
		newLevel = log.DebugLevel
	case strings.TrimSpace(cfg.LogLevel) != "":
		parsed, errParse := log.ParseLevel(strings.TrimSpace(cfg.LogLevel))
		if errParse != nil {
			log.Warnf("unknown log-level %q, falling back to info", cfg.LogLevel)
		} else {
			newLevel = parsed
		}
	}

	if currentLevel != newLevel {
		log.SetLevel(newLevel)
		log.Infof("log level changed from %s to %s", currentLevel, newLevel)
	}
}

// ResolvePath normalizes a user supplied path. It expands a leading tilde (~)
// to the user's home directory and returns a cleaned path.
func ResolvePath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path), nil
	}
	home, errHome := os.UserHomeDir()
	if errHome != nil {
		return "", fmt.Errorf("resolve path %q: %w", path, errHome)
	}
	remainder := strings.TrimLeft(strings.TrimPrefix(path, "~"), "/\\")
	if remainder == "" {
		return filepath.Clean(home), nil
	}
	normalized := strings.ReplaceAll(remainder, "\\", "/")
	return filepath.Clean(filepath.Join(home, filepath.FromSlash(normalized))), nil
}

// WritablePath returns the cleaned WRITABLE_PATH environment variable when it is set.
// It accepts both uppercase and lowercase variants.
func WritablePath() string {
	for _, key := range []string{"WRITABLE_PATH", "writable_path"} {
		if value, ok := os.LookupEnv(key); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return filepath.Clean(trimmed)
			}
		}
	}
	return ""
}

// TruncateUTF8 cuts s to at most limit bytes without splitting a multi-byte rune.
func TruncateUTF8(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
