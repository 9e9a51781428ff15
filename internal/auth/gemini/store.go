package gemini

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/router-for-me/gemini-oauth-proxy/internal/interfaces"
	"github.com/router-for-me/gemini-oauth-proxy/internal/misc"
	log "github.com/sirupsen/logrus"
)

// Store owns the credential file and the in-memory snapshot served to callers.
// Readers never block on writers: Current returns whatever snapshot was last published.
type Store struct {
	path string

	// mu serialises disk access: loads, commits and reloads.
	mu      sync.Mutex
	current atomic.Pointer[Credentials]
	// written is the digest of the last document this process wrote, used to
	// ignore the file watcher event caused by our own commit.
	written [sha256.Size]byte
}

// NewStore returns a store bound to an already resolved credential path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the credential file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the credential file and publishes it as the current snapshot.
func (s *Store) Load() (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*Credentials, error) {
	data, errRead := os.ReadFile(s.path)
	if errRead != nil {
		if errors.Is(errRead, fs.ErrNotExist) {
			return nil, interfaces.NewError(interfaces.KindCredentialsMissing,
				fmt.Sprintf("credentials file not found at %s; run the Gemini CLI login first", s.path), nil)
		}
		return nil, interfaces.NewError(interfaces.KindCredentialsMissing,
			fmt.Sprintf("credentials file at %s is not readable", s.path), errRead)
	}
	creds, errParse := ParseCredentials(data)
	if errParse != nil {
		return nil, errParse
	}
	s.current.Store(creds)
	return creds, nil
}

// Current returns the published snapshot, loading the file on first use.
func (s *Store) Current() (*Credentials, error) {
	if creds := s.current.Load(); creds != nil {
		return creds, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if creds := s.current.Load(); creds != nil {
		return creds, nil
	}
	return s.loadLocked()
}

// Commit publishes next and writes it to disk. The in-memory swap happens first so
// a rotated refresh token stays usable even when the write fails; the write error
// is still returned so the caller can report it.
func (s *Store) Commit(next *Credentials) error {
	if next == nil {
		return errors.New("gemini credentials: refusing to commit nil snapshot")
	}
	data, errMarshal := next.Marshal()
	if errMarshal != nil {
		return fmt.Errorf("encode credentials: %w", errMarshal)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Store(next)

	misc.LogSavingCredentials(s.path, next.ExpiresAt)
	if errWrite := atomicWriteFile(s.path, data); errWrite != nil {
		return fmt.Errorf("persist credentials: %w", errWrite)
	}
	s.written = sha256.Sum256(data)
	return nil
}

// Reload re-reads the file after an external change. It reports whether a new
// snapshot was published. Content identical to our own last write is ignored.
func (s *Store) Reload() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, errRead := os.ReadFile(s.path)
	if errRead != nil {
		return false, errRead
	}
	if sha256.Sum256(data) == s.written {
		return false, nil
	}
	creds, errParse := ParseCredentials(data)
	if errParse != nil {
		return false, errParse
	}
	if prev := s.current.Load(); prev != nil && bytes.Equal(prev.raw, creds.raw) {
		return false, nil
	}
	s.current.Store(creds)
	log.Info("credentials reloaded from disk")
	return true, nil
}

// atomicWriteFile writes data next to path and renames it into place with 0600 permissions.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if errMkdir := os.MkdirAll(dir, 0o700); errMkdir != nil {
		return errMkdir
	}
	tmp, errCreate := os.CreateTemp(dir, ".oauth_creds-*.tmp")
	if errCreate != nil {
		return errCreate
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if errChmod := tmp.Chmod(0o600); errChmod != nil {
		_ = tmp.Close()
		return errChmod
	}
	if _, errWrite := tmp.Write(data); errWrite != nil {
		_ = tmp.Close()
		return errWrite
	}
	if errSync := tmp.Sync(); errSync != nil {
		_ = tmp.Close()
		return errSync
	}
	if errClose := tmp.Close(); errClose != nil {
		return errClose
	}
	return os.Rename(tmpName, path)
}
