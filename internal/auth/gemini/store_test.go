package gemini

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/router-for-me/gemini-oauth-proxy/internal/interfaces"
	"github.com/tidwall/gjson"
)

func writeCredsFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "oauth_creds.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write creds: %v", err)
	}
	return path
}

func TestStore_LoadMissing(t *testing.T) {
	t.Parallel()

	store := NewStore(filepath.Join(t.TempDir(), "oauth_creds.json"))
	if _, err := store.Current(); !errors.Is(err, interfaces.ErrCredentialsMissing) {
		t.Fatalf("Current() error = %v, want CredentialsMissing", err)
	}
}

func TestStore_CommitWritesAtomically(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeCredsFile(t, dir, `{"access_token":"T1","refresh_token":"R1","expiry_date":1,"extra":"x"}`)
	store := NewStore(path)
	current, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	next := current.WithToken("T2", "R2", "", "", "", time.UnixMilli(1900000000000))
	if err = store.Commit(next); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	doc := gjson.ParseBytes(data)
	if doc.Get("access_token").String() != "T2" || doc.Get("refresh_token").String() != "R2" {
		t.Errorf("file = %s, want T2/R2", data)
	}
	if doc.Get("extra").String() != "x" {
		t.Errorf("extra field lost: %s", data)
	}

	got, err := store.Current()
	if err != nil || got.AccessToken != "T2" {
		t.Errorf("Current() = %v, %v, want T2", got, err)
	}

	if runtime.GOOS != "windows" {
		info, errStat := os.Stat(path)
		if errStat != nil {
			t.Fatalf("stat: %v", errStat)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("perm = %o, want 600", perm)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want only the credentials file", len(entries))
	}
}

func TestStore_Reload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeCredsFile(t, dir, `{"access_token":"T1"}`)
	store := NewStore(path)
	if _, err := store.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	changed, err := store.Reload()
	if err != nil || changed {
		t.Fatalf("Reload() unchanged file = %v, %v, want false, nil", changed, err)
	}

	writeCredsFile(t, dir, `{"access_token":"T9"}`)
	changed, err = store.Reload()
	if err != nil || !changed {
		t.Fatalf("Reload() = %v, %v, want true, nil", changed, err)
	}
	if got, _ := store.Current(); got.AccessToken != "T9" {
		t.Errorf("AccessToken = %q, want T9", got.AccessToken)
	}

	// Our own write must not count as an external change.
	cur, _ := store.Current()
	if err = store.Commit(cur.WithToken("T10", "", "", "", "", time.Time{})); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if changed, _ = store.Reload(); changed {
		t.Error("Reload() after own commit = true, want false")
	}

	writeCredsFile(t, dir, `not json`)
	if _, err = store.Reload(); !errors.Is(err, interfaces.ErrCredentialsCorrupt) {
		t.Errorf("Reload() corrupt error = %v", err)
	}
	if got, _ := store.Current(); got.AccessToken != "T10" {
		t.Errorf("corrupt reload replaced snapshot: %q", got.AccessToken)
	}
}
