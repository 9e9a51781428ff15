package gemini

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/router-for-me/gemini-oauth-proxy/internal/interfaces"
	"github.com/tidwall/gjson"
)

const testRefreshToken = "refresh-token-do-not-log"

type tokenServer struct {
	*httptest.Server
	calls atomic.Int32
}

func newTokenServer(t *testing.T, handler http.HandlerFunc) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func okTokenHandler(delay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != testRefreshToken {
			http.Error(w, `{"error":"invalid_request"}`, http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("client_id") != "cid" || r.PostForm.Get("client_secret") != "csecret" {
			http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
			return
		}
		time.Sleep(delay)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"T2","expires_in":3600,"token_type":"Bearer","id_token":"id-2"}`))
	}
}

func newTestRefresher(t *testing.T, creds string, tokenURL string) (*Refresher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oauth_creds.json")
	if err := os.WriteFile(path, []byte(creds), 0o600); err != nil {
		t.Fatalf("write creds: %v", err)
	}
	store := NewStore(path)
	clients := NewClientSecretResolver("cid", "csecret", "", nil)
	return NewRefresher(store, clients, RefresherOptions{TokenURL: tokenURL}), path
}

func expiredCreds() string {
	past := time.Now().Add(-time.Hour).UnixMilli()
	return `{"access_token":"T1","refresh_token":"` + testRefreshToken + `","expiry_date":` + itoa(past) + `,"scope":"cloud-platform"}`
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

func TestRefresher_ValidTokenSkipsRefresh(t *testing.T) {
	t.Parallel()

	server := newTokenServer(t, okTokenHandler(0))
	future := time.Now().Add(time.Hour).UnixMilli()
	r, _ := newTestRefresher(t, `{"access_token":"T1","expiry_date":`+itoa(future)+`}`, server.URL)

	creds, err := r.EnsureValid(context.Background())
	if err != nil {
		t.Fatalf("EnsureValid() error = %v", err)
	}
	if creds.AccessToken != "T1" {
		t.Errorf("AccessToken = %q, want T1", creds.AccessToken)
	}
	if got := server.calls.Load(); got != 0 {
		t.Errorf("token endpoint calls = %d, want 0", got)
	}
}

func TestRefresher_ConcurrentCallersShareOneRefresh(t *testing.T) {
	t.Parallel()

	server := newTokenServer(t, okTokenHandler(50*time.Millisecond))
	r, path := newTestRefresher(t, expiredCreds(), server.URL)

	const callers = 16
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			creds, err := r.EnsureValid(context.Background())
			errs[i] = err
			if creds != nil {
				tokens[i] = creds.AccessToken
			}
		}(i)
	}
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("caller %d error = %v", i, errs[i])
		}
		if tokens[i] != "T2" {
			t.Errorf("caller %d token = %q, want T2", i, tokens[i])
		}
	}
	if got := server.calls.Load(); got != 1 {
		t.Errorf("token endpoint calls = %d, want 1", got)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read creds: %v", err)
	}
	doc := gjson.ParseBytes(data)
	if doc.Get("access_token").String() != "T2" {
		t.Errorf("persisted access_token = %q, want T2", doc.Get("access_token").String())
	}
	if doc.Get("refresh_token").String() != testRefreshToken {
		t.Errorf("refresh_token not preserved")
	}
	if doc.Get("id_token").String() != "id-2" {
		t.Errorf("id_token = %q, want id-2", doc.Get("id_token").String())
	}
	if doc.Get("scope").String() != "cloud-platform" {
		t.Errorf("scope = %q, want cloud-platform", doc.Get("scope").String())
	}
	if doc.Get("expiry_date").Int() <= time.Now().UnixMilli() {
		t.Errorf("expiry_date not moved forward: %d", doc.Get("expiry_date").Int())
	}
}

func TestRefresher_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		body      string
		creds     string
		want      error
		wantCalls int32
	}{
		{
			name:      "invalid grant",
			status:    http.StatusBadRequest,
			body:      `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`,
			creds:     expiredCreds(),
			want:      interfaces.ErrRefreshRejected,
			wantCalls: 1,
		},
		{
			name:      "server error",
			status:    http.StatusInternalServerError,
			body:      `{"error":"backend_error"}`,
			creds:     expiredCreds(),
			want:      interfaces.ErrRefreshUnavailable,
			wantCalls: 1,
		},
		{
			name:      "expired without refresh token",
			creds:     `{"access_token":"T1","expiry_date":1000}`,
			want:      interfaces.ErrRefreshUnavailable,
			wantCalls: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			r, _ := newTestRefresher(t, tt.creds, server.URL)

			_, err := r.EnsureValid(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("EnsureValid() error = %v, want %v", err, tt.want)
			}
			if strings.Contains(err.Error(), testRefreshToken) || strings.Contains(err.Error(), "T1") {
				t.Errorf("error leaks token material: %v", err)
			}
			if got := server.calls.Load(); got != tt.wantCalls {
				t.Errorf("token endpoint calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestRefresher_NoClientSecret(t *testing.T) {
	t.Parallel()

	server := newTokenServer(t, okTokenHandler(0))
	path := filepath.Join(t.TempDir(), "oauth_creds.json")
	if err := os.WriteFile(path, []byte(expiredCreds()), 0o600); err != nil {
		t.Fatalf("write creds: %v", err)
	}
	r := NewRefresher(NewStore(path), NewClientSecretResolver("", "", "", nil), RefresherOptions{TokenURL: server.URL})

	if _, err := r.EnsureValid(context.Background()); !errors.Is(err, interfaces.ErrRefreshUnavailable) {
		t.Fatalf("EnsureValid() error = %v, want RefreshUnavailable", err)
	}
	if got := server.calls.Load(); got != 0 {
		t.Errorf("token endpoint calls = %d, want 0", got)
	}
}

func TestRefresher_CancelledCallerDoesNotAbortRefresh(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		okTokenHandler(0)(w, r)
	})
	r, path := newTestRefresher(t, expiredCreds(), server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.EnsureValid(ctx)
		done <- err
	}()
	for server.calls.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("EnsureValid() error = %v, want context.Canceled", err)
	}
	close(release)

	creds, err := r.EnsureValid(context.Background())
	if err != nil {
		t.Fatalf("second EnsureValid() error = %v", err)
	}
	if creds.AccessToken != "T2" {
		t.Errorf("AccessToken = %q, want T2", creds.AccessToken)
	}
	if got := server.calls.Load(); got != 1 {
		t.Errorf("token endpoint calls = %d, want 1", got)
	}
	data, _ := os.ReadFile(path)
	if gjson.GetBytes(data, "access_token").String() != "T2" {
		t.Errorf("refresh result not persisted: %s", data)
	}
}
