package cliproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/router-for-me/gemini-oauth-proxy/internal/api"
	geminiauth "github.com/router-for-me/gemini-oauth-proxy/internal/auth/gemini"
	"github.com/router-for-me/gemini-oauth-proxy/internal/config"
	"github.com/router-for-me/gemini-oauth-proxy/internal/interfaces"
	"github.com/router-for-me/gemini-oauth-proxy/internal/runtime/geminicli"
	"github.com/router-for-me/gemini-oauth-proxy/sdk/cliproxy/usage"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Service runs the proxy until its context is cancelled.
type Service struct {
	cfg        *config.Config
	configPath string
	hooks      Hooks

	store      *geminiauth.Store
	refresher  *geminiauth.Refresher
	resolver   *geminicli.Resolver
	statistics *usage.Statistics
	usage      *usage.Manager

	server         *api.Server
	listener       net.Listener
	watcherFactory WatcherFactory
	watcher        *WatcherWrapper

	shutdownOnce sync.Once
}

// Store returns the credential store.
func (s *Service) Store() *geminiauth.Store { return s.store }

// Resolver returns the project resolver.
func (s *Service) Resolver() *geminicli.Resolver { return s.resolver }

// Statistics returns the in-memory usage aggregate.
func (s *Service) Statistics() *usage.Statistics { return s.statistics }

// Handler exposes the HTTP handler, mostly for tests.
func (s *Service) Handler() http.Handler { return s.server.Handler() }

// Run starts every component and blocks until ctx is cancelled or the server fails.
// The credentials file is read once at startup; a missing or broken file is only
// logged so /health and /status stay reachable.
func (s *Service) Run(ctx context.Context) error {
	if s == nil || s.server == nil {
		return fmt.Errorf("cliproxy: service not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Shutdown(context.Background())

	if s.configPath != "" {
		log.Infof("using config file %s", s.configPath)
	}
	s.logStartupState()

	s.usage.Start(ctx)

	if !s.cfg.DisableCredentialsWatch {
		w, errWatcher := s.watcherFactory(s.store.Path(), s.store)
		if errWatcher != nil {
			return fmt.Errorf("cliproxy: create credentials watcher: %w", errWatcher)
		}
		if errStart := w.Start(ctx); errStart != nil {
			// The parent directory may not exist yet; keep serving without reloads.
			log.Warnf("credentials watcher disabled: %v", errStart)
			_ = w.Stop()
		} else {
			s.watcher = w
		}
	}

	if s.hooks.OnBeforeStart != nil {
		s.hooks.OnBeforeStart(s.cfg)
	}

	errCh := make(chan error, 1)
	go func() {
		if s.listener != nil {
			errCh <- s.server.Serve(s.listener)
			return
		}
		errCh <- s.server.Start()
	}()
	addr := s.server.Addr()
	if s.listener != nil {
		addr = s.listener.Addr().String()
	}
	log.Infof("gemini oauth proxy listening on http://%s", addr)

	if s.hooks.OnAfterStart != nil {
		s.hooks.OnAfterStart(s)
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return ctx.Err()
	case errServe := <-errCh:
		return errServe
	}
}

func (s *Service) logStartupState() {
	creds, errLoad := s.store.Load()
	if errLoad != nil {
		if interfaces.KindOf(errLoad) == interfaces.KindCredentialsMissing {
			log.Warnf("no credentials at %s; run the Gemini CLI login first", s.store.Path())
			return
		}
		log.Warnf("credentials at %s are unusable: %v", s.store.Path(), errLoad)
		return
	}
	if !s.refresher.RefreshAvailable(creds) {
		log.Warn("token refresh unavailable: no refresh token or OAuth client configured")
	}
	if s.cfg.ProjectID != "" {
		log.Infof("using pinned project %s", s.cfg.ProjectID)
	}
}

// Shutdown stops the HTTP server, the watcher and the usage dispatcher. It waits up to
// ten seconds for in-flight requests. Calling it more than once is safe.
func (s *Service) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	var errShutdown error
	s.shutdownOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()

		if s.watcher != nil {
			if errStop := s.watcher.Stop(); errStop != nil {
				log.Debugf("credentials watcher stop: %v", errStop)
			}
		}
		if errStop := s.server.Stop(shutdownCtx); errStop != nil && !errors.Is(errStop, context.Canceled) {
			errShutdown = errStop
			log.Errorf("server shutdown: %v", errStop)
		}
		s.usage.Stop()
	})
	return errShutdown
}
