// Package api provides the HTTP server of the proxy. It wires the Gin engine, the
// logging and recovery middleware, the public Gemini routes and the local
// health and status endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	geminiauth "github.com/router-for-me/gemini-oauth-proxy/internal/auth/gemini"
	"github.com/router-for-me/gemini-oauth-proxy/internal/buildinfo"
	"github.com/router-for-me/gemini-oauth-proxy/internal/config"
	"github.com/router-for-me/gemini-oauth-proxy/internal/interfaces"
	"github.com/router-for-me/gemini-oauth-proxy/internal/logging"
	"github.com/router-for-me/gemini-oauth-proxy/internal/runtime/geminicli"
	"github.com/router-for-me/gemini-oauth-proxy/sdk/api/handlers"
	"github.com/router-for-me/gemini-oauth-proxy/sdk/api/handlers/gemini"
	coreexecutor "github.com/router-for-me/gemini-oauth-proxy/sdk/cliproxy/executor"
	"github.com/router-for-me/gemini-oauth-proxy/sdk/cliproxy/usage"
	log "github.com/sirupsen/logrus"
)

type serverOptionConfig struct {
	extraMiddleware    []gin.HandlerFunc
	engineConfigurator func(*gin.Engine)
}

// ServerOption customises HTTP server construction.
type ServerOption func(*serverOptionConfig)

// WithMiddleware appends additional Gin middleware after the logging and recovery layers.
func WithMiddleware(mw ...gin.HandlerFunc) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.extraMiddleware = append(cfg.extraMiddleware, mw...)
	}
}

// WithEngineConfigurator allows callers to mutate the Gin engine prior to middleware setup.
func WithEngineConfigurator(fn func(*gin.Engine)) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.engineConfigurator = fn
	}
}

// Dependencies are the engine components the server reports on or dispatches to.
type Dependencies struct {
	Executor   coreexecutor.Executor
	Store      *geminiauth.Store
	Refresher  *geminiauth.Refresher
	Resolver   *geminicli.Resolver
	Statistics *usage.Statistics
}

// Server represents the main API server.
type Server struct {
	// engine is the Gin web framework engine instance.
	engine *gin.Engine

	// server is the underlying HTTP server.
	server *http.Server

	// handlers contains the shared API handler state.
	handlers *handlers.BaseAPIHandler

	cfg  *config.Config
	deps Dependencies

	now func() time.Time
}

// NewServer creates and initializes a new API server instance with its middleware and routes.
func NewServer(cfg *config.Config, deps Dependencies, opts ...ServerOption) *Server {
	optionState := &serverOptionConfig{}
	for i := range opts {
		opts[i](optionState)
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	if optionState.engineConfigurator != nil {
		optionState.engineConfigurator(engine)
	}

	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	for _, mw := range optionState.extraMiddleware {
		engine.Use(mw)
	}

	s := &Server{
		engine:   engine,
		handlers: handlers.NewBaseAPIHandlers(&cfg.SDKConfig, deps.Executor),
		cfg:      cfg,
		deps:     deps,
		now:      time.Now,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           engine,
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s
}

// Handler exposes the configured Gin engine, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

func (s *Server) setupRoutes() {
	geminiHandlers := gemini.NewGeminiAPIHandler(s.handlers, s.cfg.Models)

	v1beta := s.engine.Group("/v1beta")
	{
		v1beta.GET("/models", geminiHandlers.GeminiModels)
		v1beta.POST("/models/*action", geminiHandlers.GeminiHandler)
		v1beta.GET("/models/*action", geminiHandlers.GeminiGetHandler)
	}

	// Unprefixed aliases used by some SDKs.
	s.engine.GET("/models", geminiHandlers.GeminiModels)
	s.engine.POST("/models/*action", geminiHandlers.GeminiHandler)
	s.engine.GET("/models/*action", geminiHandlers.GeminiGetHandler)

	s.engine.GET("/health", func(c *gin.Context) {
		logging.SkipGinRequestLogging(c)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/status", s.status)

	s.engine.NoRoute(func(c *gin.Context) {
		status := http.StatusNotFound
		c.Data(status, "application/json", handlers.BuildErrorResponseBody(status, fmt.Sprintf("%s not found.", c.Request.URL.Path), ""))
	})
}

// statusResponse is the body of GET /status.
type statusResponse struct {
	Status           string                    `json:"status"`
	Version          string                    `json:"version"`
	CredentialsPath  string                    `json:"credentials_path"`
	ProjectID        string                    `json:"project_id,omitempty"`
	ProjectState     string                    `json:"project_state"`
	ProjectError     string                    `json:"project_error,omitempty"`
	TokenExpiresAt   *time.Time                `json:"token_expires_at,omitempty"`
	RefreshAvailable bool                      `json:"refresh_available"`
	Reason           string                    `json:"reason,omitempty"`
	Message          string                    `json:"message,omitempty"`
	Usage            *usage.StatisticsSnapshot `json:"usage,omitempty"`
}

// status reports the credential and project state. It reads the in-memory snapshots
// only; it never refreshes a token or starts provisioning.
func (s *Server) status(c *gin.Context) {
	resp := statusResponse{
		Status:       "not_authenticated",
		Version:      buildinfo.Version,
		ProjectState: geminicli.StateUnresolved.String(),
	}

	if store := s.deps.Store; store != nil {
		resp.CredentialsPath = store.Path()
		creds, errCreds := store.Current()
		if errCreds != nil {
			resp.Reason = string(interfaces.KindOf(errCreds))
			var pe *interfaces.ProxyError
			if errors.As(errCreds, &pe) {
				resp.Message = pe.Message
			}
		} else {
			if !creds.ExpiresAt.IsZero() {
				expires := creds.ExpiresAt.UTC()
				resp.TokenExpiresAt = &expires
			}
			if s.deps.Refresher != nil {
				resp.RefreshAvailable = s.deps.Refresher.RefreshAvailable(creds)
			}
			if !creds.Expired(s.now(), 0) || resp.RefreshAvailable {
				resp.Status = "authenticated"
			} else {
				resp.Reason = string(interfaces.KindRefreshUnavailable)
				resp.Message = "access token expired and no refresh is possible"
			}
		}
	}

	if resolver := s.deps.Resolver; resolver != nil {
		binding := resolver.Snapshot()
		resp.ProjectID = binding.ProjectID
		resp.ProjectState = binding.State.String()
		resp.ProjectError = binding.LastError
	}

	if stats := s.deps.Statistics; stats != nil {
		snapshot := stats.Snapshot()
		resp.Usage = &snapshot
	}

	c.JSON(http.StatusOK, resp)
}

// Start begins listening for and serving HTTP requests. It blocks until the server stops.
func (s *Server) Start() error {
	if s == nil || s.server == nil {
		return fmt.Errorf("failed to start HTTP server: server not initialized")
	}

	log.Debugf("Starting API server on %s", s.server.Addr)
	if errServe := s.server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", errServe)
	}
	return nil
}

// Serve is like Start but uses an existing listener.
func (s *Server) Serve(listener net.Listener) error {
	if errServe := s.server.Serve(listener); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve HTTP: %w", errServe)
	}
	return nil
}

// Stop gracefully shuts down the API server, waiting for active requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("Stopping API server...")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	log.Debug("API server stopped")
	return nil
}
