// Package cliproxy assembles the proxy engine: credential store, token refresher,
// project resolver, upstream executor, usage manager, credentials watcher and HTTP
// server. It owns their lifecycle from startup to graceful shutdown.
package cliproxy

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/router-for-me/gemini-oauth-proxy/internal/api"
	geminiauth "github.com/router-for-me/gemini-oauth-proxy/internal/auth/gemini"
	"github.com/router-for-me/gemini-oauth-proxy/internal/config"
	"github.com/router-for-me/gemini-oauth-proxy/internal/runtime/executor"
	"github.com/router-for-me/gemini-oauth-proxy/internal/runtime/geminicli"
	"github.com/router-for-me/gemini-oauth-proxy/internal/util"
	"github.com/router-for-me/gemini-oauth-proxy/sdk/cliproxy/usage"
)

const usageQueueSize = 256

// Builder constructs a Service instance with customizable components.
type Builder struct {
	// cfg holds the application configuration.
	cfg *config.Config

	// configPath is the path to the configuration file, empty when running on defaults.
	configPath string

	// watcherFactory creates the credentials file watcher.
	watcherFactory WatcherFactory

	// hooks provides lifecycle callbacks.
	hooks Hooks

	// httpClient overrides the upstream client built from the proxy settings.
	httpClient *http.Client

	// provisioner overrides the Code Assist provisioner.
	provisioner geminicli.Provisioner

	// listener, when set, is served instead of binding host:port.
	listener net.Listener

	// serverOptions contains additional server configuration options.
	serverOptions []api.ServerOption
}

// Hooks allows callers to plug into service lifecycle stages.
type Hooks struct {
	// OnBeforeStart is called before the HTTP server starts listening.
	OnBeforeStart func(*config.Config)

	// OnAfterStart is called once the server goroutine is running.
	OnAfterStart func(*Service)
}

// NewBuilder creates a Builder with default dependencies left unset.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithConfig sets the configuration instance used by the service.
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.cfg = cfg
	return b
}

// WithConfigPath records the configuration file path, for logs.
func (b *Builder) WithConfigPath(path string) *Builder {
	b.configPath = path
	return b
}

// WithWatcherFactory allows customizing the watcher that reloads the credentials file.
func (b *Builder) WithWatcherFactory(factory WatcherFactory) *Builder {
	b.watcherFactory = factory
	return b
}

// WithHooks registers lifecycle hooks executed around service startup.
func (b *Builder) WithHooks(h Hooks) *Builder {
	b.hooks = h
	return b
}

// WithHTTPClient overrides the client used for token, provisioning and generation calls.
func (b *Builder) WithHTTPClient(client *http.Client) *Builder {
	b.httpClient = client
	return b
}

// WithProvisioner overrides the managed-project provisioner.
func (b *Builder) WithProvisioner(p geminicli.Provisioner) *Builder {
	b.provisioner = p
	return b
}

// WithListener serves on an existing listener instead of the configured host and port.
func (b *Builder) WithListener(l net.Listener) *Builder {
	b.listener = l
	return b
}

// WithServerOptions appends server configuration options used during construction.
func (b *Builder) WithServerOptions(opts ...api.ServerOption) *Builder {
	b.serverOptions = append(b.serverOptions, opts...)
	return b
}

// Build validates inputs, applies defaults, and returns a ready-to-run service.
func (b *Builder) Build() (*Service, error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("cliproxy: configuration is required")
	}
	cfg := b.cfg

	rawCredsPath := cfg.CredentialsPath
	if strings.TrimSpace(rawCredsPath) == "" {
		rawCredsPath = config.DefaultCredentialsPath
	}
	credsPath, errPath := util.ResolvePath(rawCredsPath)
	if errPath != nil {
		return nil, fmt.Errorf("cliproxy: credentials path: %w", errPath)
	}
	secretPath, errSecret := util.ResolvePath(cfg.ClientSecretPath)
	if errSecret != nil {
		return nil, fmt.Errorf("cliproxy: client secret path: %w", errSecret)
	}

	httpClient := b.httpClient
	if httpClient == nil {
		httpClient = util.NewUpstreamClient(&cfg.SDKConfig)
	}

	watcherFactory := b.watcherFactory
	if watcherFactory == nil {
		watcherFactory = defaultWatcherFactory
	}

	store := geminiauth.NewStore(credsPath)
	clients := geminiauth.NewClientSecretResolver(cfg.OAuthClientID, cfg.OAuthClientSecret, secretPath, geminiauth.DefaultDiscoveryPaths)
	refresher := geminiauth.NewRefresher(store, clients, geminiauth.RefresherOptions{
		TokenURL:   cfg.Upstream.TokenURL,
		HTTPClient: httpClient,
		Skew:       time.Duration(cfg.RefreshSkewSeconds) * time.Second,
	})

	provisioner := b.provisioner
	if provisioner == nil {
		provisioner = geminicli.NewCodeAssistProvisioner(geminicli.CodeAssistOptions{
			BaseURL:    cfg.Upstream.BaseURL,
			HTTPClient: httpClient,
		})
	}
	resolver := geminicli.NewResolver(cfg.ProjectID, provisioner)

	statistics := usage.NewStatistics()
	usageManager := usage.NewManager(usageQueueSize)
	usageManager.Register(statistics)
	usageManager.Register(usage.LoggerPlugin{})

	exec := executor.NewGeminiCLIExecutor(cfg, refresher, resolver, httpClient, usageManager)

	server := api.NewServer(cfg, api.Dependencies{
		Executor:   exec,
		Store:      store,
		Refresher:  refresher,
		Resolver:   resolver,
		Statistics: statistics,
	}, b.serverOptions...)

	service := &Service{
		cfg:            cfg,
		configPath:     b.configPath,
		hooks:          b.hooks,
		store:          store,
		refresher:      refresher,
		resolver:       resolver,
		statistics:     statistics,
		usage:          usageManager,
		server:         server,
		listener:       b.listener,
		watcherFactory: watcherFactory,
	}
	return service, nil
}
