package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHost               = "127.0.0.1"
	DefaultPort               = 9876
	DefaultCredentialsPath    = "~/.gemini/oauth_creds.json"
	DefaultClientSecretPath   = "~/.gemini/oauth_client.json"
	DefaultUpstreamBaseURL    = "https://cloudcode-pa.googleapis.com"
	DefaultTokenURL           = "https://oauth2.googleapis.com/token"
	DefaultRefreshSkewSeconds = 300
	DefaultRequestTimeout     = 300
	DefaultLogsMaxSizeMB      = 10
)

// DefaultModels is the informational model catalogue served when the config does not list any.
var DefaultModels = []string{
	"gemini-2.5-pro",
	"gemini-2.5-flash",
	"gemini-2.5-flash-lite",
	"gemini-2.0-flash",
}

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	SDKConfig `yaml:",inline"`

	// Host is the interface the HTTP server binds to. Defaults to loopback.
	Host string `yaml:"host" json:"-"`

	// Port is the network port on which the API server will listen.
	Port int `yaml:"port" json:"-"`

	// Debug enables or disables debug-level logging and other debug features.
	Debug bool `yaml:"debug" json:"debug"`

	// LogLevel selects the logrus level (debug, info, warn, error). Debug wins when set.
	LogLevel string `yaml:"log-level" json:"log-level"`

	// LoggingToFile routes logs to a rotating file instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogsDir is the directory for rotated log files. Empty means "logs" next to the working directory.
	LogsDir string `yaml:"logs-dir" json:"logs-dir"`

	// LogsMaxSizeMB is the size at which main.log is rotated.
	LogsMaxSizeMB int `yaml:"logs-max-size-mb" json:"logs-max-size-mb"`

	// LogsMaxBackups bounds the number of rotated files kept. 0 keeps all.
	LogsMaxBackups int `yaml:"logs-max-backups" json:"logs-max-backups"`

	// ProjectID pins the upstream project and disables auto-provisioning.
	ProjectID string `yaml:"project-id" json:"project-id"`

	// CredentialsPath is the OAuth credentials file produced by the Gemini CLI.
	CredentialsPath string `yaml:"credentials-path" json:"credentials-path"`

	// ClientSecretPath is the optional {client_id, client_secret} file.
	ClientSecretPath string `yaml:"client-secret-path" json:"client-secret-path"`

	// OAuthClientID and OAuthClientSecret enable token refresh when both are set.
	OAuthClientID     string `yaml:"oauth-client-id" json:"-"`
	OAuthClientSecret string `yaml:"oauth-client-secret" json:"-"`

	// RefreshSkewSeconds treats tokens expiring within this window as already expired.
	RefreshSkewSeconds int `yaml:"refresh-skew-seconds" json:"refresh-skew-seconds"`

	// DisableCredentialsWatch turns off reloading the credentials file on external changes.
	DisableCredentialsWatch bool `yaml:"disable-credentials-watch" json:"disable-credentials-watch"`

	// Upstream overrides the provider endpoints. Mostly useful for tests and private gateways.
	Upstream UpstreamConfig `yaml:"upstream" json:"upstream"`

	// Models is the catalogue reported by GET /v1beta/models.
	Models []string `yaml:"models" json:"models"`
}

// UpstreamConfig holds provider endpoint overrides.
type UpstreamConfig struct {
	BaseURL  string `yaml:"base-url" json:"base-url"`
	TokenURL string `yaml:"token-url" json:"token-url"`
}

// LoadConfig reads a YAML configuration file from the given path and applies defaults.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads the configuration file. When optional is true a missing
// or empty path yields the default configuration instead of an error.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(configFile) == "" {
		if !optional {
			return nil, fmt.Errorf("config: no configuration file given")
		}
		cfg.ApplyDefaults()
		return cfg, nil
	}

	data, errRead := os.ReadFile(configFile)
	if errRead != nil {
		if optional && errors.Is(errRead, os.ErrNotExist) {
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", errRead)
	}

	if len(data) > 0 {
		if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", errUnmarshal)
		}
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills zero values with their defaults and trims string settings.
func (cfg *Config) ApplyDefaults() {
	if cfg == nil {
		return
	}
	cfg.Host = strings.TrimSpace(cfg.Host)
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	cfg.ProjectID = strings.TrimSpace(cfg.ProjectID)
	cfg.CredentialsPath = strings.TrimSpace(cfg.CredentialsPath)
	cfg.ClientSecretPath = strings.TrimSpace(cfg.ClientSecretPath)
	if cfg.ClientSecretPath == "" {
		cfg.ClientSecretPath = DefaultClientSecretPath
	}
	cfg.OAuthClientID = strings.TrimSpace(cfg.OAuthClientID)
	cfg.OAuthClientSecret = strings.TrimSpace(cfg.OAuthClientSecret)
	if cfg.RefreshSkewSeconds <= 0 {
		cfg.RefreshSkewSeconds = DefaultRefreshSkewSeconds
	}
	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = DefaultRequestTimeout
	}
	if cfg.LogsMaxSizeMB <= 0 {
		cfg.LogsMaxSizeMB = DefaultLogsMaxSizeMB
	}
	cfg.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Upstream.BaseURL), "/")
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = DefaultUpstreamBaseURL
	}
	cfg.Upstream.TokenURL = strings.TrimSpace(cfg.Upstream.TokenURL)
	if cfg.Upstream.TokenURL == "" {
		cfg.Upstream.TokenURL = DefaultTokenURL
	}

	models := make([]string, 0, len(cfg.Models))
	seen := make(map[string]struct{}, len(cfg.Models))
	for _, model := range cfg.Models {
		trimmed := strings.TrimPrefix(strings.TrimSpace(model), "models/")
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		models = append(models, trimmed)
	}
	if len(models) == 0 {
		models = append(models, DefaultModels...)
	}
	cfg.Models = models
}

// ApplyEnvOverrides fills unset settings from the environment. Values already present in
// the configuration file take precedence. lookup is usually os.LookupEnv.
func (cfg *Config) ApplyEnvOverrides(lookup func(string) (string, bool)) {
	if cfg == nil || lookup == nil {
		return
	}
	first := func(keys ...string) string {
		for _, key := range keys {
			if value, ok := lookup(key); ok {
				if trimmed := strings.TrimSpace(value); trimmed != "" {
					return trimmed
				}
			}
		}
		return ""
	}

	if cfg.CredentialsPath == "" {
		cfg.CredentialsPath = first("GEMINI_OAUTH_CREDENTIALS_PATH")
	}
	if cfg.CredentialsPath == "" {
		cfg.CredentialsPath = DefaultCredentialsPath
	}
	if cfg.ProjectID == "" {
		cfg.ProjectID = first("GOOGLE_CLOUD_PROJECT", "GCLOUD_PROJECT", "GCP_PROJECT")
	}
	// Client id and secret only count as a pair.
	if cfg.OAuthClientID == "" && cfg.OAuthClientSecret == "" {
		id := first("GEMINI_OAUTH_CLIENT_ID")
		secret := first("GEMINI_OAUTH_CLIENT_SECRET")
		if id != "" && secret != "" {
			cfg.OAuthClientID = id
			cfg.OAuthClientSecret = secret
		}
	}
	if cfg.ProxyURL == "" {
		cfg.ProxyURL = first("GEMINI_PROXY_UPSTREAM_PROXY")
	}
	if level := first("GEMINI_PROXY_LOG_LEVEL"); level != "" && cfg.LogLevel == "" {
		cfg.LogLevel = level
	}
}

// HasClientSecret reports whether both OAuth client values were configured explicitly.
func (cfg *Config) HasClientSecret() bool {
	return cfg != nil && cfg.OAuthClientID != "" && cfg.OAuthClientSecret != ""
}
