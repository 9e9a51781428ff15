package config

import (
	"os"
	"path/filepath"
	"testing"
)

func mapLookup(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoadConfigOptional_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfigOptional(filepath.Join(t.TempDir(), "missing.yaml"), true)
	if err != nil {
		t.Fatalf("LoadConfigOptional() error = %v", err)
	}
	if cfg.Host != DefaultHost || cfg.Port != DefaultPort {
		t.Fatalf("listen = %s:%d, want %s:%d", cfg.Host, cfg.Port, DefaultHost, DefaultPort)
	}
	if cfg.RefreshSkewSeconds != DefaultRefreshSkewSeconds {
		t.Errorf("RefreshSkewSeconds = %d, want %d", cfg.RefreshSkewSeconds, DefaultRefreshSkewSeconds)
	}
	if cfg.Upstream.BaseURL != DefaultUpstreamBaseURL || cfg.Upstream.TokenURL != DefaultTokenURL {
		t.Errorf("upstream = %+v, want defaults", cfg.Upstream)
	}
	if len(cfg.Models) != len(DefaultModels) {
		t.Errorf("Models = %v, want %v", cfg.Models, DefaultModels)
	}
}

func TestLoadConfig_MissingFileIsAnError(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("LoadConfig() error = nil, want error for missing file")
	}
}

func TestLoadConfig_ParsesKebabCaseKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
host: 0.0.0.0
port: 8080
project-id: " my-project "
credentials-path: /tmp/creds.json
refresh-skew-seconds: 60
proxy-url: socks5://127.0.0.1:1080
streaming:
  keepalive-seconds: 15
upstream:
  base-url: http://127.0.0.1:9999/
models:
  - models/gemini-2.5-pro
  - gemini-2.5-pro
  - " "
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Host != "0.0.0.0" || cfg.Port != 8080 {
		t.Errorf("listen = %s:%d, want 0.0.0.0:8080", cfg.Host, cfg.Port)
	}
	if cfg.ProjectID != "my-project" {
		t.Errorf("ProjectID = %q, want %q", cfg.ProjectID, "my-project")
	}
	if cfg.RefreshSkewSeconds != 60 {
		t.Errorf("RefreshSkewSeconds = %d, want 60", cfg.RefreshSkewSeconds)
	}
	if cfg.ProxyURL != "socks5://127.0.0.1:1080" {
		t.Errorf("ProxyURL = %q", cfg.ProxyURL)
	}
	if cfg.Streaming.KeepAliveSeconds != 15 {
		t.Errorf("KeepAliveSeconds = %d, want 15", cfg.Streaming.KeepAliveSeconds)
	}
	if cfg.Upstream.BaseURL != "http://127.0.0.1:9999" {
		t.Errorf("BaseURL = %q, want trailing slash trimmed", cfg.Upstream.BaseURL)
	}
	if len(cfg.Models) != 1 || cfg.Models[0] != "gemini-2.5-pro" {
		t.Errorf("Models = %v, want [gemini-2.5-pro]", cfg.Models)
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("port: [unclosed"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("LoadConfig() error = nil, want parse error")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		cfg           Config
		env           map[string]string
		wantPath      string
		wantProject   string
		wantClientID  string
		wantHasSecret bool
	}{
		{
			name:     "defaults when nothing set",
			env:      map[string]string{},
			wantPath: DefaultCredentialsPath,
		},
		{
			name: "env fills empty values",
			env: map[string]string{
				"GEMINI_OAUTH_CREDENTIALS_PATH": "/srv/creds.json",
				"GCLOUD_PROJECT":                "env-project",
				"GEMINI_OAUTH_CLIENT_ID":        "id",
				"GEMINI_OAUTH_CLIENT_SECRET":    "secret",
			},
			wantPath:      "/srv/creds.json",
			wantProject:   "env-project",
			wantClientID:  "id",
			wantHasSecret: true,
		},
		{
			name: "project env precedence",
			env: map[string]string{
				"GOOGLE_CLOUD_PROJECT": "first",
				"GCP_PROJECT":          "third",
			},
			wantPath:    DefaultCredentialsPath,
			wantProject: "first",
		},
		{
			name: "config file wins over env",
			cfg:  Config{CredentialsPath: "/etc/creds.json", ProjectID: "cfg-project"},
			env: map[string]string{
				"GEMINI_OAUTH_CREDENTIALS_PATH": "/srv/creds.json",
				"GOOGLE_CLOUD_PROJECT":          "env-project",
			},
			wantPath:    "/etc/creds.json",
			wantProject: "cfg-project",
		},
		{
			name: "half a client pair is ignored",
			env: map[string]string{
				"GEMINI_OAUTH_CLIENT_ID": "id",
			},
			wantPath: DefaultCredentialsPath,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := tt.cfg
			cfg.ApplyEnvOverrides(mapLookup(tt.env))
			if cfg.CredentialsPath != tt.wantPath {
				t.Errorf("CredentialsPath = %q, want %q", cfg.CredentialsPath, tt.wantPath)
			}
			if cfg.ProjectID != tt.wantProject {
				t.Errorf("ProjectID = %q, want %q", cfg.ProjectID, tt.wantProject)
			}
			if cfg.OAuthClientID != tt.wantClientID {
				t.Errorf("OAuthClientID = %q, want %q", cfg.OAuthClientID, tt.wantClientID)
			}
			if cfg.HasClientSecret() != tt.wantHasSecret {
				t.Errorf("HasClientSecret() = %v, want %v", cfg.HasClientSecret(), tt.wantHasSecret)
			}
		})
	}
}
