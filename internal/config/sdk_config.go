// Package config provides configuration management for the Gemini OAuth proxy.
// It handles loading and parsing YAML configuration files, applying environment
// overrides, and exposing defaults for the server, credential and upstream settings.
package config

// SDKConfig holds the settings shared by the HTTP handlers and the upstream executor.
type SDKConfig struct {
	// ProxyURL is the URL of an optional proxy server to use for outbound requests.
	// Supported schemes are socks5, http and https.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// RequestTimeoutSeconds bounds unary upstream calls. Streams are bounded only by the client.
	RequestTimeoutSeconds int `yaml:"request-timeout-seconds,omitempty" json:"request-timeout-seconds,omitempty"`

	// Streaming configures server-side streaming behavior.
	Streaming StreamingConfig `yaml:"streaming" json:"streaming"`
}

// StreamingConfig holds server streaming behavior configuration.
type StreamingConfig struct {
	// KeepAliveSeconds controls how often the server emits SSE heartbeats (": keep-alive\n\n").
	// <= 0 disables keep-alives. Default is 0.
	KeepAliveSeconds int `yaml:"keepalive-seconds,omitempty" json:"keepalive-seconds,omitempty"`
}
