package util

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/router-for-me/gemini-oauth-proxy/internal/config"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// SetProxy configures the provided HTTP client with proxy settings from the configuration.
// It supports SOCKS5, HTTP, and HTTPS proxies. Without a proxy-url the client is returned unchanged.
func SetProxy(cfg *config.SDKConfig, httpClient *http.Client) *http.Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg == nil || strings.TrimSpace(cfg.ProxyURL) == "" {
		return httpClient
	}
	proxyURL, errParse := url.Parse(strings.TrimSpace(cfg.ProxyURL))
	if errParse != nil {
		log.Errorf("parse proxy-url failed: %v", errParse)
		return httpClient
	}

	var transport *http.Transport
	switch proxyURL.Scheme {
	case "socks5", "socks5h":
		var proxyAuth *proxy.Auth
		if proxyURL.User != nil {
			password, _ := proxyURL.User.Password()
			proxyAuth = &proxy.Auth{User: proxyURL.User.Username(), Password: password}
		}
		dialer, errSOCKS5 := proxy.SOCKS5("tcp", proxyURL.Host, proxyAuth, proxy.Direct)
		if errSOCKS5 != nil {
			log.Errorf("create SOCKS5 dialer failed: %v", errSOCKS5)
			return httpClient
		}
		transport = baseTransport()
		transport.Proxy = nil
		if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = contextDialer.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	case "http", "https":
		transport = baseTransport()
		transport.Proxy = http.ProxyURL(proxyURL)
	default:
		log.Warnf("unsupported proxy scheme %q, using direct connection", proxyURL.Scheme)
	}

	if transport != nil {
		httpClient.Transport = transport
	}
	return httpClient
}

// NewUpstreamClient returns the HTTP client shared by every upstream call. It has no
// overall timeout because streaming responses are bounded by the request context instead.
func NewUpstreamClient(cfg *config.SDKConfig) *http.Client {
	return SetProxy(cfg, &http.Client{Transport: baseTransport()})
}

func baseTransport() *http.Transport {
	if defaultTransport, ok := http.DefaultTransport.(*http.Transport); ok {
		return defaultTransport.Clone()
	}
	return &http.Transport{Proxy: http.ProxyFromEnvironment}
}
