package handlers

import (
	"net/http"
	"strings"
)

// droppedResponseHeaders are never relayed from the Code Assist response to the
// local client.
var droppedResponseHeaders = map[string]struct{}{
	// Hop-by-hop (RFC 7230 6.1).
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	// The body is decoded and re-framed locally.
	"Content-Length":   {},
	"Content-Encoding": {},
	// Scoped to googleapis.com, meaningless for a loopback listener.
	"Set-Cookie":                {},
	"Alt-Svc":                   {},
	"Strict-Transport-Security": {},
	// The challenge belongs to Google's OAuth, not to this proxy.
	"Www-Authenticate": {},
}

// FilterUpstreamHeaders returns the subset of the upstream response headers that may be
// relayed. Headers named by Connection are dropped along with the fixed list above.
// The result is nil when nothing survives.
func FilterUpstreamHeaders(src http.Header) http.Header {
	if len(src) == 0 {
		return nil
	}
	named := connectionNamedHeaders(src.Values("Connection"))
	var dst http.Header
	for key, values := range src {
		canonical := http.CanonicalHeaderKey(key)
		if _, drop := droppedResponseHeaders[canonical]; drop {
			continue
		}
		if _, drop := named[canonical]; drop {
			continue
		}
		if dst == nil {
			dst = make(http.Header, len(src))
		}
		dst[canonical] = append([]string(nil), values...)
	}
	return dst
}

func connectionNamedHeaders(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	named := make(map[string]struct{})
	for _, value := range values {
		for _, token := range strings.Split(value, ",") {
			if name := strings.TrimSpace(token); name != "" {
				named[http.CanonicalHeaderKey(name)] = struct{}{}
			}
		}
	}
	return named
}

// WriteUpstreamHeaders copies relayed headers into dst. Keys the handler already set,
// such as Content-Type or X-Request-Id, keep the handler's value.
func WriteUpstreamHeaders(dst http.Header, src http.Header) {
	for key, values := range src {
		if _, set := dst[http.CanonicalHeaderKey(key)]; set {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}
