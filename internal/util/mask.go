package util

import (
	"net/url"
	"strings"
)

// HideToken obscures an OAuth token or key for logging. Short values are fully
// redacted; longer ones keep a short prefix and suffix so operators can tell tokens apart.
func HideToken(token string) string {
	token = strings.TrimSpace(token)
	switch {
	case token == "":
		return ""
	case len(token) <= 12:
		return "***"
	default:
		return token[:4] + "..." + token[len(token)-4:]
	}
}

// MaskAuthorizationHeader masks the credential part of an Authorization header value
// while keeping the scheme, e.g. "Bearer ya29...abcd".
func MaskAuthorizationHeader(value string) string {
	scheme, credential, found := strings.Cut(strings.TrimSpace(value), " ")
	if !found {
		return HideToken(value)
	}
	return scheme + " " + HideToken(credential)
}

// MaskSensitiveHeaderValue masks header values that may carry credentials.
func MaskSensitiveHeaderValue(key, value string) string {
	lowerKey := strings.ToLower(strings.TrimSpace(key))
	switch {
	case strings.Contains(lowerKey, "authorization"):
		return MaskAuthorizationHeader(value)
	case isSensitiveName(lowerKey):
		return HideToken(value)
	default:
		return value
	}
}

// MaskSensitiveQuery masks sensitive query parameters, e.g. access_token, within the raw query string.
func MaskSensitiveQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	changed := false
	for i, part := range parts {
		if part == "" {
			continue
		}
		keyPart, valuePart, _ := strings.Cut(part, "=")
		decodedKey, errKey := url.QueryUnescape(keyPart)
		if errKey != nil {
			decodedKey = keyPart
		}
		if !isSensitiveName(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(decodedKey)), "[]")) {
			continue
		}
		decodedValue, errValue := url.QueryUnescape(valuePart)
		if errValue != nil {
			decodedValue = valuePart
		}
		parts[i] = keyPart + "=" + url.QueryEscape(HideToken(decodedValue))
		changed = true
	}
	if !changed {
		return raw
	}
	return strings.Join(parts, "&")
}

func isSensitiveName(name string) bool {
	if name == "" {
		return false
	}
	if name == "key" || name == "code" {
		return true
	}
	for _, marker := range []string{"api-key", "apikey", "api_key", "token", "secret", "password"} {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}
