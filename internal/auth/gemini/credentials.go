// Package gemini manages the Gemini CLI OAuth credentials: loading them from disk,
// persisting refreshed tokens atomically and refreshing them against the token endpoint.
package gemini

import (
	"errors"
	"strings"
	"time"

	"github.com/router-for-me/gemini-oauth-proxy/internal/interfaces"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Credentials is an immutable snapshot of the OAuth credential file.
// Replacements are published whole; a snapshot is never mutated after creation.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	Scope        string
	// ExpiresAt is zero when the file carries no expiry.
	ExpiresAt time.Time

	// ClientID and ClientSecret are optional per-file OAuth client values.
	ClientID     string
	ClientSecret string

	// raw keeps the document as read so unknown fields survive a rewrite.
	raw []byte
}

// ParseCredentials decodes the credential file contents.
func ParseCredentials(data []byte) (*Credentials, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || !gjson.Valid(trimmed) {
		return nil, interfaces.NewError(interfaces.KindCredentialsCorrupt, "credentials file is not valid JSON", nil)
	}
	root := gjson.Parse(trimmed)
	if !root.IsObject() {
		return nil, interfaces.NewError(interfaces.KindCredentialsCorrupt, "credentials file is not a JSON object", nil)
	}

	creds := &Credentials{
		AccessToken:  strings.TrimSpace(root.Get("access_token").String()),
		RefreshToken: strings.TrimSpace(root.Get("refresh_token").String()),
		IDToken:      root.Get("id_token").String(),
		TokenType:    root.Get("token_type").String(),
		Scope:        root.Get("scope").String(),
		ClientID:     strings.TrimSpace(root.Get("client_id").String()),
		ClientSecret: strings.TrimSpace(root.Get("client_secret").String()),
		raw:          []byte(trimmed),
	}
	if creds.AccessToken == "" {
		return nil, interfaces.NewError(interfaces.KindCredentialsIncomplete, "credentials file has no access_token", nil)
	}

	if ms := root.Get("expiry_date"); ms.Exists() && ms.Type == gjson.Number && ms.Int() > 0 {
		creds.ExpiresAt = time.UnixMilli(ms.Int())
	} else if expiry := strings.TrimSpace(root.Get("expiry").String()); expiry != "" {
		if parsed, errParse := time.Parse(time.RFC3339, expiry); errParse == nil {
			creds.ExpiresAt = parsed
		}
	}
	return creds, nil
}

// Expired reports whether the access token expires within skew of now.
// Credentials without a known expiry are treated as valid.
func (c *Credentials) Expired(now time.Time, skew time.Duration) bool {
	if c == nil {
		return true
	}
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.ExpiresAt)
}

// CanRefresh reports whether a refresh token is present.
func (c *Credentials) CanRefresh() bool {
	return c != nil && c.RefreshToken != ""
}

// WithToken returns a new snapshot carrying a refreshed token. Fields the token
// endpoint did not return are kept from c, including the refresh token.
func (c *Credentials) WithToken(accessToken, refreshToken, idToken, tokenType, scope string, expiresAt time.Time) *Credentials {
	next := *c
	next.AccessToken = accessToken
	if refreshToken != "" {
		next.RefreshToken = refreshToken
	}
	if idToken != "" {
		next.IDToken = idToken
	}
	if tokenType != "" {
		next.TokenType = tokenType
	}
	if scope != "" {
		next.Scope = scope
	}
	next.ExpiresAt = expiresAt
	next.raw = c.raw
	return &next
}

// Marshal encodes the snapshot back into the credential file layout, keeping any
// fields of the original document that are not managed here.
func (c *Credentials) Marshal() ([]byte, error) {
	if c == nil {
		return nil, errors.New("gemini credentials: nil snapshot")
	}
	out := c.raw
	if len(out) == 0 {
		out = []byte("{}")
	}
	out = append([]byte(nil), out...)

	var errSet error
	set := func(key string, value any) {
		if errSet != nil {
			return
		}
		out, errSet = sjson.SetBytes(out, key, value)
	}
	del := func(key string) {
		if errSet != nil {
			return
		}
		out, errSet = sjson.DeleteBytes(out, key)
	}

	set("access_token", c.AccessToken)
	if c.RefreshToken != "" {
		set("refresh_token", c.RefreshToken)
	}
	if c.IDToken != "" {
		set("id_token", c.IDToken)
	}
	if c.TokenType != "" {
		set("token_type", c.TokenType)
	}
	if c.Scope != "" {
		set("scope", c.Scope)
	}
	if c.ExpiresAt.IsZero() {
		del("expiry_date")
	} else {
		set("expiry_date", c.ExpiresAt.UnixMilli())
		if gjson.GetBytes(out, "expiry").Exists() {
			set("expiry", c.ExpiresAt.UTC().Format(time.RFC3339))
		}
	}
	if errSet != nil {
		return nil, errSet
	}
	return out, nil
}
