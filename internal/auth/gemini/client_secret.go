package gemini

import (
	"os"
	"regexp"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// DefaultDiscoveryPaths lists where a global npm install of the Gemini CLI keeps
// the OAuth client constants.
var DefaultDiscoveryPaths = []string{
	"/usr/local/lib/node_modules/@google/gemini-cli/node_modules/@google/gemini-cli-core/dist/src/code_assist/oauth2.js",
	"/usr/lib/node_modules/@google/gemini-cli/node_modules/@google/gemini-cli-core/dist/src/code_assist/oauth2.js",
}

// ClientCredentials is the OAuth client pair used for the refresh grant.
type ClientCredentials struct {
	ID     string
	Secret string
	// Source names where the pair came from, for logs. Never the values.
	Source string
}

func (c ClientCredentials) valid() bool {
	return c.ID != "" && c.Secret != ""
}

// ClientSecretResolver finds the OAuth client pair. Precedence is the explicit
// configuration, then the credential file, then the client secret file, then the
// constants shipped with an installed Gemini CLI. The client secret file and the
// CLI install are read at most once per resolver; the pair embedded in the
// credential file follows reloads.
type ClientSecretResolver struct {
	configured     ClientCredentials
	secretPath     string
	discoveryPaths []string

	fallbackOnce sync.Once
	fallback     ClientCredentials
}

// NewClientSecretResolver builds a resolver. id and secret count only as a pair.
// secretPath must already be resolved; empty disables that source.
func NewClientSecretResolver(id, secret, secretPath string, discoveryPaths []string) *ClientSecretResolver {
	r := &ClientSecretResolver{
		secretPath:     secretPath,
		discoveryPaths: discoveryPaths,
	}
	configured := ClientCredentials{ID: strings.TrimSpace(id), Secret: strings.TrimSpace(secret), Source: "config"}
	if configured.valid() {
		r.configured = configured
	}
	return r
}

// Resolve returns the client pair for creds, or false when no source provides one.
func (r *ClientSecretResolver) Resolve(creds *Credentials) (ClientCredentials, bool) {
	if r == nil {
		return ClientCredentials{}, false
	}
	if r.configured.valid() {
		return r.configured, true
	}
	if creds != nil {
		fromFile := ClientCredentials{ID: creds.ClientID, Secret: creds.ClientSecret, Source: "credentials file"}
		if fromFile.valid() {
			return fromFile, true
		}
	}
	r.fallbackOnce.Do(func() {
		if fromSecretFile, ok := readClientSecretFile(r.secretPath); ok {
			r.fallback = fromSecretFile
			return
		}
		r.fallback = discoverFromCLI(r.discoveryPaths)
	})
	if r.fallback.valid() {
		return r.fallback, true
	}
	return ClientCredentials{}, false
}

func readClientSecretFile(path string) (ClientCredentials, bool) {
	if path == "" {
		return ClientCredentials{}, false
	}
	data, errRead := os.ReadFile(path)
	if errRead != nil {
		if !os.IsNotExist(errRead) {
			log.Debugf("client secret file %s unreadable: %v", path, errRead)
		}
		return ClientCredentials{}, false
	}
	root := gjson.ParseBytes(data)
	// Accept the flat layout and the Google "installed" client layout.
	for _, prefix := range []string{"", "installed.", "web."} {
		pair := ClientCredentials{
			ID:     strings.TrimSpace(root.Get(prefix + "client_id").String()),
			Secret: strings.TrimSpace(root.Get(prefix + "client_secret").String()),
			Source: "client secret file",
		}
		if pair.valid() {
			return pair, true
		}
	}
	return ClientCredentials{}, false
}

var (
	jsClientIDPattern     = regexp.MustCompile(`OAUTH_CLIENT_ID\s*=\s*['"]([^'"]+)['"]`)
	jsClientSecretPattern = regexp.MustCompile(`OAUTH_CLIENT_SECRET\s*=\s*['"]([^'"]+)['"]`)
)

func discoverFromCLI(paths []string) ClientCredentials {
	for _, path := range paths {
		data, errRead := os.ReadFile(path)
		if errRead != nil {
			continue
		}
		pair := extractJSClient(data)
		if pair.valid() {
			log.Debugf("found Gemini CLI OAuth client at %s", path)
			return pair
		}
	}
	return ClientCredentials{}
}

func extractJSClient(content []byte) ClientCredentials {
	pair := ClientCredentials{Source: "gemini cli install"}
	if m := jsClientIDPattern.FindSubmatch(content); len(m) == 2 {
		pair.ID = string(m[1])
	}
	if m := jsClientSecretPattern.FindSubmatch(content); len(m) == 2 {
		pair.Secret = string(m[1])
	}
	return pair
}
