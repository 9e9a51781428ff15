// Package misc provides small helpers shared by the auth and runtime packages:
// upstream client identification headers and credential logging.
package misc

import (
	"net/http"
)

// Client identification sent with every Code Assist call, matching the Gemini CLI.
const (
	CodeAssistUserAgent      = "google-api-nodejs-client/9.15.1"
	CodeAssistAPIClient      = "gl-node/22.17.0"
	CodeAssistClientMetadata = "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI"
)

// ApplyCodeAssistHeaders writes the bearer token and the client identification headers.
func ApplyCodeAssistHeaders(target http.Header, accessToken string, stream bool) {
	if target == nil {
		return
	}
	target.Set("Authorization", "Bearer "+accessToken)
	target.Set("Content-Type", "application/json")
	target.Set("User-Agent", CodeAssistUserAgent)
	target.Set("X-Goog-Api-Client", CodeAssistAPIClient)
	target.Set("Client-Metadata", CodeAssistClientMetadata)
	if stream {
		target.Set("Accept", "text/event-stream")
	} else {
		target.Set("Accept", "application/json")
	}
}
