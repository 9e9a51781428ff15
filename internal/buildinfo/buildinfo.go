// Package buildinfo holds release metadata stamped into the binary by cmd/server.
package buildinfo

import "fmt"

// Set from cmd/server's ldflags variables at startup.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// Summary renders the metadata for the startup banner.
func Summary() string {
	return fmt.Sprintf("gemini-oauth-proxy %s (commit %s, built %s)", Version, Commit, BuildDate)
}
