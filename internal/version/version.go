// Package version provides build-time version information.
package version

// These variables are set at build time using -ldflags, e.g.
// -ldflags "-X imgcal/internal/version.GitCommit=$(git rev-parse --short HEAD)"
var (
	// Version is the semantic version
	Version = "0.3.0"

	// BuildTime is the UTC time when the binary was built
	BuildTime = "unknown"

	// GitCommit is the git commit hash
	GitCommit = "unknown"
)
