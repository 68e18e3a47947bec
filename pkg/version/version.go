// Package version holds build information injected via ldflags.
package version

var (
	// Version is the release version
	Version = "dev"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
	// GitCommit is the source revision
	GitCommit = "unknown"
)
