// Package version holds build information stamped in with -ldflags.
package version

import (
	"fmt"
	"runtime"
)

// Set at build time, e.g.
// -ldflags "-X github.com/orchestra/tiermem/pkg/version.Version=v0.3.0".
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

// Info returns the build information as a map for status endpoints.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
		"go_version": GoVersion,
	}
}

// String formats the build information on one line.
func String() string {
	return fmt.Sprintf("tiermem %s (commit %s, built %s, %s)", Version, GitCommit, BuildTime, GoVersion)
}
