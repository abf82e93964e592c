// Package version holds build-time version information for the keygate
// binaries. Release builds inject the variables via -ldflags:
//
//	-X github.com/ferro-labs/keygate/internal/version.Version=v1.0.0
//	-X github.com/ferro-labs/keygate/internal/version.Commit=abc1234
//	-X github.com/ferro-labs/keygate/internal/version.Date=2026-10-01T00:00:00Z
package version

import "fmt"

// Set at link time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String returns a one-line description such as
// "v1.0.0 (commit abc1234, built 2026-10-01T00:00:00Z)".
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}

// Short returns just the version tag.
func Short() string {
	return Version
}
