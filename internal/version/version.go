package version

import "fmt"

// Name is the service name reported by the health endpoint.
const Name = "dmarcwatch"

// Build metadata, overridden at link time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Full returns the version with commit suffix for log lines.
func Full() string {
	return fmt.Sprintf("%s (%s)", Version, GitCommit)
}
