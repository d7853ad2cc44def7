// Package version carries build metadata injected at link time.
package version

import (
	"fmt"
	"strings"
)

const unknown = "unknown"

var (
	// AppVersion is overridden at build time:
	// go build -ldflags="-X github.com/tillstream/tillstream/pkg/version.AppVersion=v1.2.3"
	AppVersion = "dev"

	// GitCommit is overridden at build time.
	GitCommit = unknown

	// BuildTime is overridden at build time (RFC3339 recommended).
	BuildTime = unknown
)

// String returns a log-friendly representation of the build.
func String() string {
	return fmt.Sprintf("%s (commit=%s, build_time=%s)",
		orDefault(AppVersion, "dev"),
		orDefault(GitCommit, unknown),
		orDefault(BuildTime, unknown),
	)
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
