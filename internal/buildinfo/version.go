// Package buildinfo exposes version/identity fields reported by / and /api/version.
package buildinfo

import (
	"os"
	"runtime"
	"strings"
	"time"
)

// Version is the service version, overridable via -ldflags.
var Version = "0.1.0"

// GitCommit is the full git commit hash, overridable via -ldflags.
var GitCommit = "unknown"

var startTime = time.Now().UTC()

// ShortSHA returns GitCommit truncated to 8 characters, falling back to
// GIT_SHA / RENDER_GIT_COMMIT env vars when GitCommit was never set at
// build time.
func ShortSHA() string {
	sha := GitCommit
	if sha == "" || sha == "unknown" {
		if v := strings.TrimSpace(os.Getenv("GIT_SHA")); v != "" {
			sha = v
		} else if v := strings.TrimSpace(os.Getenv("RENDER_GIT_COMMIT")); v != "" {
			sha = v
		}
	}
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

// GoVersion returns the Go runtime version used to build the binary.
func GoVersion() string { return runtime.Version() }

// StartTime returns the process start time, used to validate that every
// envelope's meta.timestamp is >= server start.
func StartTime() time.Time { return startTime }

// Uptime returns the duration since process start.
func Uptime() time.Duration { return time.Since(startTime) }
