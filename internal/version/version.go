// Package version exposes the build identity shown by the health endpoint.
// Release builds inject the variables via ldflags; a plain `go build` falls
// back to the VCS metadata the toolchain stamps into the binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Injected via ldflags on release builds.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	if GitCommit != "unknown" {
		return
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			GitCommit = s.Value
		case "vcs.time":
			BuildDate = s.Value
		}
	}
}

// Info returns a one-line version string for --version output.
func Info() string {
	return fmt.Sprintf("YetiLink %s (commit: %s, built: %s, go: %s)",
		Version, GitCommit, BuildDate, runtime.Version())
}

// Short returns just the version string (e.g., "0.1.0" or "dev").
func Short() string {
	return Version
}

// Map returns the version info keyed for the health endpoint's JSON body.
func Map() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_date": BuildDate,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}
