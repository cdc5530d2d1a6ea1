// Package version reports the build metadata of hlstree binaries.
//
// Release builds stamp Version, Commit and Date via -ldflags; a plain
// source build falls back to the main-module version and VCS revision the
// Go toolchain records in the binary's build info.
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
)

// Stamped at release build time via -ldflags; empty on source builds.
var (
	Version string
	Commit  string
	Date    string
)

// ApplicationName is the canonical name of this application.
const ApplicationName = "hlstree"

// Info is the resolved build metadata.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Date      string `json:"date,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get resolves the build metadata, preferring the ldflags stamps and
// falling back to the embedded module build info.
func Get() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		if info.Version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = s.Value
				}
			case "vcs.time":
				if info.Date == "" {
					info.Date = s.Value
				}
			}
		}
	}

	if info.Version == "" {
		info.Version = "dev"
	}
	return info
}

// Short returns the bare version with an abbreviated commit when known,
// e.g. "1.2.3 (abcdef12)". Cobra prefixes the application name itself.
func Short() string {
	info := Get()
	if c := shortCommit(info.Commit); c != "" {
		return info.Version + " (" + c + ")"
	}
	return info.Version
}

// String returns the full human-readable version line.
func String() string {
	info := Get()
	line := ApplicationName + " version " + info.Version
	if c := shortCommit(info.Commit); c != "" {
		line += ", commit " + c
	}
	if info.Date != "" {
		line += ", built " + info.Date
	}
	return fmt.Sprintf("%s (%s, %s)", line, info.GoVersion, info.Platform)
}

// JSON returns the resolved build metadata as JSON.
func JSON() string {
	b, err := json.Marshal(Get())
	if err != nil {
		return "{}"
	}
	return string(b)
}

// UserAgent returns the User-Agent value sent on manifest and key requests
// when the host configures none.
func UserAgent() string {
	return ApplicationName + "/" + Get().Version
}

// shortCommit abbreviates a commit SHA to 8 characters.
func shortCommit(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}
