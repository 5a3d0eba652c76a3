package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	// Version is the semantic version of the build. It can be overridden via ldflags.
	Version = "0.1.0"
	// Commit is the short git SHA embedded at build time (or "none").
	Commit = "none"
	// BuildTime is the UTC build timestamp embedded at build time.
	BuildTime = "unknown"
)

// shortCommitLength is the number of SHA characters shown.
const shortCommitLength = 7

// Info is the resolved build metadata.
type Info struct {
	Version   string
	Commit    string
	BuildTime string
	GoVersion string
	Platform  string
}

// Short returns only the semantic version string.
func Short() string {
	return Version
}

// Full returns a human-readable version string with commit, build time and toolchain.
func Full() string {
	i := Get()

	return fmt.Sprintf("version: %s, commit: %s, built at: %s, %s %s",
		i.Version, i.Commit, i.BuildTime, i.GoVersion, i.Platform)
}

// Get resolves the build metadata, filling unset ldflags values from the VCS stamps.
func Get() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	build, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}

	return fromSettings(info, build.Settings)
}

func fromSettings(info Info, settings []debug.BuildSetting) Info {
	var dirty bool

	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "none" && s.Value != "" {
				info.Commit = s.Value
				if len(info.Commit) > shortCommitLength {
					info.Commit = info.Commit[:shortCommitLength]
				}
			}
		case "vcs.time":
			if info.BuildTime == "unknown" && s.Value != "" {
				info.BuildTime = s.Value
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}

	if dirty && info.Commit != "none" {
		info.Commit += "-dirty"
	}

	return info
}
