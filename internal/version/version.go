// Package version reports build metadata for the keel library and CLI.
package version

import (
	"runtime/debug"
	"time"
)

var (
	// Version is the release version (set via -ldflags).
	Version = ""
	// Commit is the git commit hash (set via -ldflags).
	Commit = ""
	// BuildTime is the build timestamp (set via -ldflags).
	BuildTime = ""
)

// Info describes a build. Backend is the version string reported by the
// inference backend and is empty until WithBackend fills it.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	Backend   string `json:"backend_version,omitempty"`
}

func Resolve() Info {
	resolved := Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
	}
	if resolved.Commit == "" || resolved.BuildTime == "" {
		vcsCommit, vcsTime := buildSettings()
		if resolved.Commit == "" {
			resolved.Commit = vcsCommit
		}
		if resolved.BuildTime == "" {
			resolved.BuildTime = vcsTime
		}
	}

	if resolved.Version == "" {
		if resolved.BuildTime != "" {
			resolved.Version = resolved.BuildTime
		} else {
			resolved.Version = time.Now().UTC().Format("20060102T150405Z")
		}
	}

	return resolved
}

// WithBackend returns a copy of i carrying the backend version.
func (i Info) WithBackend(v string) Info {
	i.Backend = v
	return i
}

func (i Info) String() string {
	s := i.Version
	if i.Commit != "" {
		s += " (" + shortCommit(i.Commit) + ")"
	}
	if i.Backend != "" {
		s += " backend " + i.Backend
	}
	return s
}

func String() string {
	return Resolve().String()
}

// buildSettings reads the VCS stamp the go tool embeds in module builds.
func buildSettings() (commit, at string) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			commit = s.Value
		case "vcs.time":
			at = s.Value
		}
	}
	return commit, at
}

func shortCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}
