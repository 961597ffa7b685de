// Package version exposes build identification for the safespace binary.
package version

import (
	"runtime/debug"

	"github.com/google/go-cmp/cmp"
)

var (
	// These are set via -ldflags during release builds.
	GitRepo   string
	GitBranch string
	GitCommit string
	BuildTime string
)

// Info carries everything known about the running build.
type Info struct {
	GitRepo   string           `json:"gitRepo,omitempty"`
	GitBranch string           `json:"gitBranch,omitempty"`
	GitCommit string           `json:"gitCommit,omitempty"`
	BuildTime string           `json:"buildTime,omitempty"`
	BuildInfo *debug.BuildInfo `json:"buildInfo,omitempty"`
}

// Get returns the version information for this build.
func Get() Info {
	ret := Info{
		GitRepo:   GitRepo,
		GitBranch: GitBranch,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
	}
	if buildInfo, ok := debug.ReadBuildInfo(); ok {
		ret.BuildInfo = buildInfo
	}
	return ret
}

// Equal reports whether two Infos describe the same build: matching git
// commits, or matching module/dependency fingerprints when the commit is
// unset.
func (v Info) Equal(other Info) bool {
	if v.GitCommit != "" || other.GitCommit != "" {
		return v.GitCommit == other.GitCommit
	}
	if v.BuildInfo == nil || other.BuildInfo == nil {
		return v.BuildInfo == other.BuildInfo
	}
	return v.BuildInfo.Main.Path == other.BuildInfo.Main.Path &&
		v.BuildInfo.GoVersion == other.BuildInfo.GoVersion &&
		cmp.Equal(v.BuildInfo.Deps, other.BuildInfo.Deps)
}
