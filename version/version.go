// Package version reports build metadata stamped in with -ldflags:
//
//	go build -ldflags "-X github.com/teranos/kiln/version.Version=v0.3.0 \
//	  -X github.com/teranos/kiln/version.CommitHash=$(git rev-parse HEAD)"
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set at build time
var (
	Version    = "dev"
	CommitHash = "dev"
	BuildTime  = "unknown"
)

// Info is the build metadata of the running binary
type Info struct {
	Version    string `json:"version" yaml:"version"`
	CommitHash string `json:"commit" yaml:"commit"`
	BuildTime  string `json:"buildTime" yaml:"buildTime"`
	GoVersion  string `json:"goVersion" yaml:"goVersion"`
	Platform   string `json:"platform" yaml:"platform"`
}

// Get returns the current build metadata. Without ldflags the commit falls
// back to the VCS revision recorded by the Go toolchain, when present.
func Get() Info {
	commit := CommitHash
	if commit == "dev" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" && s.Value != "" {
					commit = s.Value
				}
			}
		}
	}
	return Info{
		Version:    Version,
		CommitHash: commit,
		BuildTime:  BuildTime,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (i Info) String() string {
	return fmt.Sprintf("kiln %s (commit %s, built %s)", i.Version, i.Short(), i.BuildTime)
}

// Short returns the abbreviated commit
func (i Info) Short() string {
	if len(i.CommitHash) > 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}

// UserAgent identifies kiln in outgoing HTTP requests
func (i Info) UserAgent() string {
	return "kiln/" + i.Version + " (" + i.Platform + ")"
}
