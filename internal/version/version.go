// Package version holds build metadata set with -ldflags, e.g.
// -X github.com/banshee-data/camtrap/internal/version.Version=v0.3.0.
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// Info is the build metadata reported on /debug/status.
type Info struct {
	Version   string `json:"version"`
	GitSHA    string `json:"git_sha"`
	BuildTime string `json:"build_time"`
}

func Get() Info { return Info{Version: Version, GitSHA: GitSHA, BuildTime: BuildTime} }

func (i Info) String() string {
	return fmt.Sprintf("camtrap %s (%s, built %s)", i.Version, i.GitSHA, i.BuildTime)
}
