package api

import "fmt"

// Build metadata, overridden with -ldflags "-X .../internal/api.EngineVersion=..."
var (
	EngineVersion = "dev"
	GitCommit     = "unknown"
	BuildTime     = "unknown"
)

// VersionInfo identifies the running build.
type VersionInfo struct {
	EngineVersion string `json:"engine_version"`
	GitCommit     string `json:"git_commit,omitempty"`
	BuildTime     string `json:"build_time,omitempty"`
}

// GetVersionInfo returns the build metadata.
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		EngineVersion: EngineVersion,
		GitCommit:     GitCommit,
		BuildTime:     BuildTime,
	}
}

// UserAgent is sent on outgoing backend requests.
func UserAgent() string {
	return fmt.Sprintf("ashtrail/%s (%s)", EngineVersion, GitCommit)
}
