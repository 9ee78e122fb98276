package version

import (
	"strconv"
	"strings"
)

// Version values are set at build time using -ldflags.
var Version = "dev"
var Major = ""
var Minor = ""
var Patch = ""
var Built = ""
var GitCommit = ""

type VersionInfo struct {
	Version   string `json:"version"`
	Major     int    `json:"major"`
	Minor     int    `json:"minor"`
	Patch     int    `json:"patch"`
	Built     string `json:"built,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
}

// GetVersionInfo reports the build version. Components not injected at
// build time are parsed from Version ("v1.2.3" or "1.2.3-rc1").
func GetVersionInfo() VersionInfo {
	major, minor, patch := parseSemver(Version)
	return VersionInfo{
		Version:   Version,
		Major:     pick(Major, major),
		Minor:     pick(Minor, minor),
		Patch:     pick(Patch, patch),
		Built:     Built,
		GitCommit: GitCommit,
	}
}

// String is the MCP serverInfo version: Version plus a short commit.
func (info VersionInfo) String() string {
	if info.GitCommit == "" {
		return info.Version
	}
	commit := info.GitCommit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	return info.Version + "+" + commit
}

func pick(injected string, parsed int) int {
	if strings.TrimSpace(injected) == "" {
		return parsed
	}
	value, err := strconv.Atoi(injected)
	if err != nil {
		return 0
	}
	return value
}

func parseSemver(value string) (int, int, int) {
	value = strings.TrimPrefix(strings.TrimSpace(value), "v")
	if cut := strings.IndexAny(value, "-+"); cut >= 0 {
		value = value[:cut]
	}
	parts := strings.SplitN(value, ".", 3)
	numbers := [3]int{}
	for i, part := range parts {
		parsed, err := strconv.Atoi(part)
		if err != nil {
			return 0, 0, 0
		}
		numbers[i] = parsed
	}
	return numbers[0], numbers[1], numbers[2]
}
