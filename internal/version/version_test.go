package version

import "testing"

func setVersion(t *testing.T, version, major, minor, patch, commit string) {
	t.Helper()
	previous := []string{Version, Major, Minor, Patch, Built, GitCommit}
	t.Cleanup(func() {
		Version, Major, Minor, Patch, Built, GitCommit = previous[0], previous[1], previous[2], previous[3], previous[4], previous[5]
	})
	Version, Major, Minor, Patch, GitCommit = version, major, minor, patch, commit
	Built = "2026-01-11T12:34:56Z"
}

func TestGetVersionInfoUsesInjectedComponents(t *testing.T) {
	setVersion(t, "1.2.3", "1", "2", "3", "abc123")

	info := GetVersionInfo()
	if info.Version != "1.2.3" {
		t.Fatalf("expected version to be 1.2.3, got %q", info.Version)
	}
	if info.Major != 1 || info.Minor != 2 || info.Patch != 3 {
		t.Fatalf("expected 1.2.3, got %d.%d.%d", info.Major, info.Minor, info.Patch)
	}
	if info.Built != "2026-01-11T12:34:56Z" {
		t.Fatalf("expected built timestamp to be preserved, got %q", info.Built)
	}
	if info.GitCommit != "abc123" {
		t.Fatalf("expected git commit to be preserved, got %q", info.GitCommit)
	}
}

func TestGetVersionInfoParsesVersionString(t *testing.T) {
	setVersion(t, "v0.7.12-rc1", "", "", "", "")

	info := GetVersionInfo()
	if info.Major != 0 || info.Minor != 7 || info.Patch != 12 {
		t.Fatalf("expected 0.7.12, got %d.%d.%d", info.Major, info.Minor, info.Patch)
	}
}

func TestGetVersionInfoDevBuild(t *testing.T) {
	setVersion(t, "dev", "", "", "", "")

	info := GetVersionInfo()
	if info.Major != 0 || info.Minor != 0 || info.Patch != 0 {
		t.Fatalf("expected zero components for dev build, got %d.%d.%d", info.Major, info.Minor, info.Patch)
	}
	if info.String() != "dev" {
		t.Fatalf("unexpected string %q", info.String())
	}
}

func TestVersionStringShortensCommit(t *testing.T) {
	info := VersionInfo{Version: "1.0.0", GitCommit: "0123456789abcdef0123"}
	if got := info.String(); got != "1.0.0+0123456789ab" {
		t.Fatalf("unexpected string %q", got)
	}
}
