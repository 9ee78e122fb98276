package transcript

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Normalize expands a leading ~ and, under WSL, maps Windows drive paths to
// their /mnt mount.
func Normalize(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	expanded := ExpandHome(path)
	if IsWSL() {
		return ToWSLPath(expanded)
	}
	return filepath.Clean(expanded)
}

func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func IsWSL() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	if os.Getenv("WSL_DISTRO_NAME") != "" {
		return true
	}
	_, err := os.Stat("/proc/sys/fs/binfmt_misc/WSLInterop")
	return err == nil
}

// ToWSLPath converts C:\dir\file to /mnt/c/dir/file. Other paths only get
// their separators rewritten.
func ToWSLPath(path string) string {
	if len(path) >= 2 && path[1] == ':' && isDriveLetter(path[0]) {
		drive := strings.ToLower(path[:1])
		rest := strings.ReplaceAll(path[2:], `\`, "/")
		if rest != "" && !strings.HasPrefix(rest, "/") {
			rest = "/" + rest
		}
		return "/mnt/" + drive + rest
	}
	return strings.ReplaceAll(path, `\`, "/")
}

// ToWindowsPath converts /mnt/c/dir/file to C:\dir\file.
func ToWindowsPath(path string) string {
	if !strings.HasPrefix(path, "/mnt/") || len(path) < 6 || !isDriveLetter(path[5]) {
		return path
	}
	if len(path) > 6 && path[6] != '/' {
		return path
	}
	drive := strings.ToUpper(path[5:6])
	rest := strings.ReplaceAll(path[6:], "/", `\`)
	if rest == "" {
		rest = `\`
	}
	return drive + ":" + rest
}

func isDriveLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
