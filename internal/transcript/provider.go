// Package transcript reads the auxiliary conversation logs that some agent
// CLIs write while they work. A provider exposes a cursor so callers can ask
// for the newest assistant reply written after a given point.
package transcript

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	SourceStream   = "stream"
	SourceCodex    = "codex"
	SourceGemini   = "gemini"
	SourceOpenCode = "opencode"
)

// ErrNoTranscript is returned when no transcript file exists yet.
var ErrNoTranscript = errors.New("no transcript found")

// Entry is one message read from a transcript.
type Entry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Offset    int64     `json:"offset"`
	Timestamp time.Time `json:"timestamp"`
}

// Provider reads one agent's transcript.
//
// Offsets are opaque cursors: byte positions for JSONL transcripts and
// message indexes for JSON documents. Offset returns the cursor of the end of
// the current transcript, and LatestReply only considers entries at or after
// since.
type Provider interface {
	Name() string
	WatchPath() string
	Offset() (int64, error)
	LatestReply(since int64) (Entry, bool, error)
	History(count int) ([]Entry, error)
}

// Options configures a provider.
type Options struct {
	Source  string
	LogPath string
	// StateDB is an optional codex state database naming the active rollout.
	StateDB string
}

// New builds the provider for a source. Stream sources have no provider.
func New(opts Options) (Provider, error) {
	source := strings.ToLower(strings.TrimSpace(opts.Source))
	switch source {
	case SourceCodex:
		return newCodex(pathOrDefault(opts.LogPath, "~/.codex/sessions"), Normalize(opts.StateDB)), nil
	case SourceGemini:
		return newGemini(pathOrDefault(opts.LogPath, "~/.gemini/tmp")), nil
	case SourceOpenCode:
		return newOpenCode(pathOrDefault(opts.LogPath, "~/.local/share/opencode/storage")), nil
	case "", SourceStream:
		return nil, fmt.Errorf("source %q has no transcript", opts.Source)
	default:
		return nil, fmt.Errorf("unknown transcript source %q", opts.Source)
	}
}

// IsTranscriptSource reports whether source is read through a provider.
func IsTranscriptSource(source string) bool {
	switch strings.ToLower(strings.TrimSpace(source)) {
	case SourceCodex, SourceGemini, SourceOpenCode:
		return true
	}
	return false
}

// IsAssistantRole reports whether role names the agent side of a conversation.
func IsAssistantRole(role string) bool {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "assistant", "model", "gemini":
		return true
	}
	return false
}

func pathOrDefault(path, fallback string) string {
	if strings.TrimSpace(path) == "" {
		path = fallback
	}
	return Normalize(path)
}

func parseTimestamp(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed.UTC()
}

type fileCandidate struct {
	path    string
	modTime time.Time
}

// newestFile returns the most recently modified file among paths.
func newestFile(paths []string) (string, error) {
	candidates := make([]fileCandidate, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		candidates = append(candidates, fileCandidate{path: path, modTime: info.ModTime()})
	}
	if len(candidates) == 0 {
		return "", ErrNoTranscript
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].modTime.Equal(candidates[j].modTime) {
			return candidates[i].path > candidates[j].path
		}
		return candidates[i].modTime.After(candidates[j].modTime)
	})
	return candidates[0].path, nil
}

func tailEntries(entries []Entry, count int) []Entry {
	if count <= 0 || count >= len(entries) {
		return entries
	}
	return entries[len(entries)-count:]
}

func globFiles(pattern string) []string {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil
	}
	return matches
}
