package transcript

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

const maxCodexLine = 8 * 1024 * 1024

// codexProvider reads codex JSONL rollouts. Offsets are byte positions in the
// active rollout file.
type codexProvider struct {
	logPath string
	stateDB string

	mu sync.Mutex
	// cursorPath is the file the most recent Offset call measured.
	cursorPath string
}

type codexLine struct {
	Type      string          `json:"type"`
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Timestamp string          `json:"timestamp"`
	Payload   *struct {
		Type    string          `json:"type"`
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"payload"`
}

func newCodex(logPath, stateDB string) *codexProvider {
	return &codexProvider{logPath: logPath, stateDB: stateDB}
}

func (p *codexProvider) Name() string {
	return SourceCodex
}

func (p *codexProvider) WatchPath() string {
	return p.logPath
}

func (p *codexProvider) Offset() (int64, error) {
	path, err := p.activeFile()
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.cursorPath = path
	p.mu.Unlock()
	return info.Size(), nil
}

func (p *codexProvider) LatestReply(since int64) (Entry, bool, error) {
	path, err := p.activeFile()
	if err != nil {
		return Entry{}, false, err
	}
	p.mu.Lock()
	if p.cursorPath != "" && p.cursorPath != path {
		// A new rollout started after the cursor was taken.
		since = 0
	}
	p.mu.Unlock()

	entries, err := readCodexEntries(path, since)
	if err != nil {
		return Entry{}, false, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if IsAssistantRole(entries[i].Role) && strings.TrimSpace(entries[i].Content) != "" {
			return entries[i], true, nil
		}
	}
	return Entry{}, false, nil
}

func (p *codexProvider) History(count int) ([]Entry, error) {
	path, err := p.activeFile()
	if err != nil {
		return nil, err
	}
	entries, err := readCodexEntries(path, 0)
	if err != nil {
		return nil, err
	}
	return tailEntries(entries, count), nil
}

func (p *codexProvider) activeFile() (string, error) {
	if path := p.rolloutFromState(); path != "" {
		return path, nil
	}

	var files []string
	err := filepath.WalkDir(p.logPath, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == p.logPath {
				return err
			}
			return nil
		}
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".jsonl") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNoTranscript
		}
		return "", err
	}
	return newestFile(files)
}

// rolloutFromState returns the rollout of the most recent thread recorded in
// the codex state database, or "" when unavailable.
func (p *codexProvider) rolloutFromState() string {
	if p.stateDB == "" {
		return ""
	}
	if _, err := os.Stat(p.stateDB); err != nil {
		return ""
	}
	db, err := sql.Open("sqlite", "file:"+p.stateDB+"?mode=ro")
	if err != nil {
		return ""
	}
	defer db.Close()

	var rollout string
	err = db.QueryRow(
		"SELECT rollout_path FROM threads WHERE rollout_path != '' ORDER BY rowid DESC LIMIT 1",
	).Scan(&rollout)
	if err != nil {
		return ""
	}
	rollout = Normalize(rollout)
	if _, err := os.Stat(rollout); err != nil {
		return ""
	}
	return rollout
}

// readCodexEntries parses complete lines starting at byte offset since. A
// trailing line without a newline is still being written and is skipped.
func readCodexEntries(path string, since int64) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoTranscript
		}
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if since < 0 || since > info.Size() {
		since = 0
	}
	if _, err := file.Seek(since, io.SeekStart); err != nil {
		return nil, err
	}

	reader := bufio.NewReader(file)
	position := since
	var entries []Entry
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return entries, err
		}
		position += int64(len(line))
		if len(line) > maxCodexLine {
			continue
		}
		entry, ok := parseCodexLine(line)
		if !ok {
			continue
		}
		entry.Offset = position
		entries = append(entries, entry)
	}
	return entries, nil
}

func parseCodexLine(line []byte) (Entry, bool) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return Entry{}, false
	}
	var record codexLine
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return Entry{}, false
	}

	role := record.Role
	content := record.Content
	if record.Payload != nil && record.Type == "response_item" {
		if record.Payload.Type != "message" {
			return Entry{}, false
		}
		role = record.Payload.Role
		content = record.Payload.Content
	}
	if role == "" {
		return Entry{}, false
	}
	return Entry{
		Role:      role,
		Content:   decodeContent(content),
		Timestamp: parseTimestamp(record.Timestamp),
	}, true
}

// decodeContent accepts either a plain string or a list of typed parts.
func decodeContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	texts := make([]string, 0, len(parts))
	for _, part := range parts {
		if part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}
