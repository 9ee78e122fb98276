package transcript

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// documentProvider reads transcripts stored as a single JSON document that
// is rewritten on every message. Offsets are message indexes.
type documentProvider struct {
	name      string
	watchPath string
	find      func() (string, error)
	parse     func([]byte) []Entry

	mu         sync.Mutex
	cursorPath string
}

type documentMessage struct {
	Role      string          `json:"role"`
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	Timestamp string          `json:"timestamp"`
	CreatedAt string          `json:"created_at"`
}

func newGemini(logPath string) *documentProvider {
	return &documentProvider{
		name:      SourceGemini,
		watchPath: logPath,
		find: func() (string, error) {
			return newestIn(logPath, globFiles(filepath.Join(logPath, "*", "chats", "*.json")))
		},
		parse: parseGeminiChat,
	}
}

func newOpenCode(logPath string) *documentProvider {
	return &documentProvider{
		name:      SourceOpenCode,
		watchPath: logPath,
		find: func() (string, error) {
			return newestIn(logPath, globFiles(filepath.Join(logPath, "*.json")))
		},
		parse: parseOpenCodeSession,
	}
}

func (p *documentProvider) Name() string {
	return p.name
}

func (p *documentProvider) WatchPath() string {
	return p.watchPath
}

func (p *documentProvider) Offset() (int64, error) {
	path, entries, err := p.load()
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.cursorPath = path
	p.mu.Unlock()
	return int64(len(entries)), nil
}

func (p *documentProvider) LatestReply(since int64) (Entry, bool, error) {
	path, entries, err := p.load()
	if err != nil {
		return Entry{}, false, err
	}
	p.mu.Lock()
	if p.cursorPath != "" && p.cursorPath != path {
		since = 0
	}
	p.mu.Unlock()
	if since < 0 || since > int64(len(entries)) {
		since = 0
	}

	for i := len(entries) - 1; i >= int(since); i-- {
		if IsAssistantRole(entries[i].Role) && strings.TrimSpace(entries[i].Content) != "" {
			return entries[i], true, nil
		}
	}
	return Entry{}, false, nil
}

func (p *documentProvider) History(count int) ([]Entry, error) {
	_, entries, err := p.load()
	if err != nil {
		return nil, err
	}
	return tailEntries(entries, count), nil
}

func (p *documentProvider) load() (string, []Entry, error) {
	path, err := p.find()
	if err != nil {
		return "", nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil, ErrNoTranscript
		}
		return "", nil, err
	}
	return path, p.parse(data), nil
}

func newestIn(root string, files []string) (string, error) {
	if _, err := os.Stat(root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNoTranscript
		}
		return "", err
	}
	return newestFile(files)
}

func parseGeminiChat(data []byte) []Entry {
	var document struct {
		Messages []documentMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &document); err != nil {
		return nil
	}
	return toEntries(document.Messages)
}

func parseOpenCodeSession(data []byte) []Entry {
	var document struct {
		Messages []documentMessage `json:"messages"`
		Turns    []documentMessage `json:"turns"`
	}
	if err := json.Unmarshal(data, &document); err != nil {
		return nil
	}
	if document.Messages != nil {
		return toEntries(document.Messages)
	}
	return toEntries(document.Turns)
}

// toEntries keeps message indexes stable: every message occupies one slot,
// even when it carries no role.
func toEntries(messages []documentMessage) []Entry {
	entries := make([]Entry, 0, len(messages))
	for index, message := range messages {
		role := message.Role
		if role == "" {
			role = message.Type
		}
		timestamp := message.Timestamp
		if timestamp == "" {
			timestamp = message.CreatedAt
		}
		entries = append(entries, Entry{
			Role:      role,
			Content:   decodeContent(message.Content),
			Offset:    int64(index + 1),
			Timestamp: parseTimestamp(timestamp),
		})
	}
	return entries
}
