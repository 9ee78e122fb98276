package transcript

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string, modTime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()
	if _, err := file.WriteString(content); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestNewRejectsStreamAndUnknownSources(t *testing.T) {
	if _, err := New(Options{Source: "stream"}); err == nil {
		t.Fatalf("expected error for stream source")
	}
	if _, err := New(Options{Source: "bogus"}); err == nil {
		t.Fatalf("expected error for unknown source")
	}
	provider, err := New(Options{Source: "Codex", LogPath: t.TempDir()})
	if err != nil {
		t.Fatalf("new codex: %v", err)
	}
	if provider.Name() != SourceCodex {
		t.Fatalf("unexpected provider %q", provider.Name())
	}
}

func TestCodexMissingDirectoryReportsNoTranscript(t *testing.T) {
	provider, err := New(Options{Source: SourceCodex, LogPath: filepath.Join(t.TempDir(), "missing")})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := provider.Offset(); !errors.Is(err, ErrNoTranscript) {
		t.Fatalf("expected ErrNoTranscript, got %v", err)
	}
}

func TestCodexLatestReplyAfterOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2026", "01", "02", "rollout-a.jsonl")
	writeFile(t, path,
		`{"role":"user","content":"first"}`+"\n"+
			`{"role":"assistant","content":"old answer"}`+"\n",
		time.Now())

	provider, err := New(Options{Source: SourceCodex, LogPath: dir})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	offset, err := provider.Offset()
	if err != nil {
		t.Fatalf("offset: %v", err)
	}
	if _, ok, err := provider.LatestReply(offset); err != nil || ok {
		t.Fatalf("expected no reply after cursor, ok=%v err=%v", ok, err)
	}

	appendFile(t, path,
		`{"role":"user","content":"second"}`+"\n"+
			`{"type":"response_item","timestamp":"2026-01-02T03:04:05Z","payload":{"type":"message","role":"assistant","content":[{"type":"output_text","text":"new answer"}]}}`+"\n"+
			`{"role":"assistant","content":"partial`)

	entry, ok, err := provider.LatestReply(offset)
	if err != nil || !ok {
		t.Fatalf("expected reply, ok=%v err=%v", ok, err)
	}
	if entry.Content != "new answer" {
		t.Fatalf("unexpected content %q", entry.Content)
	}
	if entry.Timestamp.IsZero() {
		t.Fatalf("expected parsed timestamp")
	}
	if entry.Offset <= offset {
		t.Fatalf("expected offset past cursor, got %d <= %d", entry.Offset, offset)
	}
}

func TestCodexPicksNewestRollout(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeFile(t, filepath.Join(dir, "old.jsonl"), `{"role":"assistant","content":"old"}`+"\n", now.Add(-time.Hour))
	writeFile(t, filepath.Join(dir, "nested", "new.jsonl"), `{"role":"assistant","content":"new"}`+"\n", now)

	provider, _ := New(Options{Source: SourceCodex, LogPath: dir})
	entry, ok, err := provider.LatestReply(0)
	if err != nil || !ok {
		t.Fatalf("expected reply, ok=%v err=%v", ok, err)
	}
	if entry.Content != "new" {
		t.Fatalf("expected newest rollout, got %q", entry.Content)
	}
}

func TestCodexResetsCursorWhenRolloutChanges(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeFile(t, filepath.Join(dir, "a.jsonl"), strings.Repeat(`{"role":"user","content":"padding"}`+"\n", 10), now.Add(-time.Hour))

	provider, _ := New(Options{Source: SourceCodex, LogPath: dir})
	offset, err := provider.Offset()
	if err != nil {
		t.Fatalf("offset: %v", err)
	}

	writeFile(t, filepath.Join(dir, "b.jsonl"), `{"role":"assistant","content":"fresh"}`+"\n", now)
	entry, ok, err := provider.LatestReply(offset)
	if err != nil || !ok {
		t.Fatalf("expected reply from new rollout, ok=%v err=%v", ok, err)
	}
	if entry.Content != "fresh" {
		t.Fatalf("unexpected content %q", entry.Content)
	}
}

func TestCodexStateDatabaseSelectsRollout(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	active := filepath.Join(dir, "sessions", "active.jsonl")
	writeFile(t, active, `{"role":"assistant","content":"from state"}`+"\n", now.Add(-time.Hour))
	writeFile(t, filepath.Join(dir, "sessions", "newer.jsonl"), `{"role":"assistant","content":"newer"}`+"\n", now)

	dbPath := filepath.Join(dir, "state.sqlite")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE threads (id TEXT, rollout_path TEXT)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO threads (id, rollout_path) VALUES ('t1', ?)`, active); err != nil {
		t.Fatalf("insert: %v", err)
	}
	db.Close()

	provider, _ := New(Options{Source: SourceCodex, LogPath: filepath.Join(dir, "sessions"), StateDB: dbPath})
	entry, ok, err := provider.LatestReply(0)
	if err != nil || !ok {
		t.Fatalf("expected reply, ok=%v err=%v", ok, err)
	}
	if entry.Content != "from state" {
		t.Fatalf("expected rollout named by state db, got %q", entry.Content)
	}
}

func TestCodexHistoryReturnsTail(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "r.jsonl"),
		`{"role":"user","content":"one"}`+"\n"+
			`{"role":"assistant","content":"two"}`+"\n"+
			"not json\n"+
			`{"role":"user","content":"three"}`+"\n",
		time.Now())

	provider, _ := New(Options{Source: SourceCodex, LogPath: dir})
	history, err := provider.History(2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Content != "two" || history[1].Content != "three" {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestGeminiUsesMessageIndexCursor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "abc123", "chats", "session.json")
	writeFile(t, path, `{"messages":[{"role":"user","content":"hi"},{"role":"model","content":"hello"}]}`, time.Now())

	provider, _ := New(Options{Source: SourceGemini, LogPath: dir})
	offset, err := provider.Offset()
	if err != nil {
		t.Fatalf("offset: %v", err)
	}
	if offset != 2 {
		t.Fatalf("expected offset 2, got %d", offset)
	}
	if _, ok, _ := provider.LatestReply(offset); ok {
		t.Fatalf("expected no reply after cursor")
	}

	writeFile(t, path, `{"messages":[{"role":"user","content":"hi"},{"role":"model","content":"hello"},`+
		`{"type":"user","content":"again"},{"type":"gemini","content":[{"text":"second reply"}]}]}`, time.Now())
	entry, ok, err := provider.LatestReply(offset)
	if err != nil || !ok {
		t.Fatalf("expected reply, ok=%v err=%v", ok, err)
	}
	if entry.Content != "second reply" || entry.Offset != 4 {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestOpenCodeReadsTurns(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "ses_1.json"),
		`{"turns":[{"role":"user","content":"q","created_at":"2026-03-01T10:00:00Z"},{"role":"assistant","content":"a","created_at":"2026-03-01T10:00:05Z"}]}`,
		time.Now())

	provider, _ := New(Options{Source: SourceOpenCode, LogPath: dir})
	entry, ok, err := provider.LatestReply(0)
	if err != nil || !ok {
		t.Fatalf("expected reply, ok=%v err=%v", ok, err)
	}
	if entry.Content != "a" {
		t.Fatalf("unexpected content %q", entry.Content)
	}
	want := time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)
	if !entry.Timestamp.Equal(want) {
		t.Fatalf("unexpected timestamp %v", entry.Timestamp)
	}
}

func TestOpenCodeEmptyDirectory(t *testing.T) {
	provider, _ := New(Options{Source: SourceOpenCode, LogPath: t.TempDir()})
	if _, _, err := provider.LatestReply(0); !errors.Is(err, ErrNoTranscript) {
		t.Fatalf("expected ErrNoTranscript, got %v", err)
	}
}

func TestPathConversions(t *testing.T) {
	if got := ToWSLPath(`C:\Users\test\file.txt`); got != "/mnt/c/Users/test/file.txt" {
		t.Fatalf("unexpected wsl path %q", got)
	}
	if got := ToWindowsPath("/mnt/c/Users/test/file.txt"); got != `C:\Users\test\file.txt` {
		t.Fatalf("unexpected windows path %q", got)
	}
	if got := ToWindowsPath("/home/user"); got != "/home/user" {
		t.Fatalf("expected unchanged path, got %q", got)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandHome("~/.codex"); got != filepath.Join(home, ".codex") {
		t.Fatalf("unexpected expansion %q", got)
	}
	if got := ExpandHome("/abs/~x"); got != "/abs/~x" {
		t.Fatalf("expected unchanged path, got %q", got)
	}
}
