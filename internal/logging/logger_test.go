package logging

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestLoggerWritesToBuffer(t *testing.T) {
	buffer := NewLogBuffer(10)
	logger := NewLoggerWithOutput(buffer, LevelInfo, io.Discard)

	logger.Info("agent ready", map[string]string{FieldAgent: "codex"})

	entries := buffer.List()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Level != LevelInfo || entries[0].Message != "agent ready" {
		t.Fatalf("unexpected entry %+v", entries[0])
	}
	if entries[0].Context[FieldAgent] != "codex" {
		t.Fatalf("expected agent context, got %v", entries[0].Context)
	}
}

func TestLoggerFiltersByLevel(t *testing.T) {
	buffer := NewLogBuffer(10)
	logger := NewLoggerWithOutput(buffer, LevelWarning, io.Discard)

	logger.Debug("debug", nil)
	logger.Info("info", nil)
	logger.Warn("warn", nil)
	logger.Error("error", nil)

	entries := buffer.List()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != LevelWarning || entries[1].Level != LevelError {
		t.Fatalf("unexpected levels %q %q", entries[0].Level, entries[1].Level)
	}
}

func TestLoggerComponentContextIsInherited(t *testing.T) {
	var out bytes.Buffer
	logger := NewLoggerWithOutput(NewLogBuffer(10), LevelDebug, &out).Component("pty")
	logger.With(map[string]string{FieldAgent: "gemini"}).Debug("spawned", map[string]string{"pid": "42"})

	line := out.String()
	for _, want := range []string{`level=debug`, `msg="spawned"`, `agent="gemini"`, `component="pty"`, `pid="42"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %s in %q", want, line)
		}
	}
	if strings.Index(line, "agent=") > strings.Index(line, "component=") {
		t.Fatalf("expected sorted keys in %q", line)
	}
}

func TestLoggerStreamDeliversEntries(t *testing.T) {
	logger := NewLoggerWithOutput(NewLogBuffer(50), LevelInfo, io.Discard)
	output, cancel := logger.Subscribe()
	defer cancel()

	const total = 50
	for i := 0; i < total; i++ {
		logger.Info("message", nil)
	}

	received := 0
	deadline := time.After(2 * time.Second)
	for received < total {
		select {
		case <-output:
			received++
		case <-deadline:
			t.Fatalf("timed out after receiving %d entries", received)
		}
	}
}

func TestLogBufferTail(t *testing.T) {
	buffer := NewLogBuffer(3)
	logger := NewLoggerWithOutput(buffer, LevelInfo, io.Discard)
	for _, message := range []string{"a", "b", "c", "d"} {
		logger.Info(message, nil)
	}
	tail := buffer.Tail(2)
	if len(tail) != 2 || tail[0].Message != "c" || tail[1].Message != "d" {
		t.Fatalf("unexpected tail %+v", tail)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": LevelDebug, " WARN ": LevelWarning, "warning": LevelWarning, "error": LevelError, "info": LevelInfo}
	for input, want := range cases {
		got, ok := ParseLevel(input)
		if !ok || got != want {
			t.Fatalf("ParseLevel(%q) = %q, %v", input, got, ok)
		}
	}
	if _, ok := ParseLevel("loud"); ok {
		t.Fatalf("expected unknown level to fail")
	}
}

func TestHubCloseEndsSubscriptions(t *testing.T) {
	hub := NewLogHub()
	ch, cancel := hub.Subscribe(1)
	hub.Close()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	cancel()
	late, _ := hub.Subscribe(1)
	if _, ok := <-late; ok {
		t.Fatalf("expected closed channel after hub close")
	}
}

func TestRedactMasksSecretsInDerivedLoggers(t *testing.T) {
	var out bytes.Buffer
	buffer := NewLogBuffer(10)
	root := NewLoggerWithOutput(buffer, LevelInfo, &out)
	api := root.Component("api")
	root.Redact("tok-123")

	api.Info("rejected tok-123", map[string]string{"query": "token=tok-123"})

	if strings.Contains(out.String(), "tok-123") {
		t.Fatalf("secret leaked to output: %q", out.String())
	}
	entry := buffer.List()[0]
	if entry.Message != "rejected [redacted]" || entry.Context["query"] != "token=[redacted]" {
		t.Fatalf("secret leaked to buffer: %+v", entry)
	}
}

func TestLongFieldsAreTruncated(t *testing.T) {
	buffer := NewLogBuffer(10)
	logger := NewLoggerWithOutput(buffer, LevelInfo, io.Discard)
	tail := strings.Repeat("é", MaxFieldBytes)

	logger.Warn("agent failed to start", map[string]string{"output_tail": tail})

	got := buffer.List()[0].Context["output_tail"]
	if len(got) > MaxFieldBytes+32 {
		t.Fatalf("field not truncated: %d bytes", len(got))
	}
	if !strings.HasSuffix(got, "...(4096 bytes)") {
		t.Fatalf("expected size suffix, got %q", got[len(got)-20:])
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncation split a rune")
	}
}

func TestOutputLineHasTimestamp(t *testing.T) {
	var out bytes.Buffer
	NewLoggerWithOutput(nil, LevelInfo, &out).Info("ready", nil)
	line := out.String()
	if !strings.HasPrefix(line, "time=") || !strings.HasSuffix(line, "msg=\"ready\"\n") {
		t.Fatalf("unexpected line %q", line)
	}
}
