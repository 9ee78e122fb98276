package logging

import (
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBufferSize = 1000

	// MaxFieldBytes bounds each context value. Replies and terminal tails
	// can be megabytes long.
	MaxFieldBytes = 2048

	redactedMarker = "[redacted]"
)

// sink is shared by a logger and everything derived from it with With.
type sink struct {
	buffer *LogBuffer
	hub    *LogHub

	mu      sync.Mutex
	out     io.Writer
	secrets []string
}

type Logger struct {
	sink     *sink
	minLevel Level
	base     map[string]string
}

// NewLogger writes to stderr. Stdout belongs to the stdio tool transport.
func NewLogger(buffer *LogBuffer, minLevel Level) *Logger {
	return NewLoggerWithOutput(buffer, minLevel, os.Stderr)
}

func NewLoggerWithOutput(buffer *LogBuffer, minLevel Level, output io.Writer) *Logger {
	if buffer == nil {
		buffer = NewLogBuffer(DefaultBufferSize)
	}
	if output == nil {
		output = io.Discard
	}
	return &Logger{
		sink:     &sink{buffer: buffer, hub: NewLogHub(), out: output},
		minLevel: normalizeLevel(minLevel),
	}
}

// Nop returns a logger that drops everything.
func Nop() *Logger {
	return NewLoggerWithOutput(NewLogBuffer(1), LevelError, io.Discard)
}

func (l *Logger) Buffer() *LogBuffer {
	if l == nil {
		return nil
	}
	return l.sink.buffer
}

// Subscribe streams entries logged from now on until cancel is called.
func (l *Logger) Subscribe() (<-chan LogEntry, func()) {
	if l == nil {
		return nil, func() {}
	}
	return l.sink.hub.Subscribe(0)
}

func (l *Logger) With(fields map[string]string) *Logger {
	if l == nil {
		return l
	}
	return &Logger{sink: l.sink, minLevel: l.minLevel, base: cloneFields(l.base, fields)}
}

// Component tags every entry with the component name.
func (l *Logger) Component(name string) *Logger {
	return l.With(map[string]string{FieldComponent: name})
}

// Redact masks secret in every later message and field value, for all
// loggers sharing this one's output.
func (l *Logger) Redact(secret string) {
	if l == nil || strings.TrimSpace(secret) == "" {
		return
	}
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.secrets = append(l.sink.secrets, secret)
}

func (l *Logger) Debug(message string, fields map[string]string) {
	l.log(LevelDebug, message, fields)
}

func (l *Logger) Info(message string, fields map[string]string) {
	l.log(LevelInfo, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]string) {
	l.log(LevelWarning, message, fields)
}

func (l *Logger) Error(message string, fields map[string]string) {
	l.log(LevelError, message, fields)
}

func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		return false
	}
	return AtLeast(level, l.minLevel)
}

func (l *Logger) log(level Level, message string, fields map[string]string) {
	if !l.Enabled(level) {
		return
	}

	s := l.sink
	s.mu.Lock()
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   s.scrub(message),
		Context:   cloneFields(l.base, fields),
	}
	for key, value := range entry.Context {
		entry.Context[key] = truncate(s.scrub(value))
	}
	_, _ = io.WriteString(s.out, formatEntry(entry))
	s.mu.Unlock()

	s.buffer.Add(entry)
	s.hub.Broadcast(entry)
}

func (s *sink) scrub(value string) string {
	for _, secret := range s.secrets {
		value = strings.ReplaceAll(value, secret, redactedMarker)
	}
	return value
}

func truncate(value string) string {
	if len(value) <= MaxFieldBytes {
		return value
	}
	cut := MaxFieldBytes
	for cut > 0 && !isRuneStart(value[cut]) {
		cut--
	}
	return value[:cut] + "...(" + strconv.Itoa(len(value)) + " bytes)"
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

func normalizeLevel(level Level) Level {
	if parsed, ok := ParseLevel(string(level)); ok {
		return parsed
	}
	return LevelInfo
}

func levelRank(level Level) int {
	switch level {
	case LevelDebug:
		return 0
	case LevelWarning:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

// AtLeast reports whether level is at least as severe as threshold.
func AtLeast(level, threshold Level) bool {
	return levelRank(level) >= levelRank(threshold)
}

func ParseLevel(value string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warning", "warn":
		return LevelWarning, true
	case "error":
		return LevelError, true
	default:
		return "", false
	}
}

func cloneFields(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	combined := make(map[string]string, len(base)+len(extra))
	for key, value := range base {
		combined[key] = value
	}
	for key, value := range extra {
		combined[key] = value
	}
	return combined
}

// formatEntry renders one logfmt line: time, level, msg, then context keys
// in sorted order.
func formatEntry(entry LogEntry) string {
	var builder strings.Builder
	builder.WriteString("time=")
	builder.WriteString(entry.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"))
	builder.WriteString(" level=")
	builder.WriteString(string(entry.Level))
	builder.WriteString(" msg=")
	builder.WriteString(strconv.Quote(entry.Message))

	keys := make([]string, 0, len(entry.Context))
	for key := range entry.Context {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		builder.WriteByte(' ')
		builder.WriteString(key)
		builder.WriteByte('=')
		builder.WriteString(strconv.Quote(entry.Context[key]))
	}
	builder.WriteByte('\n')
	return builder.String()
}
