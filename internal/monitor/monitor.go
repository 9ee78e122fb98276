// Package monitor turns an agent's terminal output, and optionally the
// transcript file it writes, into readiness, reply and exit events.
package monitor

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ptybridge/internal/logging"
	"ptybridge/internal/pty"
	"ptybridge/internal/sentinel"
	"ptybridge/internal/transcript"
	"ptybridge/internal/watcher"
)

type Kind string

const (
	KindReady        Kind = "ready"
	KindReply        Kind = "reply"
	KindStartupError Kind = "startup_error"
	KindExited       Kind = "exited"
)

type FallbackPolicy string

const (
	FallbackNone   FallbackPolicy = "none"
	FallbackLatest FallbackPolicy = "latest"
)

const (
	DefaultSettle       = 3 * time.Second
	DefaultPollInterval = time.Second
	subscriberBuffer    = 4096
	maxStartupText      = 64 * 1024
	maxTurnText         = 4 * 1024 * 1024
	transcriptFailures  = 3
	startupTailLines    = 20
	startupTailBytes    = 2048
)

// Event is one semantic observation about the agent.
type Event struct {
	Kind Kind
	// Sentinel is the request id a reply belongs to.
	Sentinel string
	Text     string
	// Fallback marks a reply delivered after the settle period without a
	// done marker.
	Fallback bool
	Err      error
}

// Source is the process output a monitor observes.
type Source interface {
	Attach(size int) ([]byte, <-chan []byte, func())
	Done() <-chan struct{}
	Err() error
}

type Config struct {
	Source   Source
	Protocol *sentinel.Protocol
	// ReadyPattern marks the end of startup. Without one the first output
	// chunk counts as ready.
	ReadyPattern  *regexp.Regexp
	ErrorPatterns []*regexp.Regexp
	// Transcript is nil for agents whose replies are read from the terminal.
	Transcript   transcript.Provider
	Watcher      watcher.Watch
	Fallback     FallbackPolicy
	Settle       time.Duration
	PollInterval time.Duration
	Logger       *logging.Logger
}

type turn struct {
	id        string
	scanner   *sentinel.Scanner
	since     int64
	hadFile   bool
	failures  int
	candidate string
}

// Monitor watches one process lifetime. Events are delivered in order on
// Events; the channel closes after KindExited.
type Monitor struct {
	cfg    Config
	logger *logging.Logger
	events chan Event
	stop   chan struct{}
	signal chan struct{}
	done   chan struct{}

	activity atomic.Uint64

	mu        sync.Mutex
	ready     bool
	startup   strings.Builder
	stripper  *pty.ANSIStripper
	pendingCR bool
	current   *turn
	settle    *time.Timer
	watch     watcher.Handle

	stopOnce sync.Once
}

// Start subscribes to the source and begins emitting events.
func Start(cfg Config) *Monitor {
	if cfg.Protocol == nil {
		cfg.Protocol = sentinel.MustNew(sentinel.Options{})
	}
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Fallback == "" {
		cfg.Fallback = FallbackLatest
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	m := &Monitor{
		cfg:      cfg,
		logger:   logger.Component("monitor"),
		events:   make(chan Event, 8),
		stop:     make(chan struct{}),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		stripper: pty.NewANSIStripper(),
	}
	backlog, output, cancel := cfg.Source.Attach(subscriberBuffer)
	m.watchTranscript()
	go m.run(backlog, output, cancel)
	return m
}

func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Activity counts output chunks seen since start. A value that does not
// change across an interval means the process printed nothing.
func (m *Monitor) Activity() uint64 {
	return m.activity.Load()
}

// Expect arms reply detection for id. Call it before writing the prompt so
// the transcript cursor and stream capture start ahead of the echo.
func (m *Monitor) Expect(id string) {
	next := &turn{id: id, scanner: m.cfg.Protocol.NewScanner(id, maxTurnText)}
	if m.cfg.Transcript != nil {
		offset, err := m.cfg.Transcript.Offset()
		switch {
		case err == nil:
			next.since = offset
			next.hadFile = true
		case !errors.Is(err, transcript.ErrNoTranscript):
			m.logger.Warn("transcript offset failed", map[string]string{
				logging.FieldError: err.Error(),
			})
		}
	}

	m.mu.Lock()
	m.current = next
	m.stopSettleLocked()
	m.mu.Unlock()
}

// Disarm stops looking for the reply to id. Later output for it is ignored.
func (m *Monitor) Disarm(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.id == id {
		m.current = nil
		m.stopSettleLocked()
	}
}

// Close stops the monitor without waiting for the process to exit.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	<-m.done
}

func (m *Monitor) run(backlog []byte, output <-chan []byte, cancel func()) {
	defer close(m.done)
	defer close(m.events)
	defer cancel()
	defer m.cleanup()

	var poll <-chan time.Time
	if m.cfg.Transcript != nil {
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	if len(backlog) > 0 {
		m.activity.Add(1)
		if !m.emitAll(m.handleChunk(backlog)) {
			return
		}
	}

	exited := m.cfg.Source.Done()
	for {
		select {
		case <-m.stop:
			return
		case chunk, ok := <-output:
			if !ok {
				output = nil
				continue
			}
			m.activity.Add(1)
			if !m.emitAll(m.handleChunk(chunk)) {
				return
			}
		case <-exited:
			m.drain(output)
			m.emit(Event{Kind: KindExited, Err: m.cfg.Source.Err()})
			return
		case <-m.signal:
			if !m.scanAndEmit() {
				return
			}
		case <-poll:
			m.watchTranscript()
			if !m.scanAndEmit() {
				return
			}
		case <-m.settleC():
			if !m.emitAll(m.settleFired()) {
				return
			}
		}
	}
}

// drain processes output already buffered when the process exited so a
// final reply printed just before exit is still delivered.
func (m *Monitor) drain(output <-chan []byte) {
	if output == nil {
		return
	}
	for {
		select {
		case chunk, ok := <-output:
			if !ok {
				return
			}
			m.activity.Add(1)
			for _, event := range m.handleChunk(chunk) {
				m.emit(event)
			}
		default:
			return
		}
	}
}

func (m *Monitor) handleChunk(chunk []byte) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	text := m.normalizeLocked(string(m.stripper.Write(chunk)))
	if text == "" {
		return nil
	}

	var events []Event
	if !m.ready {
		if event, ok := m.checkStartupLocked(text); ok {
			events = append(events, event)
		}
	}

	current := m.current
	if current == nil {
		return events
	}
	if reply, ok := current.scanner.Feed(text); ok {
		events = append(events, m.completeLocked(reply, false))
		return events
	}
	if m.cfg.Transcript == nil && m.cfg.Fallback == FallbackLatest &&
		strings.TrimSpace(text) != "" && current.scanner.HasCandidate() {
		m.stopSettleLocked()
		m.settle = time.NewTimer(m.cfg.Settle)
	}
	return events
}

func (m *Monitor) checkStartupLocked(text string) (Event, bool) {
	appendCapped(&m.startup, text, maxStartupText)
	startup := m.startup.String()
	for _, pattern := range m.cfg.ErrorPatterns {
		if pattern.MatchString(startup) {
			m.ready = true
			return Event{Kind: KindStartupError, Text: m.startupTailLocked()}, true
		}
	}
	if m.cfg.ReadyPattern == nil || m.cfg.ReadyPattern.MatchString(startup) {
		m.ready = true
		m.startup.Reset()
		return Event{Kind: KindReady}, true
	}
	return Event{}, false
}

// StartupTail returns the last lines printed before readiness.
func (m *Monitor) StartupTail() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startupTailLocked()
}

func (m *Monitor) startupTailLocked() string {
	lines := strings.Split(strings.TrimRight(m.startup.String(), "\n"), "\n")
	return pty.OutputTail(lines, startupTailLines, startupTailBytes)
}

func (m *Monitor) scanAndEmit() bool {
	events := m.scanTranscript()
	return m.emitAll(events)
}

func (m *Monitor) scanTranscript() []Event {
	provider := m.cfg.Transcript
	if provider == nil {
		return nil
	}
	m.mu.Lock()
	current := m.current
	var id string
	var since int64
	if current != nil {
		id = current.id
		since = current.since
	}
	m.mu.Unlock()
	if current == nil {
		return nil
	}

	entry, found, err := provider.LatestReply(since)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != current {
		return nil
	}
	if err != nil {
		if errors.Is(err, transcript.ErrNoTranscript) && !current.hadFile {
			return nil
		}
		current.failures++
		m.logger.Warn("transcript read failed", map[string]string{
			logging.FieldError: err.Error(),
			"attempt":          strconv.Itoa(current.failures),
		})
		if current.failures >= transcriptFailures {
			m.current = nil
			m.stopSettleLocked()
			return []Event{{Kind: KindExited, Err: &TranscriptError{Path: provider.WatchPath(), Err: err}}}
		}
		return nil
	}
	current.failures = 0
	current.hadFile = true
	if !found {
		return nil
	}
	if reply, ok := m.cfg.Protocol.ExtractEntry(entry.Content, id); ok {
		return []Event{m.completeLocked(reply, false)}
	}
	if m.cfg.Fallback == FallbackLatest {
		m.updateCandidateLocked(strings.TrimSpace(entry.Content))
	}
	return nil
}

func (m *Monitor) settleFired() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settle = nil
	current := m.current
	if current == nil {
		return nil
	}
	candidate := current.candidate
	if m.cfg.Transcript == nil {
		candidate = current.scanner.Candidate()
	}
	if candidate == "" {
		return nil
	}
	return []Event{m.completeLocked(candidate, true)}
}

// updateCandidateLocked restarts the settle timer whenever the candidate
// changes. Empty candidates never arm it.
func (m *Monitor) updateCandidateLocked(candidate string) {
	current := m.current
	if candidate == current.candidate {
		return
	}
	current.candidate = candidate
	m.stopSettleLocked()
	if candidate != "" {
		m.settle = time.NewTimer(m.cfg.Settle)
	}
}

func (m *Monitor) completeLocked(text string, fallback bool) Event {
	id := m.current.id
	m.current = nil
	m.stopSettleLocked()
	return Event{Kind: KindReply, Sentinel: id, Text: text, Fallback: fallback}
}

func (m *Monitor) settleC() <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settle == nil {
		return nil
	}
	return m.settle.C
}

func (m *Monitor) stopSettleLocked() {
	if m.settle != nil {
		m.settle.Stop()
		m.settle = nil
	}
}

// normalizeLocked converts line endings, holding back a trailing CR so a
// CRLF split across chunks yields one newline.
func (m *Monitor) normalizeLocked(text string) string {
	if m.pendingCR {
		text = "\r" + text
		m.pendingCR = false
	}
	if strings.HasSuffix(text, "\r") {
		m.pendingCR = true
		text = text[:len(text)-1]
	}
	return pty.NormalizeNewlines(text)
}

func (m *Monitor) watchTranscript() {
	provider := m.cfg.Transcript
	if provider == nil || m.cfg.Watcher == nil {
		return
	}
	m.mu.Lock()
	registered := m.watch != nil
	m.mu.Unlock()
	if registered {
		return
	}
	handle, err := m.cfg.Watcher.Watch(provider.WatchPath(), func(watcher.Event) {
		select {
		case m.signal <- struct{}{}:
		default:
		}
	})
	if err != nil {
		m.logger.Debug("transcript watch unavailable", map[string]string{
			"path":             provider.WatchPath(),
			logging.FieldError: err.Error(),
		})
		return
	}
	m.mu.Lock()
	m.watch = handle
	m.mu.Unlock()
}

func (m *Monitor) cleanup() {
	m.mu.Lock()
	m.stopSettleLocked()
	handle := m.watch
	m.watch = nil
	m.mu.Unlock()
	if handle != nil {
		_ = handle.Close()
	}
}

func (m *Monitor) emitAll(events []Event) bool {
	for _, event := range events {
		if !m.emit(event) {
			return false
		}
		if event.Kind == KindExited {
			return false
		}
	}
	return true
}

func (m *Monitor) emit(event Event) bool {
	select {
	case m.events <- event:
		return true
	case <-m.stop:
		return false
	}
}

func appendCapped(builder *strings.Builder, text string, limit int) {
	builder.WriteString(text)
	if builder.Len() <= limit {
		return
	}
	kept := builder.String()
	kept = kept[len(kept)-limit/2:]
	builder.Reset()
	builder.WriteString(kept)
}

// TranscriptError reports a transcript that stopped being readable while a
// reply was expected.
type TranscriptError struct {
	Path string
	Err  error
}

func (e *TranscriptError) Error() string {
	return fmt.Sprintf("transcript %s unreadable: %v", e.Path, e.Err)
}

func (e *TranscriptError) Unwrap() error {
	return e.Err
}
