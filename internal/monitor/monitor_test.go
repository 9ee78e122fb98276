package monitor

import (
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"ptybridge/internal/transcript"
)

type fakeSource struct {
	backlog []byte
	output  chan []byte
	done    chan struct{}
	err     error
}

func newFakeSource(backlog string) *fakeSource {
	return &fakeSource{
		backlog: []byte(backlog),
		output:  make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (s *fakeSource) Attach(int) ([]byte, <-chan []byte, func()) {
	return s.backlog, s.output, func() {}
}

func (s *fakeSource) Done() <-chan struct{} { return s.done }

func (s *fakeSource) Err() error { return s.err }

func (s *fakeSource) send(text string) { s.output <- []byte(text) }

func (s *fakeSource) exit(err error) {
	s.err = err
	close(s.output)
	close(s.done)
}

type fakeTranscript struct {
	mu     sync.Mutex
	offset int64
	entry  transcript.Entry
	found  bool
	err    error
}

func (f *fakeTranscript) Name() string      { return "fake" }
func (f *fakeTranscript) WatchPath() string { return "/nonexistent" }

func (f *fakeTranscript) Offset() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset, nil
}

func (f *fakeTranscript) LatestReply(int64) (transcript.Entry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entry, f.found, f.err
}

func (f *fakeTranscript) History(int) ([]transcript.Entry, error) { return nil, nil }

func (f *fakeTranscript) set(content string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entry = transcript.Entry{Role: "assistant", Content: content}
	f.found = content != ""
	f.err = err
}

func nextEvent(t *testing.T, m *Monitor) Event {
	t.Helper()
	select {
	case event, ok := <-m.Events():
		if !ok {
			t.Fatalf("events closed")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func expectQuiet(t *testing.T, m *Monitor, wait time.Duration) {
	t.Helper()
	select {
	case event := <-m.Events():
		t.Fatalf("unexpected event %+v", event)
	case <-time.After(wait):
	}
}

func TestReadyDetectedOnce(t *testing.T) {
	source := newFakeSource("booting\n")
	m := Start(Config{Source: source, ReadyPattern: regexp.MustCompile(`ready>`)})
	defer m.Close()

	source.send("\x1b[32mready>\x1b[0m ")
	if event := nextEvent(t, m); event.Kind != KindReady {
		t.Fatalf("expected ready, got %+v", event)
	}
	source.send("ready> ready>\n")
	expectQuiet(t, m, 100*time.Millisecond)
}

func TestReplyExtractedAcrossChunks(t *testing.T) {
	source := newFakeSource("")
	m := Start(Config{Source: source, Fallback: FallbackNone})
	defer m.Close()

	source.send("> ")
	if event := nextEvent(t, m); event.Kind != KindReady {
		t.Fatalf("expected ready, got %+v", event)
	}

	m.Expect("abc-1")
	source.send("[ask:abc-1] hello (end your reply with a line containing only [done:abc-1])\r")
	source.send("\nolleh\r\n[do")
	source.send("ne:abc-1]\r\n> ")

	event := nextEvent(t, m)
	if event.Kind != KindReply || event.Sentinel != "abc-1" {
		t.Fatalf("expected reply for abc-1, got %+v", event)
	}
	if event.Text != "olleh" || event.Fallback {
		t.Fatalf("unexpected reply %+v", event)
	}
	if m.Activity() < 4 {
		t.Fatalf("expected activity to count chunks, got %d", m.Activity())
	}
}

func TestLongReplyStreamedInSmallChunks(t *testing.T) {
	source := newFakeSource("> ")
	m := Start(Config{Source: source, Fallback: FallbackNone})
	defer m.Close()
	nextEvent(t, m)

	m.Expect("big-1")
	source.send("[ask:big-1] dump (end your reply with a line containing only [done:big-1])\r\n")
	line := strings.Repeat("y", 99) + "\r\n"
	for range 20000 {
		source.send(line)
	}
	source.send("[done:big-1]\r\n")

	event := nextEvent(t, m)
	if event.Kind != KindReply || event.Sentinel != "big-1" {
		t.Fatalf("expected reply for big-1, got %+v", event.Kind)
	}
	if !strings.HasPrefix(event.Text, "yyy") || len(event.Text) > 2*1024*1024 {
		t.Fatalf("unexpected reply of %d bytes", len(event.Text))
	}
}

func TestSettleFallbackDeliversCandidate(t *testing.T) {
	source := newFakeSource("> ")
	m := Start(Config{Source: source, Settle: 50 * time.Millisecond})
	defer m.Close()
	if event := nextEvent(t, m); event.Kind != KindReady {
		t.Fatalf("expected ready, got %+v", event)
	}

	m.Expect("id-2")
	source.send("[ask:id-2] question\nanswer without marker\n")

	event := nextEvent(t, m)
	if event.Kind != KindReply || !event.Fallback {
		t.Fatalf("expected fallback reply, got %+v", event)
	}
	if event.Text != "answer without marker" {
		t.Fatalf("unexpected fallback text %q", event.Text)
	}
}

func TestEmptyCandidateNeverSettles(t *testing.T) {
	source := newFakeSource("> ")
	m := Start(Config{Source: source, Settle: 20 * time.Millisecond})
	defer m.Close()
	nextEvent(t, m)

	m.Expect("id-3")
	source.send("[ask:id-3] question\n   \n")
	expectQuiet(t, m, 150*time.Millisecond)
}

func TestFallbackNoneWaitsForMarker(t *testing.T) {
	source := newFakeSource("> ")
	m := Start(Config{Source: source, Fallback: FallbackNone, Settle: 20 * time.Millisecond})
	defer m.Close()
	nextEvent(t, m)

	m.Expect("id-4")
	source.send("[ask:id-4] question\npartial answer\n")
	expectQuiet(t, m, 150*time.Millisecond)
}

func TestDisarmIgnoresLateReply(t *testing.T) {
	source := newFakeSource("> ")
	m := Start(Config{Source: source, Fallback: FallbackNone})
	defer m.Close()
	nextEvent(t, m)

	m.Expect("old-1")
	m.Disarm("old-1")
	source.send("[ask:old-1] q\nlate\n[done:old-1]\n")
	expectQuiet(t, m, 100*time.Millisecond)
}

func TestStartupErrorPattern(t *testing.T) {
	source := newFakeSource("")
	m := Start(Config{
		Source:        source,
		ReadyPattern:  regexp.MustCompile(`ready`),
		ErrorPatterns: []*regexp.Regexp{regexp.MustCompile(`(?i)not logged in`)},
	})
	defer m.Close()

	source.send("Error: Not logged in\n")
	event := nextEvent(t, m)
	if event.Kind != KindStartupError {
		t.Fatalf("expected startup error, got %+v", event)
	}
	if event.Text != "Error: Not logged in" {
		t.Fatalf("unexpected startup tail %q", event.Text)
	}
	source.send("ready\n")
	expectQuiet(t, m, 100*time.Millisecond)
}

func TestExitDeliversBufferedReplyThenExited(t *testing.T) {
	source := newFakeSource("> ")
	m := Start(Config{Source: source, Fallback: FallbackNone})
	nextEvent(t, m)

	m.Expect("bye-1")
	source.send("[ask:bye-1] q\nfinal\n[done:bye-1]\n")
	source.exit(errors.New("exit status 1"))

	reply := nextEvent(t, m)
	if reply.Kind != KindReply || reply.Text != "final" {
		t.Fatalf("expected final reply, got %+v", reply)
	}
	exited := nextEvent(t, m)
	if exited.Kind != KindExited || exited.Err == nil {
		t.Fatalf("expected exited with error, got %+v", exited)
	}
	select {
	case _, ok := <-m.Events():
		if ok {
			t.Fatalf("expected events to close")
		}
	case <-time.After(time.Second):
		t.Fatalf("events did not close")
	}
}

func TestTranscriptReplyWithMarker(t *testing.T) {
	source := newFakeSource("> ")
	provider := &fakeTranscript{}
	m := Start(Config{
		Source:       source,
		Transcript:   provider,
		Fallback:     FallbackNone,
		PollInterval: 10 * time.Millisecond,
	})
	defer m.Close()
	nextEvent(t, m)

	m.Expect("tx-1")
	provider.set("working on it", nil)
	expectQuiet(t, m, 50*time.Millisecond)

	provider.set("the answer\n[done:tx-1]", nil)
	event := nextEvent(t, m)
	if event.Kind != KindReply || event.Text != "the answer" || event.Sentinel != "tx-1" {
		t.Fatalf("unexpected reply %+v", event)
	}
}

func TestTranscriptFallbackUsesLatestEntry(t *testing.T) {
	source := newFakeSource("> ")
	provider := &fakeTranscript{}
	m := Start(Config{
		Source:       source,
		Transcript:   provider,
		Settle:       40 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})
	defer m.Close()
	nextEvent(t, m)

	m.Expect("tx-2")
	provider.set("stable entry", nil)
	event := nextEvent(t, m)
	if event.Kind != KindReply || !event.Fallback || event.Text != "stable entry" {
		t.Fatalf("unexpected reply %+v", event)
	}
}

func TestTranscriptUnreadableEmitsExited(t *testing.T) {
	source := newFakeSource("> ")
	provider := &fakeTranscript{}
	m := Start(Config{
		Source:       source,
		Transcript:   provider,
		Fallback:     FallbackNone,
		PollInterval: 10 * time.Millisecond,
	})
	defer m.Close()
	nextEvent(t, m)

	m.Expect("tx-3")
	provider.set("", errors.New("permission denied"))

	event := nextEvent(t, m)
	if event.Kind != KindExited {
		t.Fatalf("expected exited, got %+v", event)
	}
	var transcriptErr *TranscriptError
	if !errors.As(event.Err, &transcriptErr) {
		t.Fatalf("expected TranscriptError, got %v", event.Err)
	}
}
