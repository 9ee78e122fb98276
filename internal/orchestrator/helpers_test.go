package orchestrator

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"ptybridge/internal/agent"
	"ptybridge/internal/event"
	"ptybridge/internal/metrics"
	"ptybridge/internal/pty"
)

var askPattern = regexp.MustCompile(`\[ask:([^\]]+)\] (.*) \(end your reply`)

func reverse(value string) string {
	runes := []rune(value)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

// fakeAgent is a pseudo-terminal stand-in. With auto set it answers every
// framed prompt with the reversed message; otherwise the test replies via
// Reply.
type fakeAgent struct {
	mu      sync.Mutex
	pending strings.Builder
	lines   []string
	raw     []string
	auto    bool
	echo    bool

	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeAgent(banner string, auto, echo bool) *fakeAgent {
	a := &fakeAgent{
		auto:   auto,
		echo:   echo,
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	if banner != "" {
		a.out <- []byte(banner)
	}
	return a
}

func (a *fakeAgent) Emit(text string) {
	a.out <- []byte(text)
}

// Reply answers the nth submitted prompt (zero based).
func (a *fakeAgent) Reply(t *testing.T, n int) {
	t.Helper()
	line := a.waitLines(t, n+1)[n]
	match := askPattern.FindStringSubmatch(line)
	if match == nil {
		t.Fatalf("line %q is not a framed prompt", line)
	}
	a.Emit(reverse(match[2]) + "\r\n[done:" + match[1] + "]\r\n")
}

func (a *fakeAgent) Read(data []byte) (int, error) {
	select {
	case chunk := <-a.out:
		return copy(data, chunk), nil
	default:
	}
	select {
	case chunk := <-a.out:
		return copy(data, chunk), nil
	case <-a.closed:
		return 0, io.EOF
	}
}

func (a *fakeAgent) Write(data []byte) (int, error) {
	select {
	case <-a.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.raw = append(a.raw, string(data))
	for _, r := range string(data) {
		if r != '\r' {
			a.pending.WriteRune(r)
			continue
		}
		line := a.pending.String()
		a.pending.Reset()
		a.lines = append(a.lines, line)
		var output strings.Builder
		if a.echo || a.auto {
			output.WriteString(line + "\r\n")
		}
		if a.auto {
			if match := askPattern.FindStringSubmatch(line); match != nil {
				output.WriteString(reverse(match[2]) + "\r\n[done:" + match[1] + "]\r\n")
			}
		}
		if output.Len() > 0 {
			a.out <- []byte(output.String())
		}
	}
	return len(data), nil
}

func (a *fakeAgent) Close() error {
	a.once.Do(func() { close(a.closed) })
	return nil
}

func (a *fakeAgent) Resize(cols, rows uint16) error {
	return nil
}

func (a *fakeAgent) Lines() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.lines...)
}

func (a *fakeAgent) RawWrites() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.raw...)
}

func (a *fakeAgent) waitLines(t *testing.T, n int) []string {
	t.Helper()
	var lines []string
	waitFor(t, 2*time.Second, func() bool {
		lines = a.Lines()
		return len(lines) >= n
	}, "agent to receive %d lines", n)
	return lines
}

// fakeFactory builds a new fakeAgent for every start, keyed by command.
type fakeFactory struct {
	mu     sync.Mutex
	build  func(command pty.Command) (*fakeAgent, error)
	starts map[string]int
	agents []*fakeAgent
}

func newFakeFactory(build func(command pty.Command) (*fakeAgent, error)) *fakeFactory {
	return &fakeFactory{build: build, starts: map[string]int{}}
}

func (f *fakeFactory) Start(command pty.Command) (pty.Pty, *exec.Cmd, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts[command.Path]++
	fake, err := f.build(command)
	if err != nil {
		return nil, nil, err
	}
	f.agents = append(f.agents, fake)
	return fake, nil, nil
}

func (f *fakeFactory) Starts(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[path]
}

func (f *fakeFactory) Agent(t *testing.T, n int) *fakeAgent {
	t.Helper()
	var fake *fakeAgent
	waitFor(t, 2*time.Second, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.agents) > n {
			fake = f.agents[n]
			return true
		}
		return false
	}, "agent %d to start", n)
	return fake
}

var errNoBinary = errors.New("no such file or directory")

func testDescriptor(command string) agent.Descriptor {
	return agent.Descriptor{Command: command, ReadyPattern: "READY", Fallback: agent.FallbackNone}
}

func newTestManager(t *testing.T, factory pty.Factory, agents map[string]agent.Descriptor, tweak func(*Options)) *Manager {
	t.Helper()
	registry, err := agent.NewRegistry(agents)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	opts := Options{
		Registry: registry,
		Timeouts: agent.Timeouts{
			Default: 5 * time.Second,
			Max:     30 * time.Second,
			Startup: 2 * time.Second,
			Settle:  200 * time.Millisecond,
		},
		MaxStuck:        time.Minute,
		StartRetryDelay: 10 * time.Millisecond,
		TerminateGrace:  200 * time.Millisecond,
		Factory:         factory,
		Metrics:         &metrics.Registry{},
	}
	if tweak != nil {
		tweak(&opts)
	}
	manager := NewManager(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})
	return manager
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for "+format, args...)
}

func waitForState(t *testing.T, manager *Manager, name string, state State) Status {
	t.Helper()
	var status Status
	waitFor(t, 5*time.Second, func() bool {
		var err error
		status, err = manager.Status(name)
		return err == nil && status.State == state
	}, "%s to be %s", name, state)
	return status
}

func requireKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := KindOf(err); got != kind {
		t.Fatalf("expected %s error, got %s (%v)", kind, got, err)
	}
}

func countEvents(bus *event.Bus[event.AgentEvent], eventType string) int {
	count := 0
	for _, agentEvent := range bus.History(0) {
		if agentEvent.EventType == eventType {
			count++
		}
	}
	return count
}
