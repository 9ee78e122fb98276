package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"ptybridge/internal/agent"
	"ptybridge/internal/event"
	"ptybridge/internal/logging"
	"ptybridge/internal/metrics"
	"ptybridge/internal/orchestrator"
	"ptybridge/internal/pty"
)

// pipePty is a pseudo-terminal whose output the test feeds with Emit.
type pipePty struct {
	reader *io.PipeReader
	writer *io.PipeWriter

	mu    sync.Mutex
	input bytes.Buffer
	sizes [][2]uint16
}

func newPipePty() *pipePty {
	reader, writer := io.Pipe()
	return &pipePty{reader: reader, writer: writer}
}

func (p *pipePty) Read(data []byte) (int, error) {
	return p.reader.Read(data)
}

func (p *pipePty) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.Write(data)
}

func (p *pipePty) Close() error {
	_ = p.writer.Close()
	return nil
}

func (p *pipePty) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sizes = append(p.sizes, [2]uint16{cols, rows})
	return nil
}

func (p *pipePty) Emit(text string) {
	_, _ = p.writer.Write([]byte(text))
}

func (p *pipePty) Input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

func (p *pipePty) Sizes() [][2]uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][2]uint16(nil), p.sizes...)
}

type singleFactory struct {
	p pty.Pty
}

func (f singleFactory) Start(pty.Command) (pty.Pty, *exec.Cmd, error) {
	return f.p, nil, nil
}

func spawnHandle(t *testing.T, p *pipePty) *pty.Handle {
	t.Helper()
	handle, err := pty.Spawn(pty.Command{Path: "fake-agent"}, pty.Options{Factory: singleFactory{p: p}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = handle.Terminate() })
	return handle
}

type fakeBackend struct {
	mu       sync.Mutex
	statuses map[string]orchestrator.Status
	handles  map[string]*pty.Handle
	bus      *event.Bus[event.AgentEvent]
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	bus := event.NewBus[event.AgentEvent](context.Background(), event.BusOptions{Name: "agent_events", HistorySize: 16})
	t.Cleanup(bus.Close)
	return &fakeBackend{
		statuses: map[string]orchestrator.Status{
			"claude": {Agent: "claude", State: orchestrator.StateStopped, Source: "stream"},
			"codex":  {Agent: "codex", State: orchestrator.StateIdle, Source: "codex", PID: 4242},
		},
		handles: map[string]*pty.Handle{},
		bus:     bus,
	}
}

func (f *fakeBackend) SetHandle(name string, handle *pty.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handles[name] = handle
}

func (f *fakeBackend) Agents() []agent.Descriptor {
	return []agent.Descriptor{
		{Name: "claude", Command: "claude", Description: "Claude Code"},
		{Name: "codex", Command: "codex"},
	}
}

func (f *fakeBackend) Statuses() []orchestrator.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []orchestrator.Status{f.statuses["claude"], f.statuses["codex"]}
}

func (f *fakeBackend) Status(name string) (orchestrator.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[name]
	if !ok {
		return orchestrator.Status{}, &orchestrator.Error{Kind: orchestrator.KindUnknownAgent, Agent: name, Message: "unknown agent"}
	}
	return status, nil
}

func (f *fakeBackend) Handle(name string) (*pty.Handle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	handle, ok := f.handles[name]
	return handle, ok
}

func (f *fakeBackend) Events() *event.Bus[event.AgentEvent] {
	return f.bus
}

type testServer struct {
	*httptest.Server
	backend *fakeBackend
	metrics *metrics.Registry
	logger  *logging.Logger
}

func newTestServer(t *testing.T, tweak func(*Options)) *testServer {
	t.Helper()
	backend := newFakeBackend(t)
	registry := &metrics.Registry{}
	logger := logging.NewLoggerWithOutput(logging.NewLogBuffer(100), logging.LevelDebug, io.Discard)
	opts := Options{Backend: backend, Metrics: registry, Logger: logger}
	if tweak != nil {
		tweak(&opts)
	}
	server := httptest.NewServer(NewHandler(opts))
	t.Cleanup(server.Close)
	return &testServer{Server: server, backend: backend, metrics: registry, logger: logger}
}

func (s *testServer) get(t *testing.T, path string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.URL+path, nil)
	require.NoError(t, err)
	for key, values := range header {
		req.Header[key] = values
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func (s *testServer) dial(t *testing.T, path string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(s.wsURL(path), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (s *testServer) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + path
}

func readFrame(t *testing.T, conn *websocket.Conn) (int, []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return msgType, data
}

// readUntil reads frames until one contains want.
func readUntil(t *testing.T, conn *websocket.Conn, wantType int, want string) []byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msgType, data := readFrame(t, conn)
		if msgType == wantType && strings.Contains(string(data), want) {
			return data
		}
	}
	t.Fatalf("no frame containing %q", want)
	return nil
}
