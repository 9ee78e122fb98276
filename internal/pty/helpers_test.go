package pty

import (
	"io"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"
)

type scriptedPty struct {
	mu     sync.Mutex
	writes [][]byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
	cols   uint16
	rows   uint16
	// exitOnWrite ends the stream right after accepting a write, the way a
	// child that answers and quits does.
	exitOnWrite bool
}

func newScriptedPty() *scriptedPty {
	return &scriptedPty{
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (p *scriptedPty) Emit(text string) {
	p.out <- []byte(text)
}

func (p *scriptedPty) Read(data []byte) (int, error) {
	select {
	case chunk := <-p.out:
		return copy(data, chunk), nil
	default:
	}
	select {
	case chunk := <-p.out:
		return copy(data, chunk), nil
	case <-p.closed:
		return 0, io.EOF
	}
}

func (p *scriptedPty) Write(data []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, append([]byte(nil), data...))
	if p.exitOnWrite {
		p.Close()
		time.Sleep(20 * time.Millisecond)
	}
	return len(data), nil
}

func (p *scriptedPty) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *scriptedPty) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cols, p.rows = cols, rows
	return nil
}

func (p *scriptedPty) Writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.writes))
	for _, w := range p.writes {
		out = append(out, string(w))
	}
	return out
}

type scriptedFactory struct {
	pty *scriptedPty
	err error
}

func (f *scriptedFactory) Start(Command) (Pty, *exec.Cmd, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.pty, nil, nil
}

func spawnScripted(t *testing.T, opts Options) (*Handle, *scriptedPty) {
	t.Helper()
	p := newScriptedPty()
	opts.Factory = &scriptedFactory{pty: p}
	h, err := Spawn(Command{Path: "scripted"}, opts)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	t.Cleanup(func() { _ = h.Terminate() })
	return h, p
}

func receiveUntil(t *testing.T, ch <-chan []byte, want string, timeout time.Duration) string {
	t.Helper()
	deadline := time.After(timeout)
	var got []byte
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed before %q; got %q", want, got)
			}
			got = append(got, chunk...)
			if strings.Contains(string(got), want) {
				return string(got)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q; got %q", want, got)
		}
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}, timeout time.Duration) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out after %s", timeout)
	}
}
