package pty

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"ptybridge/internal/logging"
)

const (
	DefaultTerminateGrace = 2 * time.Second
	readBufferSize        = 4096
	drainTimeout          = 250 * time.Millisecond
)

var (
	cursorQuery    = []byte("\x1b[6n")
	cursorResponse = []byte("\x1b[1;1R")
)

type Options struct {
	Factory        Factory
	BufferBytes    int
	BufferLines    int
	TerminateGrace time.Duration
	// AnswerCursorQueries replies to DSR cursor position requests so TUIs
	// that probe the terminal do not stall without an attached viewer.
	AnswerCursorQueries bool
	Logger              *logging.Logger
}

// LineOptions controls how WriteLine submits text.
type LineOptions struct {
	Submit     string
	ChunkSize  int
	ChunkDelay time.Duration
}

type writeRequest struct {
	data   []byte
	result chan error
}

// Handle owns one child process attached to a pseudo-terminal.
//
// readLoop -> output, broadcastLoop -> subscribers, writeLoop -> PTY and
// waitLoop reaps the process. release tears everything down exactly once.
type Handle struct {
	command   Command
	startedAt time.Time
	pty       Pty
	cmd       *exec.Cmd
	pid       int
	pgid      int
	grace     time.Duration
	answerDSR bool
	logger    *logging.Logger

	bcast  *Broadcaster
	writes chan writeRequest
	output chan []byte

	stop     chan struct{}
	readDone chan struct{}
	exited   chan struct{}
	done     chan struct{}
	exitErr  error

	closing     atomic.Bool
	writeMu     sync.RWMutex
	writeClosed bool
	releaseOnce sync.Once
	releaseErr  error
	dsrTail     []byte
}

// Spawn starts command on a new pseudo-terminal.
func Spawn(command Command, opts Options) (*Handle, error) {
	if command.Path == "" {
		return nil, &SpawnError{Command: command.Path, Err: errors.New("command is required")}
	}
	factory := opts.Factory
	if factory == nil {
		factory = DefaultFactory()
	}
	p, cmd, err := factory.Start(command)
	if err != nil {
		return nil, &SpawnError{Command: command.Path, Err: err}
	}

	grace := opts.TerminateGrace
	if grace <= 0 {
		grace = DefaultTerminateGrace
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	h := &Handle{
		command:   command,
		startedAt: time.Now().UTC(),
		pty:       p,
		cmd:       cmd,
		grace:     grace,
		answerDSR: opts.AnswerCursorQueries,
		bcast:     NewBroadcaster(opts.BufferBytes, opts.BufferLines),
		writes:    make(chan writeRequest, 16),
		output:    make(chan []byte, 64),
		stop:      make(chan struct{}),
		readDone:  make(chan struct{}),
		exited:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	if cmd != nil && cmd.Process != nil {
		h.pid = cmd.Process.Pid
		h.pgid = processGroupID(h.pid)
	}
	h.logger = logger.With(map[string]string{"pid": strconv.Itoa(h.pid)})

	go h.readLoop()
	go h.broadcastLoop()
	go h.writeLoop()
	go h.waitLoop()

	h.logger.Debug("pty process started", map[string]string{
		"command": command.Path,
		"pgid":    strconv.Itoa(h.pgid),
	})
	return h, nil
}

func (h *Handle) Command() Command {
	return h.command
}

func (h *Handle) PID() int {
	return h.pid
}

func (h *Handle) StartedAt() time.Time {
	return h.startedAt
}

// Write queues raw bytes for the child and waits for the write to complete.
// A write the child received is reported as delivered even if the process
// exits right after.
func (h *Handle) Write(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if h.closing.Load() || h.Exited() {
		return ErrClosed
	}
	req := writeRequest{data: data, result: make(chan error, 1)}
	if !h.enqueue(req) {
		return ErrClosed
	}
	return <-req.result
}

// enqueue hands req to writeLoop. Every accepted request gets an answer.
func (h *Handle) enqueue(req writeRequest) bool {
	h.writeMu.RLock()
	defer h.writeMu.RUnlock()
	if h.writeClosed {
		return false
	}
	select {
	case h.writes <- req:
		return true
	case <-h.stop:
		return false
	}
}

// WriteLine types text as if entered interactively, followed by the
// submit sequence.
func (h *Handle) WriteLine(text string, opts LineOptions) error {
	payload := []byte(text)
	if opts.ChunkSize <= 0 || len(payload) <= opts.ChunkSize {
		return h.Write(append(payload, opts.Submit...))
	}
	for offset := 0; offset < len(payload); offset += opts.ChunkSize {
		end := min(offset+opts.ChunkSize, len(payload))
		if err := h.Write(payload[offset:end]); err != nil {
			return err
		}
		if opts.ChunkDelay > 0 {
			time.Sleep(opts.ChunkDelay)
		}
	}
	return h.Write([]byte(opts.Submit))
}

func (h *Handle) Subscribe() (<-chan []byte, func()) {
	return h.bcast.Subscribe()
}

func (h *Handle) SubscribeSize(size int) (<-chan []byte, func()) {
	return h.bcast.SubscribeSize(size)
}

// Attach returns the retained output and a live subscription continuing
// from it.
func (h *Handle) Attach(size int) ([]byte, <-chan []byte, func()) {
	return h.bcast.Attach(size)
}

func (h *Handle) Snapshot() []byte {
	return h.bcast.Snapshot()
}

func (h *Handle) OutputLines() []string {
	return h.bcast.OutputLines()
}

func (h *Handle) Resize(cols, rows uint16) error {
	if h.closing.Load() {
		return ErrClosed
	}
	if err := h.pty.Resize(cols, rows); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	return nil
}

// Done closes once the process has been reaped and every subscriber has
// seen the end of the stream.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) Exited() bool {
	select {
	case <-h.exited:
		return true
	default:
		return false
	}
}

// Err returns the process exit error. It is only meaningful after Done.
func (h *Handle) Err() error {
	select {
	case <-h.exited:
		return h.exitErr
	default:
		return nil
	}
}

// Terminate stops the process group (SIGTERM, then SIGKILL after the grace
// period) and releases the terminal. It is safe to call repeatedly and
// concurrently.
func (h *Handle) Terminate() error {
	h.release()
	<-h.done
	return h.releaseErr
}

func (h *Handle) release() {
	h.releaseOnce.Do(func() {
		h.closing.Store(true)
		close(h.stop)

		var errs []error
		if h.cmd != nil {
			if err := terminateGroup(h.pid, h.pgid, h.exited, h.grace); err != nil {
				errs = append(errs, err)
			}
		}
		if err := h.pty.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, fmt.Errorf("close pty: %w", err))
		}
		h.releaseErr = errors.Join(errs...)
		if h.releaseErr != nil {
			h.logger.Warn("pty release failed", map[string]string{
				logging.FieldError: h.releaseErr.Error(),
			})
		}
	})
}

func (h *Handle) readLoop() {
	defer close(h.output)

	buf := make([]byte, readBufferSize)
	for {
		n, err := h.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.answerCursorQueries(chunk)
			h.output <- chunk
		}
		if err != nil {
			return
		}
	}
}

func (h *Handle) broadcastLoop() {
	for chunk := range h.output {
		h.bcast.Broadcast(chunk)
	}
	close(h.readDone)
	h.release()
	<-h.exited
	h.bcast.Close()
	close(h.done)
}

func (h *Handle) writeLoop() {
	for {
		select {
		case req := <-h.writes:
			var err error
			if _, writeErr := h.pty.Write(req.data); writeErr != nil {
				err = fmt.Errorf("write pty: %w", writeErr)
			}
			req.result <- err
		case <-h.stop:
			h.writeMu.Lock()
			h.writeClosed = true
			h.writeMu.Unlock()
			for {
				select {
				case req := <-h.writes:
					req.result <- ErrClosed
				default:
					return
				}
			}
		}
	}
}

func (h *Handle) waitLoop() {
	if h.cmd != nil {
		h.exitErr = h.cmd.Wait()
	} else {
		<-h.readDone
	}
	close(h.exited)

	exitFields := map[string]string{}
	if h.exitErr != nil {
		exitFields[logging.FieldError] = h.exitErr.Error()
	}
	h.logger.Debug("pty process exited", exitFields)

	// Give the reader a moment to drain output still buffered in the
	// terminal before the master side is closed.
	select {
	case <-h.readDone:
	case <-time.After(drainTimeout):
	}
	h.release()
}

func (h *Handle) answerCursorQueries(chunk []byte) {
	if !h.answerDSR {
		return
	}
	window := append(h.dsrTail, chunk...)
	found := bytes.Contains(window, cursorQuery)
	if keep := len(cursorQuery) - 1; len(window) > keep {
		h.dsrTail = append(h.dsrTail[:0], window[len(window)-keep:]...)
	} else {
		h.dsrTail = append(h.dsrTail[:0], window...)
	}
	if !found {
		return
	}
	select {
	case h.writes <- writeRequest{data: cursorResponse, result: make(chan error, 1)}:
	default:
	}
}
