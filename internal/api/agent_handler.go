package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"ptybridge/internal/event"
	"ptybridge/internal/logging"
	"ptybridge/internal/pty"
)

const (
	maxViewerSize       = 500
	viewerQueueSize     = 256
	viewerPollInterval  = 250 * time.Millisecond
	viewerStatusWaiting = "waiting"
	viewerStatusRunning = "running"
	viewerStatusExited  = "exited"
)

// controlMessage is JSON-encoded in text frames to carry resize updates.
type controlMessage struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// viewerNotice tells the client what the agent behind the stream is doing.
type viewerNotice struct {
	Type   string `json:"type"`
	Agent  string `json:"agent"`
	Status string `json:"status"`
	PID    int    `json:"pid,omitempty"`
}

// AgentTerminalHandler mirrors one agent's terminal to a websocket. The
// agent may start, die and restart while a viewer stays connected; each
// new process is announced and its retained output replayed.
type AgentTerminalHandler struct {
	Backend        Backend
	AuthToken      string
	AllowedOrigins []string
	InputEnabled   bool
	// InputRate limits keyboard input frames per second. Zero means
	// unlimited.
	InputRate float64
	Logger    *logging.Logger
}

func (h *AgentTerminalHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	if !requireWSToken(w, r, h.AuthToken, logger) {
		return
	}
	if h.Backend == nil {
		writeWSError(w, r, nil, logger, wsError{Status: http.StatusInternalServerError, Message: "orchestrator unavailable"})
		return
	}

	name := r.PathValue("name")
	if name == "" {
		writeWSError(w, r, nil, logger, wsError{Status: http.StatusBadRequest, Message: "missing agent name"})
		return
	}
	if _, err := h.Backend.Status(name); err != nil {
		apiErr := orchestratorError(name, err)
		writeWSError(w, r, nil, logger, wsError{Status: apiErr.Status, Message: apiErr.Message})
		return
	}

	conn, err := upgradeWebSocket(w, r, h.AllowedOrigins)
	if err != nil {
		logWSError(logger, r, wsError{Status: http.StatusBadRequest, Message: "websocket upgrade failed", Err: err})
		return
	}
	defer conn.Close()

	viewer := &agentViewer{
		name:    name,
		backend: h.Backend,
		conn:    conn,
		logger:  logger.With(map[string]string{logging.FieldAgent: name}),
		input:   h.InputEnabled,
		limiter: newInputLimiter(h.InputRate),
		gone:    make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go viewer.readLoop(ctx)
	viewer.writeLoop(ctx)
}

func newInputLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

type agentViewer struct {
	name    string
	backend Backend
	conn    *websocket.Conn
	logger  *logging.Logger
	input   bool
	limiter *rate.Limiter

	current  atomic.Pointer[pty.Handle]
	gone     chan struct{}
	goneOnce sync.Once
}

func (v *agentViewer) markGone() {
	v.goneOnce.Do(func() { close(v.gone) })
}

// writeLoop owns every write to the connection.
func (v *agentViewer) writeLoop(ctx context.Context) {
	var wake <-chan event.AgentEvent
	if bus := v.backend.Events(); bus != nil {
		events, cancel := bus.SubscribeFiltered(func(agentEvent event.AgentEvent) bool {
			return agentEvent.Agent == v.name && agentEvent.EventType == event.AgentStarting
		})
		defer cancel()
		wake = events
	}
	ticker := time.NewTicker(viewerPollInterval)
	defer ticker.Stop()

	announcedWaiting := false
	var last *pty.Handle
	for {
		handle, ok := v.backend.Handle(v.name)
		if !ok || handle == last || handle.Exited() {
			if !announcedWaiting {
				if err := writeJSONFrame(v.conn, viewerNotice{Type: "status", Agent: v.name, Status: viewerStatusWaiting}); err != nil {
					return
				}
				announcedWaiting = true
			}
			select {
			case <-wake:
			case <-ticker.C:
			case <-v.gone:
				return
			case <-ctx.Done():
				return
			}
			continue
		}
		announcedWaiting = false
		last = handle
		if !v.stream(ctx, handle) {
			return
		}
	}
}

// stream replays handle's retained output and follows it until the process
// ends. It reports false when the viewer is gone.
func (v *agentViewer) stream(ctx context.Context, handle *pty.Handle) bool {
	snapshot, output, cancel := handle.Attach(viewerQueueSize)
	defer cancel()
	v.current.Store(handle)
	defer v.current.CompareAndSwap(handle, nil)

	if err := writeJSONFrame(v.conn, viewerNotice{Type: "status", Agent: v.name, Status: viewerStatusRunning, PID: handle.PID()}); err != nil {
		return false
	}
	if len(snapshot) > 0 {
		if err := writeBinaryFrame(v.conn, snapshot); err != nil {
			return false
		}
	}
	for {
		select {
		case chunk, ok := <-output:
			if !ok {
				if err := writeJSONFrame(v.conn, viewerNotice{Type: "status", Agent: v.name, Status: viewerStatusExited}); err != nil {
					return false
				}
				return true
			}
			if err := writeBinaryFrame(v.conn, chunk); err != nil {
				return false
			}
		case <-v.gone:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (v *agentViewer) readLoop(ctx context.Context) {
	defer v.markGone()
	warned := false
	for {
		msgType, msg, err := v.conn.ReadMessage()
		if err != nil {
			return
		}

		if msgType == websocket.TextMessage {
			if control, ok := parseControlMessage(msg); ok {
				if handle := v.current.Load(); handle != nil {
					if err := handle.Resize(clampSize(control.Cols), clampSize(control.Rows)); err != nil {
						v.logger.Debug("viewer resize failed", map[string]string{logging.FieldError: err.Error()})
					}
				}
				continue
			}
		}

		if !v.input {
			if !warned {
				v.logger.Debug("viewer input ignored", map[string]string{"reason": "input disabled"})
				warned = true
			}
			continue
		}
		handle := v.current.Load()
		if handle == nil {
			continue
		}
		if err := v.limiter.Wait(ctx); err != nil {
			return
		}
		if err := handle.Write(msg); err != nil {
			v.logger.Debug("viewer input failed", map[string]string{logging.FieldError: err.Error()})
		}
	}
}

func parseControlMessage(data []byte) (controlMessage, bool) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return controlMessage{}, false
	}
	if msg.Type != "resize" {
		return msg, false
	}
	return msg, true
}

func clampSize(value int) uint16 {
	if value < 1 {
		return 1
	}
	if value > maxViewerSize {
		return maxViewerSize
	}
	return uint16(value)
}
