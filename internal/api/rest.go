package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"ptybridge/internal/agent"
	"ptybridge/internal/event"
	"ptybridge/internal/logging"
	"ptybridge/internal/metrics"
	"ptybridge/internal/orchestrator"
	"ptybridge/internal/pty"
	"ptybridge/internal/version"
)

const defaultLogLimit = 200

// Backend is the part of orchestrator.Manager the viewer reads from.
type Backend interface {
	Agents() []agent.Descriptor
	Statuses() []orchestrator.Status
	Status(name string) (orchestrator.Status, error)
	Handle(name string) (*pty.Handle, bool)
	Events() *event.Bus[event.AgentEvent]
}

type RestHandler struct {
	Backend   Backend
	Metrics   *metrics.Registry
	Logger    *logging.Logger
	StartedAt time.Time
}

type statusResponse struct {
	Version   version.VersionInfo `json:"version"`
	StartedAt time.Time           `json:"started_at"`
	Uptime    string              `json:"uptime"`
	Agents    int                 `json:"agents"`
	Running   int                 `json:"running"`
}

type agentResponse struct {
	orchestrator.Status
	Description string `json:"description,omitempty"`
	Command     string `json:"command"`
}

func (h *RestHandler) handleStatus(w http.ResponseWriter, r *http.Request) *apiError {
	statuses := h.Backend.Statuses()
	running := 0
	for _, status := range statuses {
		if status.State != orchestrator.StateStopped && status.State != orchestrator.StateDead {
			running++
		}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Version:   version.GetVersionInfo(),
		StartedAt: h.StartedAt,
		Uptime:    time.Since(h.StartedAt).Round(time.Second).String(),
		Agents:    len(statuses),
		Running:   running,
	})
	return nil
}

func (h *RestHandler) handleAgents(w http.ResponseWriter, r *http.Request) *apiError {
	descriptors := make(map[string]agent.Descriptor)
	for _, descriptor := range h.Backend.Agents() {
		descriptors[descriptor.Name] = descriptor
	}
	statuses := h.Backend.Statuses()
	out := make([]agentResponse, 0, len(statuses))
	for _, status := range statuses {
		descriptor := descriptors[status.Agent]
		out = append(out, agentResponse{
			Status:      status,
			Description: descriptor.Description,
			Command:     descriptor.Command,
		})
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

func (h *RestHandler) handleAgent(w http.ResponseWriter, r *http.Request) *apiError {
	name := r.PathValue("name")
	status, err := h.Backend.Status(name)
	if err != nil {
		return orchestratorError(name, err)
	}
	writeJSON(w, http.StatusOK, status)
	return nil
}

// handleAgentOutput returns the retained terminal output of a running
// agent. ?plain=1 strips ANSI escape sequences.
func (h *RestHandler) handleAgentOutput(w http.ResponseWriter, r *http.Request) *apiError {
	name := r.PathValue("name")
	if _, err := h.Backend.Status(name); err != nil {
		return orchestratorError(name, err)
	}
	handle, ok := h.Backend.Handle(name)
	if !ok {
		return &apiError{Status: http.StatusConflict, Message: "agent is not running", Agent: name}
	}
	snapshot := handle.Snapshot()
	if plain, _ := strconv.ParseBool(r.URL.Query().Get("plain")); plain {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(pty.StripANSI(string(snapshot))))
		return nil
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(snapshot)
	return nil
}

func (h *RestHandler) handleLogs(w http.ResponseWriter, r *http.Request) *apiError {
	limit := defaultLogLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return &apiError{Status: http.StatusBadRequest, Message: "limit must be a positive integer"}
		}
		limit = parsed
	}
	level := logging.Level("")
	if raw := strings.TrimSpace(r.URL.Query().Get("level")); raw != "" {
		parsed, ok := logging.ParseLevel(raw)
		if !ok {
			return &apiError{Status: http.StatusBadRequest, Message: "unknown log level " + raw}
		}
		level = parsed
	}

	var entries []logging.LogEntry
	if buffer := h.Logger.Buffer(); buffer != nil {
		entries = buffer.List()
	}
	filtered := make([]logging.LogEntry, 0, len(entries))
	for _, entry := range entries {
		if level != "" && !logging.AtLeast(entry.Level, level) {
			continue
		}
		filtered = append(filtered, entry)
	}
	if len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	writeJSON(w, http.StatusOK, filtered)
	return nil
}

func (h *RestHandler) handleMetrics(w http.ResponseWriter, r *http.Request) *apiError {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := h.Metrics.WritePrometheus(w); err != nil {
		h.Logger.Warn("metrics write failed", map[string]string{logging.FieldError: err.Error()})
	}
	return nil
}
