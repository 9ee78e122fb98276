// Package api serves the HTTP status endpoints and the websocket streams that
// let a browser watch agent terminals and lifecycle events.
package api

import (
	"net/http"
	"strconv"
	"time"

	"ptybridge/internal/event"
	"ptybridge/internal/logging"
	"ptybridge/internal/metrics"
)

type Options struct {
	Backend        Backend
	AuthToken      string
	AllowedOrigins []string
	InputEnabled   bool
	InputRate      float64
	Metrics        *metrics.Registry
	Logger         *logging.Logger
}

// NewHandler returns the mux for every HTTP route.
func NewHandler(opts Options) http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, opts)
	return mux
}

func RegisterRoutes(mux *http.ServeMux, opts Options) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.Component("api")

	rest := &RestHandler{
		Backend:   opts.Backend,
		Metrics:   opts.Metrics,
		Logger:    logger,
		StartedAt: time.Now(),
	}
	wrap := func(handler apiHandler) http.Handler {
		return loggingMiddleware(logger, restHandler(opts.AuthToken, handler))
	}

	mux.Handle("GET /api/status", wrap(rest.handleStatus))
	mux.Handle("GET /api/agents", wrap(rest.handleAgents))
	mux.Handle("GET /api/agents/{name}", wrap(rest.handleAgent))
	mux.Handle("GET /api/agents/{name}/output", wrap(rest.handleAgentOutput))
	mux.Handle("GET /api/logs", wrap(rest.handleLogs))
	mux.Handle("GET /metrics", wrap(rest.handleMetrics))

	mux.Handle("GET /ws/agents/{name}", &AgentTerminalHandler{
		Backend:        opts.Backend,
		AuthToken:      opts.AuthToken,
		AllowedOrigins: opts.AllowedOrigins,
		InputEnabled:   opts.InputEnabled,
		InputRate:      opts.InputRate,
		Logger:         logger,
	})
	mux.HandleFunc("GET /ws/events", func(w http.ResponseWriter, r *http.Request) {
		var bus *event.Bus[event.AgentEvent]
		if opts.Backend != nil {
			bus = opts.Backend.Events()
		}
		serveWSBusStream(w, r, wsBusStreamConfig[event.AgentEvent]{
			Logger:            logger,
			AuthToken:         opts.AuthToken,
			AllowedOrigins:    opts.AllowedOrigins,
			Bus:               bus,
			UnavailableReason: "agent events unavailable",
			Filter:            agentFilter(r),
			History:           historyCount(r),
		})
	})
	mux.HandleFunc("GET /ws/logs", func(w http.ResponseWriter, r *http.Request) {
		serveLogStream(w, r, logger, opts)
	})
}

// agentFilter restricts the event stream to ?agent=name when given.
func agentFilter(r *http.Request) func(event.AgentEvent) bool {
	name := r.URL.Query().Get("agent")
	if name == "" {
		return nil
	}
	return func(agentEvent event.AgentEvent) bool {
		return agentEvent.Agent == name
	}
}

func historyCount(r *http.Request) int {
	count, err := strconv.Atoi(r.URL.Query().Get("history"))
	if err != nil || count < 0 {
		return 0
	}
	return count
}
