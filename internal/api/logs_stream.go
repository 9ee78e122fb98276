package api

import (
	"net/http"

	"ptybridge/internal/logging"
)

// serveLogStream streams log entries at or above ?level= (default info).
func serveLogStream(w http.ResponseWriter, r *http.Request, logger *logging.Logger, opts Options) {
	if !requireWSToken(w, r, opts.AuthToken, logger) {
		return
	}
	threshold := logging.LevelInfo
	if raw := r.URL.Query().Get("level"); raw != "" {
		parsed, ok := logging.ParseLevel(raw)
		if !ok {
			writeWSError(w, r, nil, logger, wsError{Status: http.StatusBadRequest, Message: "unknown log level " + raw})
			return
		}
		threshold = parsed
	}

	entries, cancel := logger.Subscribe()
	defer cancel()
	if entries == nil {
		writeWSError(w, r, nil, logger, wsError{Status: http.StatusServiceUnavailable, Message: "log stream unavailable"})
		return
	}
	serveWSStream(w, r, wsStreamConfig[logging.LogEntry]{
		AllowedOrigins: opts.AllowedOrigins,
		Output:         entries,
		Logger:         logger,
		BuildPayload: func(entry logging.LogEntry) (any, bool) {
			return entry, logging.AtLeast(entry.Level, threshold)
		},
	})
}
