package api

import (
	"net/http"
	"strings"

	"ptybridge/internal/event"
	"ptybridge/internal/logging"
)

type wsBusStreamConfig[T any] struct {
	Logger            *logging.Logger
	AuthToken         string
	AllowedOrigins    []string
	Bus               *event.Bus[T]
	UnavailableReason string
	Filter            func(T) bool
	// History replays up to this many retained events before live ones.
	History int
}

// serveWSBusStream subscribes to a bus and streams events to a websocket connection.
func serveWSBusStream[T any](w http.ResponseWriter, r *http.Request, config wsBusStreamConfig[T]) {
	if !requireWSToken(w, r, config.AuthToken, config.Logger) {
		return
	}

	bus := config.Bus
	if bus == nil {
		writeWSError(w, r, nil, config.Logger, wsError{
			Status:  http.StatusServiceUnavailable,
			Message: unavailableReason(config.UnavailableReason),
		})
		return
	}

	var initial []any
	if config.History > 0 {
		for _, past := range bus.History(config.History) {
			if config.Filter == nil || config.Filter(past) {
				initial = append(initial, past)
			}
		}
	}

	var output <-chan T
	var cancel func()
	if config.Filter != nil {
		output, cancel = bus.SubscribeFiltered(config.Filter)
	} else {
		output, cancel = bus.Subscribe()
	}
	defer cancel()

	conn, err := upgradeWebSocket(w, r, config.AllowedOrigins)
	if err != nil {
		logWSError(config.Logger, r, wsError{
			Status:  http.StatusBadRequest,
			Message: "websocket upgrade failed",
			Err:     err,
		})
		return
	}

	serveWSStream(w, r, wsStreamConfig[T]{
		AllowedOrigins: config.AllowedOrigins,
		Conn:           conn,
		Logger:         config.Logger,
		Output:         output,
		Initial:        initial,
	})
}

func unavailableReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "event stream unavailable"
	}
	return reason
}
