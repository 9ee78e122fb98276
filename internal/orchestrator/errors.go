package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"ptybridge/internal/pty"
)

// Kind classifies why a request or an agent failed.
type Kind string

const (
	KindSpawnError     Kind = "SpawnError"
	KindStartTimeout   Kind = "StartTimeout"
	KindProcessDied    Kind = "ProcessDied"
	KindRequestTimeout Kind = "RequestTimeout"
	KindUnknownAgent   Kind = "UnknownAgent"
	KindClosed         Kind = "ClosedError"
	KindCancelled      Kind = "Cancelled"
	KindInvalidRequest Kind = "InvalidRequest"
	KindInternal       Kind = "InternalError"
)

// Error is the structured failure reported to callers.
type Error struct {
	Kind    Kind
	Agent   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	message := e.Message
	if message == "" && e.Err != nil {
		message = e.Err.Error()
	}
	if e.Agent == "" {
		return fmt.Sprintf("%s: %s", e.Kind, message)
	}
	return fmt.Sprintf("agent %s: %s: %s", e.Agent, e.Kind, message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, agentName, message string, err error) *Error {
	return &Error{Kind: kind, Agent: agentName, Message: message, Err: err}
}

// KindOf maps err onto the failure taxonomy. It returns "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var orchestratorErr *Error
	if errors.As(err, &orchestratorErr) {
		return orchestratorErr.Kind
	}
	var spawnErr *pty.SpawnError
	switch {
	case errors.As(err, &spawnErr):
		return KindSpawnError
	case errors.Is(err, pty.ErrClosed):
		return KindClosed
	case errors.Is(err, context.DeadlineExceeded):
		return KindRequestTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindInternal
}

var (
	errManagerClosed = errors.New("manager is shut down")
	// errNotAccepted means the instance died before it took the request.
	errNotAccepted = errors.New("instance is no longer accepting requests")
)
