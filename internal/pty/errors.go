package pty

import (
	"errors"
	"fmt"
)

// ErrClosed is returned for writes to a handle whose process has exited or
// been terminated.
var ErrClosed = errors.New("pty closed")

// SpawnError reports a command that could not be launched.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
