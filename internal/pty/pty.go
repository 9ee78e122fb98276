// Package pty runs interactive child processes attached to a pseudo-terminal
// and distributes their output to any number of readers.
package pty

import "os/exec"

const (
	DefaultCols uint16 = 120
	DefaultRows uint16 = 40
)

type Pty interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	Resize(cols, rows uint16) error
}

// Command describes the process to launch.
type Command struct {
	Path string
	Args []string
	Dir  string
	// Env entries are appended to the parent environment.
	Env  []string
	Cols uint16
	Rows uint16
}

type Factory interface {
	Start(command Command) (Pty, *exec.Cmd, error)
}

type defaultFactory struct{}

func (defaultFactory) Start(command Command) (Pty, *exec.Cmd, error) {
	return startPty(command)
}

func DefaultFactory() Factory {
	return defaultFactory{}
}
