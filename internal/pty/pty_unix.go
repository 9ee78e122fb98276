//go:build !windows

package pty

import (
	"os"
	"os/exec"
	"syscall"

	creackpty "github.com/creack/pty"
)

type filePty struct {
	file *os.File
}

func (p *filePty) Read(data []byte) (int, error) {
	return p.file.Read(data)
}

func (p *filePty) Write(data []byte) (int, error) {
	return p.file.Write(data)
}

func (p *filePty) Close() error {
	return p.file.Close()
}

func (p *filePty) Resize(cols, rows uint16) error {
	return creackpty.Setsize(p.file, &creackpty.Winsize{Cols: cols, Rows: rows})
}

func startPty(command Command) (Pty, *exec.Cmd, error) {
	cmd := exec.Command(command.Path, command.Args...)
	cmd.Dir = command.Dir
	if len(command.Env) > 0 {
		cmd.Env = append(os.Environ(), command.Env...)
	}
	// A new session makes the child the leader of its own process group,
	// so the whole tree can be signalled through -pid.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
	}
	setPtyDeathSignal(cmd.SysProcAttr)

	cols, rows := command.Cols, command.Rows
	if cols == 0 {
		cols = DefaultCols
	}
	if rows == 0 {
		rows = DefaultRows
	}
	ptmx, err := creackpty.StartWithAttrs(cmd, &creackpty.Winsize{Cols: cols, Rows: rows}, cmd.SysProcAttr)
	if err != nil {
		return nil, nil, err
	}
	return &filePty{file: ptmx}, cmd, nil
}
