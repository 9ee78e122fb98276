//go:build linux

package pty

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func setPtyDeathSignal(attr *syscall.SysProcAttr) {
	if attr == nil {
		return
	}
	attr.Pdeathsig = unix.SIGTERM
}
