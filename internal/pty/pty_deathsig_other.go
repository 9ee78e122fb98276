//go:build !linux && !windows

package pty

import "syscall"

func setPtyDeathSignal(*syscall.SysProcAttr) {}
