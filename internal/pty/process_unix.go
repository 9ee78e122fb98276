//go:build !windows

package pty

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const killWait = 5 * time.Second

func processGroupID(pid int) int {
	if pid <= 0 {
		return 0
	}
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		return 0
	}
	return pgid
}

// terminateGroup sends SIGTERM to the process group, waits up to grace for
// the leader to exit and then sends SIGKILL. exited must close once the
// leader has been reaped.
func terminateGroup(pid, pgid int, exited <-chan struct{}, grace time.Duration) error {
	select {
	case <-exited:
		// Leader is gone; clear out anything left in its group.
		if pgid > 0 {
			_ = unix.Kill(-pgid, unix.SIGKILL)
		}
		return nil
	default:
	}

	var errs []error
	if err := signalGroup(pid, pgid, unix.SIGTERM); err != nil {
		errs = append(errs, fmt.Errorf("signal group: %w", err))
	}
	if grace > 0 {
		select {
		case <-exited:
			return errors.Join(errs...)
		case <-time.After(grace):
		}
	}

	if err := signalGroup(pid, pgid, unix.SIGKILL); err != nil {
		errs = append(errs, fmt.Errorf("kill group: %w", err))
	}
	select {
	case <-exited:
	case <-time.After(killWait):
		errs = append(errs, fmt.Errorf("process %d still running after SIGKILL", pid))
	}
	return errors.Join(errs...)
}

func signalGroup(pid, pgid int, sig unix.Signal) error {
	var err error
	switch {
	case pgid > 0:
		err = unix.Kill(-pgid, sig)
	case pid > 0:
		err = unix.Kill(pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
