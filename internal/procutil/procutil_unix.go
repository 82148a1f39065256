//go:build !windows

// Package procutil makes child processes killable as a group.
package procutil

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// KillGroupOnCancel places cmd in its own process group and makes context
// cancellation kill the whole group, so orphaned grandchildren cannot hold
// stdout/stderr pipes open.
func KillGroupOnCancel(cmd *exec.Cmd) {
	if cmd == nil {
		return
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.Cancel = func() error {
		return KillGroup(cmd)
	}
}

// KillGroup kills the process group led by cmd, falling back to the process
// itself.
func KillGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
