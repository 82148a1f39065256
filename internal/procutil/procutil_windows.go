//go:build windows

// Package procutil makes child processes killable as a group.
package procutil

import (
	"errors"
	"os"
	"os/exec"
	"strconv"
)

func KillGroupOnCancel(cmd *exec.Cmd) {
	if cmd == nil {
		return
	}
	cmd.Cancel = func() error {
		return KillGroup(cmd)
	}
}

// KillGroup terminates the process tree with taskkill, then the process.
func KillGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return nil
	}
	_ = exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T", "/F").Run()
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
