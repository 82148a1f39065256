//go:build !windows

package tools

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestExecCommand_TimeoutKillsBackgroundChildren(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	// The backgrounded sleep inherits the pipes; only a group kill frees them.
	command := fmt.Sprintf("sleep 10 & echo $! > '%s'; wait", pidFile)

	start := time.Now()
	res, err := runExec(t, nil, map[string]any{"command": command, "use_shell": true, "timeout_seconds": 1})
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Fatalf("exec_command returned %v after a 1s timeout", elapsed)
	}
	if err == nil || !strings.HasPrefix(err.Error(), "timed out after ") {
		t.Fatalf("expected a timeout error, got %v", err)
	}
	if !strings.HasPrefix(res.Summary, "timed out after ") {
		t.Fatalf("unexpected summary %q", res.Summary)
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		t.Fatalf("bad pid %q: %v", data, err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := syscall.Kill(pid, 0); errors.Is(err, syscall.ESRCH) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("background child %d survived the timeout", pid)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
