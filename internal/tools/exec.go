package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
	"unicode"

	"forkchat/internal/llm"
	"forkchat/internal/procutil"
)

const (
	defaultExecTimeout = 120 * time.Second
	defaultExecOutput  = 64 << 10
)

// ExecCommandTool runs a command in the workspace. The row summary is the
// command's fate ("exit 0 in 40ms") and the result holds both streams.
type ExecCommandTool struct {
	Dir                   string
	DefaultTimeoutSeconds int
	MaxOutputBytes        int
}

type execArgs struct {
	Command        string            `json:"command"`
	Args           []string          `json:"args"`
	Dir            string            `json:"dir"`
	Env            map[string]string `json:"env"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	UseShell       bool              `json:"use_shell"`
}

// execOutcome is one finished command.
type execOutcome struct {
	line     string
	exitCode int
	// kind is "" on success, else timeout, canceled, not_found, exit or error.
	kind     string
	err      error
	elapsed  time.Duration
	shell    bool
	fallback bool
	stdout   *cappedWriter
	stderr   *cappedWriter
}

func (t *ExecCommandTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Type: "function",
		Function: llm.ToolFunctionDef{
			Name: "exec_command",
			Description: "Run a command in the workspace and return its exit status, stdout and stderr. " +
				"A single string with spaces or shell syntax runs through the shell.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command":         map[string]any{"type": "string", "description": "Executable, or a shell command line when use_shell is true"},
					"args":            map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"dir":             map[string]any{"type": "string", "description": "Working directory, relative to the workspace"},
					"env":             map[string]any{"type": "object", "description": "Extra environment variables"},
					"timeout_seconds": map[string]any{"type": "integer"},
					"use_shell":       map[string]any{"type": "boolean"},
				},
				"required": []string{"command"},
			},
		},
	}
}

func (t *ExecCommandTool) Call(ctx context.Context, raw json.RawMessage) (Result, error) {
	var in execArgs
	if err := json.Unmarshal(raw, &in); err != nil {
		return Result{}, fmt.Errorf("exec_command: invalid arguments: %w", err)
	}
	in.Command = strings.TrimSpace(in.Command)
	if in.Command == "" {
		return Result{}, errors.New("exec_command: command is required")
	}
	switch {
	case in.Dir == "":
		in.Dir = t.Dir
	case !filepath.IsAbs(in.Dir) && t.Dir != "":
		in.Dir = filepath.Join(t.Dir, in.Dir)
	}

	out := t.run(ctx, in)
	res := Result{Output: out.render(), Summary: out.summary()}
	if out.err != nil {
		return res, errors.New(out.summary())
	}
	return res, nil
}

func (t *ExecCommandTool) timeout(seconds int) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t.DefaultTimeoutSeconds > 0 {
		return time.Duration(t.DefaultTimeoutSeconds) * time.Second
	}
	return defaultExecTimeout
}

func (t *ExecCommandTool) run(ctx context.Context, in execArgs) execOutcome {
	ctx, cancel := context.WithTimeout(ctx, t.timeout(in.TimeoutSeconds))
	defer cancel()

	limit := t.MaxOutputBytes
	if limit <= 0 {
		limit = defaultExecOutput
	}
	out := execOutcome{
		line:   commandLine(in),
		shell:  in.UseShell,
		stdout: &cappedWriter{max: limit},
		stderr: &cappedWriter{max: limit},
	}

	start := time.Now()
	err := t.command(ctx, in, out.shell, out.stdout, out.stderr).Run()
	// "ls -la" sent without use_shell is a command line, not an executable.
	if err != nil && !out.shell && len(in.Args) == 0 && looksLikeShellCommand(in.Command) && isNotFound(err) {
		out.shell, out.fallback = true, true
		out.stdout.Reset()
		out.stderr.Reset()
		err = t.command(ctx, in, true, out.stdout, out.stderr).Run()
	}
	out.elapsed = time.Since(start)
	out.err = err

	switch {
	case err == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		out.exitCode, out.kind = -1, "timeout"
	case errors.Is(ctx.Err(), context.Canceled):
		out.exitCode, out.kind = -1, "canceled"
	default:
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			out.exitCode, out.kind = exitErr.ExitCode(), "exit"
		case isNotFound(err):
			out.exitCode, out.kind = -1, "not_found"
		default:
			out.exitCode, out.kind = -1, "error"
		}
	}
	return out
}

func (t *ExecCommandTool) command(ctx context.Context, in execArgs, shell bool, stdout, stderr *cappedWriter) *exec.Cmd {
	var cmd *exec.Cmd
	switch {
	case shell && runtime.GOOS == "windows":
		cmd = exec.CommandContext(ctx, "cmd", "/C", in.Command)
	case shell:
		cmd = exec.CommandContext(ctx, "sh", "-c", in.Command)
	default:
		cmd = exec.CommandContext(ctx, in.Command, in.Args...)
	}
	cmd.Dir = in.Dir
	if len(in.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range in.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Orphaned grandchildren can hold the pipes open after a kill.
	cmd.WaitDelay = 500 * time.Millisecond
	procutil.KillGroupOnCancel(cmd)
	return cmd
}

func (o execOutcome) summary() string {
	took := o.elapsed.Round(time.Millisecond)
	switch o.kind {
	case "":
		return fmt.Sprintf("exit 0 in %s", took)
	case "exit":
		return fmt.Sprintf("exit %d in %s", o.exitCode, took)
	case "timeout":
		return fmt.Sprintf("timed out after %s", took)
	case "canceled":
		return "canceled"
	case "not_found":
		return "command not found: " + o.line
	default:
		return firstLine(o.err.Error())
	}
}

func (o execOutcome) render() string {
	var b strings.Builder
	b.WriteString("$ " + o.line + "\n")
	b.WriteString(o.summary())
	if o.fallback {
		b.WriteString(" (ran through the shell)")
	}
	b.WriteString("\n")
	for _, s := range []struct {
		name string
		w    *cappedWriter
	}{{"stdout", o.stdout}, {"stderr", o.stderr}} {
		text := strings.TrimRight(s.w.String(), "\n")
		if text == "" && s.w.dropped == 0 {
			continue
		}
		fmt.Fprintf(&b, "--- %s ---\n%s\n", s.name, text)
		if s.w.dropped > 0 {
			fmt.Fprintf(&b, "[%s truncated: %d bytes dropped]\n", s.name, s.w.dropped)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func commandLine(in execArgs) string {
	if len(in.Args) == 0 {
		return in.Command
	}
	return in.Command + " " + strings.Join(in.Args, " ")
}

// cappedWriter keeps the first max bytes and counts the rest.
type cappedWriter struct {
	buf     bytes.Buffer
	max     int
	dropped int
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	room := w.max - w.buf.Len()
	if room <= 0 {
		w.dropped += len(p)
		return len(p), nil
	}
	if len(p) > room {
		w.dropped += len(p) - room
		w.buf.Write(p[:room])
		return len(p), nil
	}
	return w.buf.Write(p)
}

func (w *cappedWriter) String() string { return w.buf.String() }

func (w *cappedWriter) Reset() {
	w.buf.Reset()
	w.dropped = 0
}

func looksLikeShellCommand(command string) bool {
	if strings.IndexFunc(command, unicode.IsSpace) >= 0 {
		return true
	}
	return strings.ContainsAny(command, "\"'`|&;<>()$*?[]{}")
}

func isNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist)
}
