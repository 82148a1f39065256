package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"forkchat/internal/procutil"
)

var defaultSubprocessArgs = []string{"-p", "--output-format", "stream-json", "--verbose"}

const subprocessStderrMax = 16 * 1024

// SubprocessBackend runs a local agent CLI per request. The prompt goes to
// stdin and stream-json event lines come back on stdout. The CLI executes
// its own tools.
type SubprocessBackend struct {
	command string
	args    []string
	dir     string
	log     zerolog.Logger
}

func NewSubprocessBackend(cfg Config, log zerolog.Logger) (*SubprocessBackend, error) {
	command := strings.TrimSpace(cfg.Command)
	if command == "" {
		command = "claude"
	}
	args := cfg.Args
	if len(args) == 0 {
		args = defaultSubprocessArgs
	}
	if m := strings.TrimSpace(cfg.Model); m != "" && !containsArg(args, "--model") {
		args = append(append([]string{}, args...), "--model", m)
	}
	return &SubprocessBackend{command: command, args: args, dir: cfg.Dir, log: log}, nil
}

func (b *SubprocessBackend) Name() string        { return "subprocess" }
func (b *SubprocessBackend) ExecutesTools() bool { return true }

func (b *SubprocessBackend) Stream(ctx context.Context, req StreamRequest) (io.ReadCloser, error) {
	prompt := subprocessPrompt(req)
	if prompt == "" {
		return nil, errors.New("empty prompt")
	}
	args := append([]string{}, b.args...)
	if sid := strings.TrimSpace(req.SessionID); sid != "" {
		args = append(args, "--resume", sid)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, b.command, args...)
	if b.dir != "" {
		cmd.Dir = b.dir
	}
	cmd.Env = os.Environ()
	cmd.Stdin = strings.NewReader(prompt)
	stderr := &cappedBuffer{max: subprocessStderrMax}
	cmd.Stderr = stderr
	cmd.WaitDelay = 500 * time.Millisecond
	procutil.KillGroupOnCancel(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", b.command, err)
	}
	b.log.Debug().Str("command", b.command).Strs("args", args).Int("pid", cmd.Process.Pid).Msg("subprocess started")
	return &procStream{cmd: cmd, stdout: stdout, stderr: stderr, cancel: cancel, name: b.command}, nil
}

func subprocessPrompt(req StreamRequest) string {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == "user" {
				prompt = strings.TrimSpace(req.Messages[i].Content)
				break
			}
		}
	}
	if prompt == "" {
		return ""
	}
	if strings.TrimSpace(req.SessionID) != "" {
		return prompt
	}
	var parts []string
	if system := strings.TrimSpace(req.System); system != "" {
		parts = append(parts, system)
	}
	if transcript := strings.TrimSpace(req.Transcript); transcript != "" {
		parts = append(parts, "Conversation so far:\n"+transcript)
	}
	parts = append(parts, prompt)
	return strings.Join(parts, "\n\n")
}

type procStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *cappedBuffer
	cancel context.CancelFunc
	name   string

	once    sync.Once
	waitErr error
}

func (p *procStream) Read(b []byte) (int, error) {
	n, err := p.stdout.Read(b)
	if errors.Is(err, io.EOF) {
		if werr := p.wait(); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (p *procStream) wait() error {
	p.once.Do(func() {
		err := p.cmd.Wait()
		p.cancel()
		if err != nil {
			msg := strings.TrimSpace(p.stderr.String())
			if msg != "" {
				err = fmt.Errorf("%s: %w: %s", p.name, err, msg)
			} else {
				err = fmt.Errorf("%s: %w", p.name, err)
			}
		}
		p.waitErr = err
	})
	return p.waitErr
}

// Close kills the process group and reaps the child.
func (p *procStream) Close() error {
	p.cancel()
	_ = p.wait()
	return nil
}

type cappedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remaining := c.max - c.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			c.buf.Write(p[:remaining])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func containsArg(args []string, name string) bool {
	for _, a := range args {
		if a == name || strings.HasPrefix(a, name+"=") {
			return true
		}
	}
	return false
}
