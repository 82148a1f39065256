package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"forkchat/internal/thread"
)

// ToolPrinter writes tool activity of a headless turn as it happens. Feed it
// every Snapshot through Options.OnUpdate.
type ToolPrinter struct {
	out   io.Writer
	color bool

	mu       sync.Mutex
	started  map[string]bool
	finished map[string]bool
}

func NewToolPrinter(out io.Writer, color bool) *ToolPrinter {
	return &ToolPrinter{
		out:      out,
		color:    color,
		started:  make(map[string]bool),
		finished: make(map[string]bool),
	}
}

// ColorEnabled reports whether f is a terminal that accepts ANSI colors.
func ColorEnabled(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	t := strings.TrimSpace(os.Getenv("TERM"))
	if t == "" || t == "dumb" {
		return false
	}
	return f != nil && term.IsTerminal(int(f.Fd()))
}

const (
	ansiReset   = "\x1b[0m"
	ansiBold    = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiCyan    = "\x1b[36m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiRed     = "\x1b[31m"
	ansiMagenta = "\x1b[35m"
)

// Observe prints calls that started or finished since the last snapshot.
func (p *ToolPrinter) Observe(s Snapshot) {
	if p == nil || p.out == nil || s.Message == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range s.Message.ToolCalls {
		if !p.started[c.ID] {
			p.started[c.ID] = true
			p.printToolCall(c.Name, string(c.Arguments))
		}
		if c.Status == thread.ToolExecuting || p.finished[c.ID] {
			continue
		}
		p.finished[c.ID] = true
		var d time.Duration
		if !c.StartedAt.IsZero() && !c.FinishedAt.IsZero() {
			d = c.FinishedAt.Sub(c.StartedAt)
		}
		p.printToolResult(c.Name, c.Summary, c.Result, c.Status == thread.ToolError, d)
	}
}

func (p *ToolPrinter) wrap(code, text string) string {
	if !p.color || code == "" {
		return text
	}
	return code + text + ansiReset
}

func (p *ToolPrinter) header(kind, name, color string) {
	label := fmt.Sprintf("[%s]", kind)
	fmt.Fprintf(p.out, "%s %s\n", p.wrap(ansiBold+color, label), p.wrap(ansiBold, name))
}

func (p *ToolPrinter) line(label, value, labelColor, valueColor string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	fmt.Fprintf(p.out, "  %s %s\n", p.wrap(labelColor, label+":"), p.wrap(valueColor, value))
}

func (p *ToolPrinter) block(label, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	fmt.Fprintf(p.out, "  %s\n", p.wrap(ansiDim, label+":"))
	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(p.out, "    %s\n", line)
	}
}

func (p *ToolPrinter) printToolCall(name, args string) {
	p.header("TOOL", name, ansiCyan)
	if server, tool, ok := splitMCPName(name); ok {
		p.line("mcp_server", server, ansiMagenta, "")
		p.line("mcp_tool", tool, ansiMagenta, "")
		p.line("arg_keys", argKeys(args), ansiDim, "")
		return
	}
	p.block("args", formatJSON(args))
}

func (p *ToolPrinter) printToolResult(name, summary, result string, failed bool, duration time.Duration) {
	status := "ok"
	statusColor := ansiGreen
	if failed {
		status = "error"
		statusColor = ansiRed
	}
	p.header("RESULT", name, ansiYellow)
	p.line("status", status, ansiDim, statusColor)
	if duration > 0 {
		p.line("time", duration.Truncate(time.Millisecond).String(), ansiDim, ansiDim)
	}
	p.line("summary", summary, ansiDim, "")
	trimmed := strings.TrimRight(result, "\n")
	if strings.TrimSpace(trimmed) == "" {
		p.line("output", "(empty)", ansiDim, ansiDim)
	} else {
		p.block("output", formatJSON(trimmed))
	}
	fmt.Fprintln(p.out)
}

// splitMCPName parses mcp__<server>__<tool>.
func splitMCPName(name string) (string, string, bool) {
	rest, ok := strings.CutPrefix(name, "mcp__")
	if !ok {
		return "", "", false
	}
	server, tool, ok := strings.Cut(rest, "__")
	if !ok {
		return "", rest, true
	}
	return server, tool, true
}

func argKeys(raw string) string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &m); err != nil || len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}

func formatJSON(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	var out bytes.Buffer
	if json.Valid([]byte(trimmed)) {
		if err := json.Indent(&out, []byte(trimmed), "", "  "); err == nil {
			return out.String()
		}
	}
	return trimmed
}
