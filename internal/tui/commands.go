package tui

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"forkchat/internal/thread"
)

const helpText = "/compact  /fork [message-id]  /switch <thread-id>  /new [title]  /handoff <goal>  " +
	"/rename <title>  /threads  /mcp reload  /exit"

// command is a parsed slash command.
type command struct {
	Name string
	Arg  string
}

func parseCommand(text string) (command, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return command{}, false
	}
	name, arg, _ := strings.Cut(text[1:], " ")
	name = strings.ToLower(strings.TrimSpace(name))
	arg = strings.TrimSpace(arg)
	if name == "mcp-reload" {
		name, arg = "mcp", "reload"
	}
	return command{Name: name, Arg: arg}, name != ""
}

// runCommand executes a slash command. Graph operations run off the UI
// goroutine because they may call the summarizer.
func (m *model) runCommand(text string) tea.Cmd {
	cmd, ok := parseCommand(text)
	if !ok {
		m.notice = "not a command: " + text
		return nil
	}
	if m.busy {
		m.notice = "wait for the current turn to finish (Esc cancels it)"
		return nil
	}
	orch := m.orch
	graph := m.graph

	switch cmd.Name {
	case "exit", "quit":
		return tea.Quit
	case "help":
		m.banner = helpText
		return nil
	case "threads":
		m.showThreads = !m.showThreads
		m.resize()
		return nil
	case "compact":
		return m.startCommand(func(ctx context.Context) (string, error) {
			_, summary, err := orch.Compact(ctx)
			if err != nil {
				return "", err
			}
			return "Compacted: " + firstLine(summary), nil
		})
	case "fork":
		return m.startCommand(func(ctx context.Context) (string, error) {
			t, err := orch.Fork(ctx, cmd.Arg)
			if err != nil {
				return "", err
			}
			return "Forked into " + shortID(t.ID) + ".", nil
		})
	case "switch":
		id := resolveThreadID(graph.Threads(), cmd.Arg)
		if id == "" {
			m.notice = fmt.Sprintf("no thread matches %q", cmd.Arg)
			return nil
		}
		return m.startCommand(func(ctx context.Context) (string, error) {
			return "", orch.Switch(ctx, id)
		})
	case "new":
		return m.startCommand(func(ctx context.Context) (string, error) {
			t, err := orch.NewThread(ctx, cmd.Arg)
			if err != nil {
				return "", err
			}
			return "Started " + t.Title + ".", nil
		})
	case "handoff":
		if cmd.Arg == "" {
			m.notice = "usage: /handoff <goal>"
			return nil
		}
		return m.startCommand(func(ctx context.Context) (string, error) {
			t, err := orch.Handoff(ctx, cmd.Arg)
			if err != nil {
				return "", err
			}
			return "Handed off to " + t.Title + ".", nil
		})
	case "rename":
		id := graph.CurrentID()
		if id == "" || cmd.Arg == "" {
			m.notice = "usage: /rename <title>"
			return nil
		}
		return m.startCommand(func(ctx context.Context) (string, error) {
			return "", orch.Rename(ctx, id, cmd.Arg)
		})
	case "mcp":
		if cmd.Arg != "reload" {
			m.notice = "usage: /mcp reload"
			return nil
		}
		if m.mcpReload == nil {
			m.notice = "MCP is not configured"
			return nil
		}
		reload := m.mcpReload
		return m.startCommand(func(ctx context.Context) (string, error) {
			report, err := reload(ctx)
			if err != nil {
				return "", fmt.Errorf("mcp reload: %w", err)
			}
			return firstLine(report), nil
		})
	default:
		m.notice = "unknown command /" + cmd.Name + " (try /help)"
		return nil
	}
}

// resolveThreadID accepts a full id or a unique prefix of one.
func resolveThreadID(list []thread.Thread, arg string) string {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return ""
	}
	match := ""
	for _, t := range list {
		if t.ID == arg {
			return t.ID
		}
		if strings.HasPrefix(t.ID, arg) {
			if match != "" {
				return ""
			}
			match = t.ID
		}
	}
	return match
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
