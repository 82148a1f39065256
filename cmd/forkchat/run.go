package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"forkchat/internal/agent"
	"forkchat/internal/thread"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Send one prompt, print tool activity and the final answer",
		ArgsUsage: "[prompt]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "prompt",
				Aliases: []string{"p"},
				Usage:   "Prompt text; \"-\" reads stdin",
			},
			&cli.StringFlag{
				Name:  "thread",
				Usage: "Continue thread `ID` (prefix accepted) instead of the current one",
			},
			&cli.BoolFlag{
				Name:  "new",
				Usage: "Start a new thread",
			},
			&cli.BoolFlag{
				Name:  "raw",
				Usage: "Print the answer without markdown rendering",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	prompt, err := readPrompt(c)
	if err != nil {
		return err
	}

	s, err := openSession(c, true)
	if err != nil {
		return err
	}
	defer s.Close()

	color := agent.ColorEnabled(os.Stderr)
	printer := agent.NewToolPrinter(os.Stderr, color)
	orch, _, err := s.orchestrator(c.Context, printer.Observe)
	if err != nil {
		return err
	}

	switch {
	case c.Bool("new"):
		if _, err := orch.NewThread(c.Context, ""); err != nil {
			return err
		}
	case c.String("thread") != "":
		t, err := resolveThread(s.graph, c.String("thread"))
		if err != nil {
			return err
		}
		if err := orch.Switch(c.Context, t.ID); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := orch.HandleTurn(ctx, prompt)
	if err != nil {
		return err
	}
	answer := finalAnswer(s.graph, res)
	if err := printAnswer(os.Stdout, answer, c.Bool("raw")); err != nil {
		return err
	}

	switch {
	case res.Interrupted:
		fmt.Fprintln(os.Stderr, "interrupted")
	case res.ToolCapReached:
		fmt.Fprintf(os.Stderr, "stopped after %d tool rounds\n", res.Rounds)
	case res.AutoCompacted:
		fmt.Fprintf(os.Stderr, "history compacted into thread %s\n", res.CompactThreadID)
	}
	s.log.Info().
		Str("thread_id", res.ThreadID).
		Int("rounds", res.Rounds).
		Int("input_tokens", res.Usage.InputTokens).
		Int("output_tokens", res.Usage.OutputTokens).
		Msg("run finished")
	return nil
}

func readPrompt(c *cli.Context) (string, error) {
	prompt := c.String("prompt")
	if prompt == "" && c.Args().Len() > 0 {
		prompt = strings.Join(c.Args().Slice(), " ")
	}
	if prompt == "-" || (prompt == "" && !term.IsTerminal(int(os.Stdin.Fd()))) {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		prompt = string(data)
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("a prompt is required (use -p or pass it as an argument)")
	}
	return prompt, nil
}

// finalAnswer is the content of the last AI message the turn produced.
func finalAnswer(g *thread.Graph, res *agent.TurnResult) string {
	for i := len(res.MessageIDs) - 1; i >= 0; i-- {
		m, ok := g.Message(res.MessageIDs[i])
		if !ok {
			continue
		}
		if m.Role == thread.RoleError {
			return "**Error:** " + m.Content
		}
		if strings.TrimSpace(m.Content) != "" {
			return m.Content
		}
	}
	return ""
}

func printAnswer(out *os.File, answer string, raw bool) error {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return nil
	}
	if !raw && term.IsTerminal(int(out.Fd())) {
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(0),
		)
		if err == nil {
			if rendered, err := r.Render(answer); err == nil {
				_, err = io.WriteString(out, rendered)
				return err
			}
		}
	}
	_, err := fmt.Fprintln(out, answer)
	return err
}
