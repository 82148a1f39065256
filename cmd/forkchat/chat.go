package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"forkchat/internal/tui"
)

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:   "chat",
		Usage:  "Open the interactive thread UI (default)",
		Action: chatAction,
	}
}

func chatAction(c *cli.Context) error {
	s, err := openSession(c, true)
	if err != nil {
		return err
	}
	defer s.Close()

	orch, reload, err := s.orchestrator(c.Context, nil)
	if err != nil {
		return err
	}
	return tui.Run(c.Context, os.Stdin, os.Stdout, tui.Options{
		Orchestrator: orch,
		MCPReload:    reload,
		Logger:       s.log,
	})
}
