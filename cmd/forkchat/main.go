package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"forkchat/internal/appinfo"
)

func main() {
	app := &cli.App{
		Name:    appinfo.Name,
		Usage:   "branching chat with an LLM coding agent",
		Version: appinfo.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE` (default ./forkchat.toml or ~/.forkchat/config.toml)",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Log at debug level",
			},
			&cli.BoolFlag{
				Name:  "log-console",
				Usage: "Mirror log records to stderr",
			},
		},
		Action: chatAction,
		Commands: []*cli.Command{
			chatCommand(),
			runCommand(),
			threadsCommand(),
			configCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
