package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"forkchat/internal/config"
)

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage the configuration file",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a sample configuration file",
				Action: func(c *cli.Context) error {
					path := strings.TrimSpace(c.String("config"))
					if path == "" {
						path = filepath.Join(config.DataDir(), "config.toml")
					}
					if err := config.Init(path); err != nil {
						return err
					}
					fmt.Printf("config: %s (created)\n", path)
					return nil
				},
			},
		},
	}
}
