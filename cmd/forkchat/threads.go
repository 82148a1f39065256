package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"forkchat/internal/thread"
	"forkchat/internal/transcript"
)

func threadsCommand() *cli.Command {
	return &cli.Command{
		Name:  "threads",
		Usage: "Inspect stored threads",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List threads, most recently updated first",
				Action: threadsListAction,
			},
			{
				Name:      "show",
				Usage:     "Print the visible history of a thread",
				ArgsUsage: "ID",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "raw", Usage: "Print markdown without rendering"},
				},
				Action: threadsShowAction,
			},
			{
				Name:      "export",
				Usage:     "Export a thread as markdown or HTML",
				ArgsUsage: "ID",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "format",
						Aliases: []string{"f"},
						Usage:   "md or html",
						Value:   "md",
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Write to `FILE` instead of stdout",
					},
				},
				Action: threadsExportAction,
			},
			{
				Name:      "delete",
				Usage:     "Delete a thread; its children move to its parent",
				ArgsUsage: "ID",
				Action:    threadsDeleteAction,
			},
		},
	}
}

func threadsListAction(c *cli.Context) error {
	s, err := openSession(c, false)
	if err != nil {
		return err
	}
	defer s.Close()

	list := s.graph.Threads()
	if len(list) == 0 {
		fmt.Println("(no threads)")
		return nil
	}
	return writeThreadTable(os.Stdout, s.graph, list)
}

func writeThreadTable(out io.Writer, g *thread.Graph, list []thread.Thread) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tTYPE\tTOKENS\tUPDATED\tTITLE")
	current := g.CurrentID()
	for _, t := range list {
		mark := ""
		if t.ID == current {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			mark,
			t.ID,
			t.Type,
			g.TotalTokenCount(t.ID),
			t.UpdatedAt.Local().Format(time.DateTime),
			clip(firstLine(t.Title), 60),
		)
	}
	return tw.Flush()
}

func threadsShowAction(c *cli.Context) error {
	s, err := openSession(c, false)
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := resolveThread(s.graph, c.Args().First())
	if err != nil {
		return err
	}
	md, err := transcript.Markdown(s.graph, t.ID)
	if err != nil {
		return err
	}
	return printAnswer(os.Stdout, md, c.Bool("raw"))
}

func threadsExportAction(c *cli.Context) error {
	s, err := openSession(c, false)
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := resolveThread(s.graph, c.Args().First())
	if err != nil {
		return err
	}
	var doc string
	switch strings.ToLower(strings.TrimSpace(c.String("format"))) {
	case "md", "markdown":
		doc, err = transcript.Markdown(s.graph, t.ID)
	case "html":
		doc, err = transcript.HTML(s.graph, t.ID)
	default:
		return fmt.Errorf("unknown format %q (use md or html)", c.String("format"))
	}
	if err != nil {
		return err
	}

	path := strings.TrimSpace(c.String("output"))
	if path == "" {
		_, err = io.WriteString(os.Stdout, doc)
		return err
	}
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s\n", path)
	return nil
}

func threadsDeleteAction(c *cli.Context) error {
	s, err := openSession(c, false)
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := resolveThread(s.graph, c.Args().First())
	if err != nil {
		return err
	}
	if err := s.graph.DeleteThread(c.Context, t.ID); err != nil {
		return err
	}
	fmt.Printf("deleted %s (%s)\n", t.ID, clip(firstLine(t.Title), 60))
	return nil
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
