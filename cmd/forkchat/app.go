package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"forkchat/internal/agent"
	"forkchat/internal/config"
	"forkchat/internal/llm"
	"forkchat/internal/logging"
	"forkchat/internal/mcpclient"
	"forkchat/internal/store"
	"forkchat/internal/thread"
	"forkchat/internal/tools"
)

// session holds everything opened for one command invocation.
type session struct {
	cfg   *config.Config
	log   zerolog.Logger
	store store.Driver
	graph *thread.Graph

	backend llm.Backend
	chat    llm.ChatClient

	closers []io.Closer
}

// openSession loads configuration, logging and the thread store. With
// withBackend it also builds the LLM backend and a summarizer for the graph.
func openSession(c *cli.Context, withBackend bool) (*session, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	log, logCloser, err := logging.New(logging.Options{
		Path:       cfg.Log.Path,
		Level:      cfg.Log.Level,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Verbose:    c.Bool("verbose"),
		Console:    c.Bool("log-console"),
	})
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	s := &session{cfg: cfg, log: log, closers: []io.Closer{logCloser}}

	var summarizer thread.Summarizer
	if withBackend {
		if err := cfg.Validate(); err != nil {
			s.Close()
			return nil, err
		}
		s.backend, s.chat, err = llm.New(cfg.LLM(), log)
		if err != nil {
			s.Close()
			return nil, err
		}
		if s.chat != nil {
			summarizer = llm.NewSummarizer(s.chat)
		}
	}

	ctx := c.Context
	s.store, err = store.Open(ctx, cfg.StoreConfig())
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.closers = append(s.closers, s.store)

	s.graph = thread.NewGraph(thread.Options{
		Store:                s.store,
		Summarizer:           summarizer,
		Logger:               log.With().Str("component", "graph").Logger(),
		AutoCompactThreshold: cfg.Agent.AutoCompactThreshold,
	})
	if err := s.graph.Load(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("load threads: %w", err)
	}
	log.Debug().
		Str("store", cfg.Store.Driver).
		Int("threads", len(s.graph.Threads())).
		Msg("session opened")
	return s, nil
}

// orchestrator wires tools, MCP servers and the backend into a turn driver.
// The returned reload function is nil when no MCP servers are configured.
func (s *session) orchestrator(ctx context.Context, onUpdate func(agent.Snapshot)) (*agent.Orchestrator, func(context.Context) (string, error), error) {
	if s.backend == nil {
		return nil, nil, errors.New("session was opened without a backend")
	}
	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry, s.cfg.Tools.Workdir, s.cfg.Tools.ExecTimeoutSeconds)

	runtime := mcpclient.NewRuntime(s.cfg.MCP.ConfigPath, s.cfg.MCP.Servers, s.log)
	s.closers = append(s.closers, runtime)
	bridge := &tools.MCPBridge{Runtime: runtime, Registry: registry}
	report, err := bridge.Reload(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("mcp servers unavailable")
	} else {
		s.log.Debug().Str("report", firstLine(report)).Msg("mcp loaded")
	}
	registry.Register(&tools.MCPReloadTool{Reload: bridge.Reload})

	orch, err := agent.New(agent.Options{
		Graph:              s.graph,
		Backend:            s.backend,
		Registry:           registry,
		Logger:             s.log,
		SystemPrompt:       s.cfg.Agent.SystemPrompt,
		MaxToolRounds:      s.cfg.Agent.MaxToolRounds,
		ToolOutputMaxChars: s.cfg.Agent.ToolOutputMaxChars,
		MCPReload:          bridge.Reload,
		OnUpdate:           onUpdate,
	})
	if err != nil {
		return nil, nil, err
	}
	return orch, bridge.Reload, nil
}

func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.log.Warn().Err(err).Msg("close")
		}
	}
	s.closers = nil
}

// resolveThread accepts a full thread id or a unique prefix of one.
func resolveThread(g *thread.Graph, arg string) (thread.Thread, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return thread.Thread{}, errors.New("thread id is required")
	}
	var match []thread.Thread
	for _, t := range g.Threads() {
		if t.ID == arg {
			return t, nil
		}
		if strings.HasPrefix(t.ID, arg) {
			match = append(match, t)
		}
	}
	switch len(match) {
	case 0:
		return thread.Thread{}, fmt.Errorf("%s: %w", arg, thread.ErrThreadNotFound)
	case 1:
		return match[0], nil
	default:
		return thread.Thread{}, fmt.Errorf("thread prefix %q is ambiguous (%d matches)", arg, len(match))
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
