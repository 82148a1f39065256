package mcpclient

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Runtime owns the live MCP sessions and the tools they expose. Reload
// swaps both at once; a reload that connects nothing keeps the old set.
type Runtime struct {
	configPath string
	inline     []ServerConfig
	log        zerolog.Logger

	mu      sync.RWMutex
	servers []*Server
	tools   []*Tool
}

// NewRuntime reads servers from the JSON file at configPath plus any inline
// servers from the main configuration.
func NewRuntime(configPath string, inline []ServerConfig, log zerolog.Logger) *Runtime {
	return &Runtime{
		configPath: strings.TrimSpace(configPath),
		inline:     inline,
		log:        log.With().Str("component", "mcp").Logger(),
	}
}

type ReloadReport struct {
	ConfigPath string
	Servers    []ServerStatus
	Tools      []string
	Warnings   []string
}

// Connected counts the servers that came up.
func (r ReloadReport) Connected() int {
	n := 0
	for _, s := range r.Servers {
		if s.Err == nil {
			n++
		}
	}
	return n
}

func (r ReloadReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "mcp: %d/%d servers, %d tools (%s)", r.Connected(), len(r.Servers), len(r.Tools), r.ConfigPath)
	for _, s := range r.Servers {
		if s.Err != nil {
			fmt.Fprintf(&b, "\n- %s: %v", s.Name, s.Err)
		} else {
			fmt.Fprintf(&b, "\n- %s: %d tools", s.Name, s.Tools)
		}
	}
	for _, w := range r.Warnings {
		b.WriteString("\n! " + w)
	}
	return b.String()
}

func (r *Runtime) Reload(ctx context.Context) (ReloadReport, error) {
	report := ReloadReport{ConfigPath: r.configPath}
	if report.ConfigPath == "" {
		report.ConfigPath = DefaultConfigPath
	}
	cfg, err := LoadConfig(r.configPath)
	if err != nil {
		return report, err
	}
	cfg = cfg.Merge(r.inline)

	servers, statuses := connectAll(ctx, cfg.Servers, r.log)
	report.Servers = statuses
	if len(statuses) > 0 && len(servers) == 0 {
		return report, fmt.Errorf("mcp reload: no server connected\n%s", report)
	}
	tools, warnings := toolsFrom(servers)
	report.Warnings = warnings
	for _, t := range tools {
		report.Tools = append(report.Tools, t.Name)
	}

	r.mu.Lock()
	old := r.servers
	r.servers, r.tools = servers, tools
	r.mu.Unlock()

	if err := closeAll(old); err != nil {
		report.Warnings = append(report.Warnings, "close previous sessions: "+err.Error())
	}
	r.log.Info().Int("servers", report.Connected()).Strs("tools", report.Tools).Msg("mcp reloaded")
	return report, nil
}

func (r *Runtime) Tools() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Tool(nil), r.tools...)
}

func (r *Runtime) Close() error {
	r.mu.Lock()
	old := r.servers
	r.servers, r.tools = nil, nil
	r.mu.Unlock()
	return closeAll(old)
}
