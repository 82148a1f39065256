package mcpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"forkchat/internal/appinfo"
)

const (
	connectTimeout = 20 * time.Second
	maxDialers     = 4
)

// Server is one connected MCP server and the tools it listed.
type Server struct {
	Name    string
	session *mcp.ClientSession
	tools   []*mcp.Tool
}

func (s *Server) Close() error {
	if s == nil || s.session == nil {
		return nil
	}
	return s.session.Close()
}

// ServerStatus is how one configured server fared on the last reload.
type ServerStatus struct {
	Name  string
	Tools int
	Err   error
}

func newClient(log zerolog.Logger) *mcp.Client {
	return mcp.NewClient(&mcp.Implementation{Name: appinfo.Name, Version: appinfo.Version}, &mcp.ClientOptions{
		ProgressNotificationHandler: func(_ context.Context, req *mcp.ProgressNotificationClientRequest) {
			p := req.Params
			log.Debug().Interface("tool_call_id", p.ProgressToken).Float64("progress", p.Progress).
				Float64("total", p.Total).Str("message", p.Message).Msg("mcp progress")
		},
		ToolListChangedHandler: func(context.Context, *mcp.ToolListChangedRequest) {
			log.Info().Msg("mcp server changed its tool list; run /mcp reload to pick it up")
		},
	})
}

// connectAll dials every enabled server, a few at a time, each under its own
// timeout. Connected servers come back in config order; one status is
// reported per enabled server.
func connectAll(ctx context.Context, configs []ServerConfig, log zerolog.Logger) ([]*Server, []ServerStatus) {
	enabled := make([]ServerConfig, 0, len(configs))
	statuses := make([]ServerStatus, 0, len(configs))
	seen := make(map[string]bool)
	for _, cfg := range configs {
		if cfg.Disabled {
			continue
		}
		cfg.Name = strings.TrimSpace(cfg.Name)
		switch {
		case cfg.Name == "":
			statuses = append(statuses, ServerStatus{Name: "(unnamed)", Err: errors.New("server name is required")})
			continue
		case seen[cfg.Name]:
			statuses = append(statuses, ServerStatus{Name: cfg.Name, Err: errors.New("duplicate server name")})
			continue
		}
		seen[cfg.Name] = true
		enabled = append(enabled, cfg)
	}
	if len(enabled) == 0 {
		return nil, statuses
	}

	client := newClient(log)
	slots := make([]*Server, len(enabled))
	results := make([]ServerStatus, len(enabled))
	var g errgroup.Group
	g.SetLimit(maxDialers)
	for i, cfg := range enabled {
		g.Go(func() error {
			srv, err := dial(ctx, client, cfg)
			results[i] = ServerStatus{Name: cfg.Name, Err: err}
			if err != nil {
				log.Warn().Err(err).Str("server", cfg.Name).Msg("mcp connect failed")
				return nil
			}
			results[i].Tools = len(srv.tools)
			slots[i] = srv
			log.Debug().Str("server", cfg.Name).Int("tools", len(srv.tools)).Msg("mcp connected")
			return nil
		})
	}
	_ = g.Wait()

	servers := make([]*Server, 0, len(slots))
	for _, s := range slots {
		if s != nil {
			servers = append(servers, s)
		}
	}
	return servers, append(statuses, results...)
}

func dial(ctx context.Context, client *mcp.Client, cfg ServerConfig) (*Server, error) {
	transport, err := transportFor(cfg)
	if err != nil {
		return nil, err
	}
	sessionCtx := ctx
	if _, ok := transport.(*mcp.SSEClientTransport); ok {
		// The SSE event stream lives as long as the context it was opened with.
		sessionCtx = context.WithoutCancel(ctx)
	} else {
		var cancel context.CancelFunc
		sessionCtx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}
	session, err := client.Connect(sessionCtx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	listCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	var tools []*mcp.Tool
	for tool, err := range session.Tools(listCtx, &mcp.ListToolsParams{}) {
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("list tools: %w", err)
		}
		tools = append(tools, tool)
	}
	return &Server{Name: cfg.Name, session: session, tools: tools}, nil
}

func closeAll(servers []*Server) error {
	var errs []error
	for _, s := range servers {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

func transportFor(cfg ServerConfig) (mcp.Transport, error) {
	switch kind := strings.ToLower(strings.TrimSpace(cfg.Transport)); kind {
	case "", "command", "stdio":
		if strings.TrimSpace(cfg.Command) == "" {
			return nil, errors.New("command is required for a stdio server")
		}
		cmd := exec.Command(cfg.Command, cfg.Args...)
		cmd.Dir = strings.TrimSpace(cfg.Dir)
		cmd.Env = commandEnv(cfg)
		return &mcp.CommandTransport{Command: cmd}, nil
	case "sse":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("url is required for an sse server")
		}
		return &mcp.SSEClientTransport{Endpoint: cfg.URL, HTTPClient: headerClient(cfg.Headers)}, nil
	case "http", "streamable", "streamable_http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("url is required for an http server")
		}
		return &mcp.StreamableClientTransport{Endpoint: cfg.URL, HTTPClient: headerClient(cfg.Headers)}, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

// commandEnv is the parent environment unless inherit_env is false, plus the
// configured variables in a stable order. nil means inherit.
func commandEnv(cfg ServerConfig) []string {
	inherit := cfg.InheritEnv == nil || *cfg.InheritEnv
	if len(cfg.Env) == 0 {
		if inherit {
			return nil
		}
		return []string{}
	}
	var env []string
	if inherit {
		env = os.Environ()
	}
	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		env = append(env, k+"="+cfg.Env[k])
	}
	return env
}

// headerTransport adds fixed headers, such as an auth token, to every request
// that does not already carry them.
type headerTransport struct {
	base    http.RoundTripper
	headers http.Header
}

func (h headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, vs := range h.headers {
		if req.Header.Get(k) == "" {
			req.Header[k] = vs
		}
	}
	return h.base.RoundTrip(req)
}

func headerClient(headers map[string]string) *http.Client {
	h := make(http.Header, len(headers))
	for k, v := range headers {
		if k = strings.TrimSpace(k); k != "" {
			h.Set(k, v)
		}
	}
	if len(h) == 0 {
		return nil
	}
	return &http.Client{Transport: headerTransport{base: http.DefaultTransport, headers: h}}
}
