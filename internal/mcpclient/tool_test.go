package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
)

func TestLocalToolName(t *testing.T) {
	cases := []struct {
		server, tool, want string
	}{
		{"github", "search_issues", "mcp__github__search_issues"},
		{"my server", "do.it", "mcp__my_server__do_it"},
		{"", "ping", "mcp__ping"},
		{"srv", "", ""},
	}
	for _, tc := range cases {
		if got := localToolName(tc.server, tc.tool); got != tc.want {
			t.Fatalf("localToolName(%q, %q) = %q, want %q", tc.server, tc.tool, got, tc.want)
		}
	}
}

func TestToolsFrom_SkipsCollisions(t *testing.T) {
	servers := []*Server{
		{Name: "a b", tools: []*mcp.Tool{{Name: "x"}, {Name: "x"}}},
		{Name: "a_b", tools: []*mcp.Tool{{Name: "x"}, {Name: "y", Description: "why"}}},
	}
	tools, warnings := toolsFrom(servers)
	if len(tools) != 2 || tools[0].Name != "mcp__a_b__x" || tools[1].Name != "mcp__a_b__y" {
		t.Fatalf("unexpected tools: %#v", tools)
	}
	if tools[0].Server != "a b" || tools[1].Server != "a_b" {
		t.Fatalf("tools kept the wrong owners: %q, %q", tools[0].Server, tools[1].Server)
	}
	if len(warnings) != 2 || !strings.Contains(warnings[1], "already provided by a b") {
		t.Fatalf("unexpected warnings: %q", warnings)
	}
	def := tools[1].Definition()
	if def.Function.Description != "[a_b] why" || def.Function.Parameters == nil {
		t.Fatalf("unexpected definition: %#v", def)
	}
}

func TestFlatten(t *testing.T) {
	res := flatten(&mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: "found 2 files\nmore"},
			&mcp.ImageContent{MIMEType: "image/png", Data: []byte("abcd")},
			&mcp.EmbeddedResource{Resource: &mcp.ResourceContents{URI: "file:///a.txt", Text: "hello"}},
		},
		StructuredContent: map[string]any{"count": 2},
	})
	want := "found 2 files\nmore\n[image image/png, 4 bytes]\n[resource file:///a.txt]\nhello\n{\"count\":2}"
	if res.Text != want {
		t.Fatalf("unexpected text:\n%s", res.Text)
	}
	if res.Summary() != "found 2 files" {
		t.Fatalf("unexpected summary %q", res.Summary())
	}

	img := flatten(&mcp.CallToolResult{Content: []mcp.Content{&mcp.ImageContent{MIMEType: "image/png"}, &mcp.ResourceLink{URI: "https://x"}}})
	if img.Summary() != "1 image, 1 link" {
		t.Fatalf("unexpected summary %q", img.Summary())
	}
	if got := flatten(nil).Summary(); got != "no content" {
		t.Fatalf("unexpected empty summary %q", got)
	}
}

// memServer starts an in-process MCP server with an echo tool that reports
// the progress token it was called with, and a tool that always fails.
func memServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()
	srv := mcp.NewServer(&mcp.Implementation{Name: "mem", Version: "v0"}, nil)
	schema := map[string]any{"type": "object"}
	srv.AddTool(&mcp.Tool{Name: "echo", Description: "echoes", InputSchema: schema}, func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var in struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(req.Params.Arguments, &in); err != nil {
			return nil, err
		}
		text := fmt.Sprintf("%s (token=%v)", in.Text, req.Params.GetProgressToken())
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}, nil
	})
	srv.AddTool(&mcp.Tool{Name: "fail", InputSchema: schema}, func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{IsError: true, Content: []mcp.Content{&mcp.TextContent{Text: "disk full"}}}, nil
	})

	st, ct := mcp.NewInMemoryTransports()
	if _, err := srv.Connect(ctx, st, nil); err != nil {
		t.Fatalf("server connect: %v", err)
	}
	session, err := newClient(zerolog.Nop()).Connect(ctx, ct, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	s := &Server{Name: "mem", session: session}
	for tool, err := range session.Tools(ctx, &mcp.ListToolsParams{}) {
		if err != nil {
			t.Fatalf("list tools: %v", err)
		}
		s.tools = append(s.tools, tool)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestToolCall_TagsRowAndReportsServerErrors(t *testing.T) {
	tools, warnings := toolsFrom([]*Server{memServer(t)})
	if len(warnings) != 0 || len(tools) != 2 {
		t.Fatalf("unexpected tools %v, warnings %q", tools, warnings)
	}
	byName := map[string]*Tool{}
	for _, tool := range tools {
		byName[tool.Name] = tool
	}

	res, err := byName["mcp__mem__echo"].Call(t.Context(), "row-7", json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.IsError || res.Text != "hi (token=row-7)" {
		t.Fatalf("unexpected result %#v", res)
	}

	res, err = byName["mcp__mem__fail"].Call(t.Context(), "row-8", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !res.IsError || res.Summary() != "disk full" {
		t.Fatalf("expected a flagged failure, got %#v", res)
	}

	if _, err := byName["mcp__mem__echo"].Call(t.Context(), "", json.RawMessage(`[1]`)); err == nil {
		t.Fatalf("expected non-object arguments to be rejected")
	}
}

func TestCommandEnv(t *testing.T) {
	off := false
	if env := commandEnv(ServerConfig{}); env != nil {
		t.Fatalf("no overrides should inherit, got %d entries", len(env))
	}
	env := commandEnv(ServerConfig{InheritEnv: &off, Env: map[string]string{"B": "2", "A": "1"}})
	if strings.Join(env, ",") != "A=1,B=2" {
		t.Fatalf("unexpected env %q", env)
	}
	if env := commandEnv(ServerConfig{InheritEnv: &off}); env == nil || len(env) != 0 {
		t.Fatalf("inherit_env=false should clear the environment, got %q", env)
	}
}

func TestHeaderClient(t *testing.T) {
	seen := make(chan http.Header, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
	}))
	defer ts.Close()

	if headerClient(map[string]string{" ": "x"}) != nil {
		t.Fatalf("blank header names should yield no client")
	}
	client := headerClient(map[string]string{"Authorization": "Bearer t", "X-Team": "core"})
	req, _ := http.NewRequest(http.MethodGet, ts.URL, nil)
	req.Header.Set("X-Team", "mine")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	got := <-seen
	if got.Get("Authorization") != "Bearer t" || got.Get("X-Team") != "mine" {
		t.Fatalf("unexpected headers %v", got)
	}
	if req.Header.Get("Authorization") != "" {
		t.Fatalf("caller's request was modified")
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := LoadConfig("")
	if err != nil || len(cfg.Servers) != 0 {
		t.Fatalf("missing default config should be empty, got %#v, %v", cfg, err)
	}
	if _, err := LoadConfig(filepath.Join(dir, "nope.json")); err == nil {
		t.Fatalf("explicit missing config should fail")
	}

	path := filepath.Join(dir, "servers.json")
	if err := os.WriteFile(path, []byte(`{"mcp_servers":[{"name":"fs","command":"mcp-fs"}]}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	merged := cfg.Merge([]ServerConfig{{Name: "fs", Command: "other"}, {Name: "web", URL: "http://x"}})
	if len(merged.Servers) != 2 || merged.Servers[0].Command != "mcp-fs" || merged.Servers[1].Name != "web" {
		t.Fatalf("unexpected merge: %#v", merged.Servers)
	}
}

func TestRuntimeReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp.json")
	if err := os.WriteFile(path, []byte(`{"mcp_servers":[]}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	rt := NewRuntime(path, nil, zerolog.Nop())
	report, err := rt.Reload(t.Context())
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(report.Servers) != 0 || len(report.Tools) != 0 || len(rt.Tools()) != 0 {
		t.Fatalf("unexpected report: %#v", report)
	}

	if err := os.WriteFile(path, []byte(`{"mcp_servers":[{"name":"nocmd"},{"name":"nocmd"}]}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	rt = NewRuntime(path, []ServerConfig{{Name: "off", Disabled: true}}, zerolog.Nop())
	report, err = rt.Reload(t.Context())
	if err == nil {
		t.Fatalf("expected an error when no server connects")
	}
	if len(report.Servers) != 2 || report.Connected() != 0 {
		t.Fatalf("unexpected statuses: %#v", report.Servers)
	}
	if !strings.Contains(report.String(), "- nocmd: command is required") || !strings.Contains(report.String(), "duplicate server name") {
		t.Fatalf("unexpected report text:\n%s", report)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
