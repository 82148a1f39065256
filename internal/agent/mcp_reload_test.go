package agent

import (
	"encoding/json"
	"testing"

	"forkchat/internal/thread"
)

func TestIsMCPRelatedPath(t *testing.T) {
	trueCases := []string{
		"mcp/calculator/server.py",
		"./mcp/calculator/server.py",
		"/tmp/work/mcp/calculator/server.py",
		"mcp.json",
		"config/forkchat.toml",
		"bin/calculator-mcp",
	}
	for _, tc := range trueCases {
		if !isMCPRelatedPath(tc) {
			t.Fatalf("expected true for path %q", tc)
		}
	}

	falseCases := []string{
		"",
		"README.md",
		"docs/mcp-notes/README.md",
		"bin/forkchat",
		"internal/agent/orchestrator.go",
	}
	for _, tc := range falseCases {
		if isMCPRelatedPath(tc) {
			t.Fatalf("expected false for path %q", tc)
		}
	}
}

func TestTouchesMCPConfig(t *testing.T) {
	row := func(name, args string, status thread.ToolStatus) thread.ToolCall {
		return thread.ToolCall{Name: name, Arguments: json.RawMessage(args), Status: status}
	}
	cases := []struct {
		name string
		rows []thread.ToolCall
		want bool
	}{
		{"write mcp.json", []thread.ToolCall{row("write_file", `{"path":"mcp.json"}`, thread.ToolComplete)}, true},
		{"failed write", []thread.ToolCall{row("write_file", `{"path":"mcp.json"}`, thread.ToolError)}, false},
		{"move into mcp dir", []thread.ToolCall{row("move_file", `{"src":"a.py","dest":"mcp/a.py"}`, thread.ToolComplete)}, true},
		{"read only", []thread.ToolCall{row("read_file", `{"path":"mcp.json"}`, thread.ToolComplete)}, false},
		{"other file", []thread.ToolCall{row("edit_file", `{"path":"main.go"}`, thread.ToolComplete)}, false},
		{"bad args", []thread.ToolCall{row("write_file", `not json`, thread.ToolComplete)}, false},
	}
	for _, tc := range cases {
		if got := touchesMCPConfig(tc.rows); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}
