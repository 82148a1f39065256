package agent

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"forkchat/internal/thread"
)

func TestToolPrinter_MCPCallShowsServerAndKeys(t *testing.T) {
	var out bytes.Buffer
	p := NewToolPrinter(&out, false)

	p.Observe(Snapshot{Message: &thread.Message{ToolCalls: []thread.ToolCall{
		{ID: "c1", Name: "mcp__calculator__evaluate", Arguments: json.RawMessage(`{"b":2,"a":1}`), Status: thread.ToolExecuting},
	}}})
	got := out.String()

	for _, want := range []string{"[TOOL] mcp__calculator__evaluate", "mcp_server: calculator", "mcp_tool: evaluate", "arg_keys: a, b"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, got)
		}
	}
	if strings.Contains(got, "[RESULT]") {
		t.Fatalf("did not expect a result for an executing call, got:\n%s", got)
	}
}

func TestToolPrinter_PrintsEachTransitionOnce(t *testing.T) {
	var out bytes.Buffer
	p := NewToolPrinter(&out, false)
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	call := thread.ToolCall{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{"path":"a.go"}`), Status: thread.ToolExecuting, StartedAt: start}

	p.Observe(Snapshot{Message: &thread.Message{ToolCalls: []thread.ToolCall{call}}})
	call.Status = thread.ToolError
	call.Summary = "no such file"
	call.Result = "ERROR: no such file"
	call.FinishedAt = start.Add(8 * time.Millisecond)
	snap := Snapshot{Message: &thread.Message{ToolCalls: []thread.ToolCall{call}}}
	p.Observe(snap)
	p.Observe(snap)

	got := out.String()
	if strings.Count(got, "[TOOL] read_file") != 1 || strings.Count(got, "[RESULT] read_file") != 1 {
		t.Fatalf("expected one call and one result, got:\n%s", got)
	}
	for _, want := range []string{"status: error", "time: 8ms", "summary: no such file", "\"path\": \"a.go\""} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, got)
		}
	}
}

func TestSplitMCPName(t *testing.T) {
	if _, _, ok := splitMCPName("read_file"); ok {
		t.Fatalf("expected builtin name to be rejected")
	}
	server, tool, ok := splitMCPName("mcp__fs__list")
	if !ok || server != "fs" || tool != "list" {
		t.Fatalf("got %q %q %v", server, tool, ok)
	}
}
