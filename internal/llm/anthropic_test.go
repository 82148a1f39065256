package llm

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

func TestResolvedAnthropicBaseURL(t *testing.T) {
	cases := map[string]string{
		"":                               "https://api.anthropic.com/",
		"https://proxy.example.com/v1/":  "https://proxy.example.com/",
		"https://proxy.example.com/api":  "https://proxy.example.com/api/",
		" https://api.anthropic.com/v1 ": "https://api.anthropic.com/",
	}
	for in, want := range cases {
		if got := resolvedAnthropicBaseURL(in); got != want {
			t.Fatalf("resolvedAnthropicBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestToAnthropicMessages_GroupsToolResults(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "read both"},
		{Role: "assistant", Content: "Reading.", ToolCalls: []ToolCall{
			{ID: "t1", Type: "function", Function: ToolCallFunction{Name: "read_file", Arguments: `{"path":"a"}`}},
			{ID: "t2", Type: "function", Function: ToolCallFunction{Name: "read_file", Arguments: `{"path":"b"}`}},
		}},
		{Role: "tool", ToolCallID: "t1", Content: "A"},
		{Role: "tool", ToolCallID: "t2", Content: "ERROR: missing"},
		{Role: "user", Content: "continue"},
	}
	system, out, err := toAnthropicMessages(msgs)
	if err != nil {
		t.Fatalf("toAnthropicMessages: %v", err)
	}
	if len(system) != 1 || system[0].Text != "be brief" {
		t.Fatalf("unexpected system blocks: %#v", system)
	}
	if len(out) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(out))
	}
	if out[1].Role != anthropic.MessageParamRoleAssistant || len(out[1].Content) != 3 {
		t.Fatalf("expected assistant text + 2 tool_use blocks, got %#v", out[1])
	}
	if out[2].Role != anthropic.MessageParamRoleUser || len(out[2].Content) != 2 {
		t.Fatalf("expected grouped tool results, got %#v", out[2])
	}
	if out[2].Content[1].OfToolResult == nil || !out[2].Content[1].OfToolResult.IsError.Value {
		t.Fatalf("expected second tool result flagged as error")
	}
}
