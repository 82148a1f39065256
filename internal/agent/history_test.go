package agent

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forkchat/internal/thread"
)

func TestBuildHistory_SkipsErrorsAndEmptyInterrupts(t *testing.T) {
	msgs := []thread.Message{
		{ID: "u1", Role: thread.RoleUser, Content: "hi"},
		{ID: "e1", Role: thread.RoleError, Content: "Backend error: boom"},
		{ID: "a0", Role: thread.RoleAI, IsInterrupted: true},
		{ID: "a1", Role: thread.RoleAI, Content: "partial", IsInterrupted: true},
		{ID: "s1", Role: thread.RoleSystem, Content: "  "},
	}
	out := buildHistory(msgs, 100)
	require.Len(t, out, 2)
	assert.Equal(t, "user", out[0].Role)
	assert.Equal(t, "assistant", out[1].Role)
	assert.Equal(t, "partial", out[1].Content)
}

func TestBuildHistory_ToolRound(t *testing.T) {
	msgs := []thread.Message{
		{ID: "u1", Role: thread.RoleUser, Content: "list"},
		{ID: "a1", Role: thread.RoleAI, ToolCalls: []thread.ToolCall{
			{ID: "c1", Name: "list_files", Arguments: json.RawMessage(`{"path":"."}`), Status: thread.ToolComplete, Summary: "2 entries", Result: "a.go\nb.go\n"},
			{ID: "c2", Name: "read_file", Status: thread.ToolExecuting},
		}, IsInterrupted: true},
	}
	out := buildHistory(msgs, 100)
	require.Len(t, out, 5)

	require.Len(t, out[1].ToolCalls, 2)
	assert.Equal(t, `{"path":"."}`, out[1].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "{}", out[1].ToolCalls[1].Function.Arguments)

	assert.Equal(t, "✓ list_files: 2 entries\na.go\nb.go", out[2].Content)
	assert.Equal(t, "c2", out[3].ToolCallID)
	assert.True(t, strings.HasPrefix(out[3].Content, "✗ FAILED (no result) read_file"))
	assert.Contains(t, out[4].Content, "interrupted")
}

func TestFormatToolResult_Truncates(t *testing.T) {
	c := thread.ToolCall{Name: "exec_command", Status: thread.ToolComplete, Summary: "exit 0: yes", Result: strings.Repeat("y", 50)}
	got := formatToolResult(c, 10)
	assert.Equal(t, "✓ exec_command: exit 0: yes\nyyyyyyyyyy\n…[truncated 40 bytes]", got)
}

func TestJoinSystem(t *testing.T) {
	assert.Equal(t, "prompt", joinSystem(" prompt ", ""))
	got := joinSystem("prompt", "we fixed the parser")
	assert.True(t, strings.HasPrefix(got, "prompt\n\n"))
	assert.True(t, strings.HasSuffix(got, "we fixed the parser"))
	assert.True(t, strings.HasPrefix(joinSystem("", "s"), "Summary of the earlier conversation"))
}
