package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forkchat/internal/thread"
)

func newGraph(t *testing.T) *thread.Graph {
	t.Helper()
	n := 0
	return thread.NewGraph(thread.Options{
		Now: func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%02d", n)
		},
		Summarizer: thread.SummarizerFunc(func(context.Context, string) (string, error) {
			return "User asked about tabs.\nAssistant listed files.", nil
		}),
	})
}

func TestMarkdownRendersHistoryAndTools(t *testing.T) {
	ctx := context.Background()
	g := newGraph(t)
	root, err := g.CreateThread(ctx, "Tabs  vs\nspaces")
	require.NoError(t, err)

	require.NoError(t, g.AddMessageToThread(ctx, root.ID, thread.Message{Role: thread.RoleUser, Content: "list files"}))
	require.NoError(t, g.AddMessageToThread(ctx, root.ID, thread.Message{
		Role:     thread.RoleAI,
		Content:  "Here they are.",
		Thinking: "need ls",
		ToolCalls: []thread.ToolCall{
			{ID: "c1", Name: "list_dir", Arguments: json.RawMessage(`{"path":"."}`), Status: thread.ToolComplete, Summary: "3 entries"},
			{ID: "c2", Name: "exec", Arguments: json.RawMessage(`{}`), Status: thread.ToolError},
		},
	}))
	require.NoError(t, g.AddMessageToThread(ctx, root.ID, thread.Message{Role: thread.RoleError, Content: "rate limited", IsInterrupted: true}))

	md, err := Markdown(g, root.ID)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(md, "# Tabs vs spaces\n"))
	assert.Contains(t, md, "- Thread: `"+root.ID+"` (root)")
	assert.Contains(t, md, "## User\n\nlist files")
	assert.Contains(t, md, "## Assistant\n\n> _Thinking_\n>\n> need ls\n")
	assert.Contains(t, md, "- ✓ `list_dir` 3 entries")
	assert.Contains(t, md, `"path": "."`)
	assert.Contains(t, md, "- ✗ `exec`\n")
	assert.NotContains(t, md, "```json\n  {}")
	assert.Contains(t, md, "## Error\n\nrate limited")
	assert.Contains(t, md, "_(interrupted)_")
	assert.NotContains(t, md, "Summary of earlier conversation")
}

func TestMarkdownIncludesInheritedSummary(t *testing.T) {
	ctx := context.Background()
	g := newGraph(t)
	root, err := g.CreateThread(ctx, "root")
	require.NoError(t, err)
	require.NoError(t, g.AddMessageToThread(ctx, root.ID, thread.Message{Role: thread.RoleUser, Content: "old question"}))

	newID, _, err := g.CompactThread(ctx)
	require.NoError(t, err)
	require.NoError(t, g.AddMessageToThread(ctx, newID, thread.Message{Role: thread.RoleUser, Content: "new question"}))

	md, err := Markdown(g, newID)
	require.NoError(t, err)
	assert.Contains(t, md, "> **Summary of earlier conversation**")
	assert.Contains(t, md, "> User asked about tabs.\n> Assistant listed files.\n")
	assert.Contains(t, md, "- Parent: `"+root.ID+"`")
	assert.Contains(t, md, "new question")
	assert.NotContains(t, md, "old question")
}

func TestMarkdownUnknownThread(t *testing.T) {
	_, err := Markdown(newGraph(t), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, thread.ErrThreadNotFound))

	_, err = HTML(newGraph(t), "missing")
	assert.True(t, errors.Is(err, thread.ErrThreadNotFound))
}

func TestHTMLRendersMarkdown(t *testing.T) {
	ctx := context.Background()
	g := newGraph(t)
	root, err := g.CreateThread(ctx, "Export <me>")
	require.NoError(t, err)
	require.NoError(t, g.AddMessageToThread(ctx, root.ID, thread.Message{
		Role:    thread.RoleAI,
		Content: "- a\n- b\n\n`code` <script>alert(1)</script>",
	}))

	out, err := HTML(g, root.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "<!DOCTYPE html>"))
	assert.Contains(t, out, "<title>Export &lt;me&gt;</title>")
	assert.Contains(t, out, "<h2")
	assert.Contains(t, out, "<li>a</li>")
	assert.Contains(t, out, "<code>code</code>")
	assert.NotContains(t, out, "<script>")
	assert.Contains(t, out, "forkchat v")
}
