package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forkchat/internal/agent"
	"forkchat/internal/thread"
)

func seededGraph(t *testing.T, ids ...string) *thread.Graph {
	t.Helper()
	i := 0
	g := thread.NewGraph(thread.Options{NewID: func() string {
		id := ids[i]
		i++
		return id
	}})
	return g
}

func TestResolveThread(t *testing.T) {
	ctx := context.Background()
	g := seededGraph(t, "abc123", "abd456", "xyz789")
	for _, title := range []string{"one", "two", "three"} {
		_, err := g.CreateThread(ctx, title)
		require.NoError(t, err)
	}

	got, err := resolveThread(g, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "one", got.Title)

	got, err = resolveThread(g, "xy")
	require.NoError(t, err)
	assert.Equal(t, "xyz789", got.ID)

	_, err = resolveThread(g, "ab")
	assert.ErrorContains(t, err, "ambiguous")

	_, err = resolveThread(g, "nope")
	assert.True(t, errors.Is(err, thread.ErrThreadNotFound))

	_, err = resolveThread(g, " ")
	assert.Error(t, err)
}

func TestFinalAnswer(t *testing.T) {
	ctx := context.Background()
	g := seededGraph(t, "t1", "m1", "m2", "m3")
	root, err := g.CreateThread(ctx, "t")
	require.NoError(t, err)
	require.NoError(t, g.AddMessageToThread(ctx, root.ID, thread.Message{Role: thread.RoleAI, Content: "first"}))
	require.NoError(t, g.AddMessageToThread(ctx, root.ID, thread.Message{Role: thread.RoleAI, Content: "second"}))
	require.NoError(t, g.AddMessageToThread(ctx, root.ID, thread.Message{Role: thread.RoleAI}))

	assert.Equal(t, "second", finalAnswer(g, &agent.TurnResult{MessageIDs: []string{"m1", "m2", "m3"}}))
	assert.Equal(t, "", finalAnswer(g, &agent.TurnResult{}))
}

func TestWriteThreadTable(t *testing.T) {
	ctx := context.Background()
	g := seededGraph(t, "t1", "t2")
	_, err := g.CreateThread(ctx, "first thread")
	require.NoError(t, err)
	_, err = g.CreateThread(ctx, "second\nline")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeThreadTable(&buf, g, g.Threads()))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "TITLE")

	var current string
	for _, l := range lines[1:] {
		if strings.HasPrefix(l, "*") {
			current = l
		}
	}
	assert.Contains(t, current, "t1")
	assert.Contains(t, current, "first thread")
	assert.Contains(t, buf.String(), "second")
	assert.NotContains(t, buf.String(), "line")
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "héll…", clip("héllo world", 5))
}
