package thread

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapStore struct {
	mu       sync.Mutex
	threads  map[string]Thread
	messages map[string]Message
	saves    int
}

func newMapStore() *mapStore {
	return &mapStore{threads: map[string]Thread{}, messages: map[string]Message{}}
}

func (s *mapStore) SaveThread(_ context.Context, t Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[t.ID] = t.clone()
	s.saves++
	return nil
}

func (s *mapStore) LoadThread(_ context.Context, id string) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return Thread{}, ErrThreadNotFound
	}
	return t.clone(), nil
}

func (s *mapStore) DeleteThread(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, id)
	return nil
}

func (s *mapStore) ListThreads(context.Context) ([]Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Thread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, t.clone())
	}
	return out, nil
}

func (s *mapStore) SaveMessage(_ context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m.clone()
	return nil
}

func (s *mapStore) LoadMessage(_ context.Context, id string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	return m.clone(), nil
}

func (s *mapStore) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
	return nil
}

type fakeSummarizer struct {
	summary string
	err     error
	calls   int
	last    string
}

func (f *fakeSummarizer) Summarize(_ context.Context, text string) (string, error) {
	f.calls++
	f.last = text
	return f.summary, f.err
}

func newTestGraph(t *testing.T, opts Options) *Graph {
	t.Helper()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	next := 0
	opts.Logger = zerolog.Nop()
	opts.Now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	opts.NewID = func() string {
		next++
		return fmt.Sprintf("t%d", next)
	}
	return NewGraph(opts)
}

func addMsg(t *testing.T, g *Graph, threadID, id string, role Role, content string) {
	t.Helper()
	require.NoError(t, g.AddMessageToThread(context.Background(), threadID, Message{ID: id, Role: role, Content: content}))
}

func currentCount(g *Graph) int {
	n := 0
	for _, th := range g.Threads() {
		if th.Status == StatusCurrent {
			n++
		}
	}
	return n
}

func TestCreateThread_FirstIsCurrent(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t, Options{})

	first, err := g.CreateThread(ctx, "first")
	require.NoError(t, err)
	second, err := g.CreateThread(ctx, "  ")
	require.NoError(t, err)

	assert.Equal(t, StatusCurrent, first.Status)
	assert.Equal(t, StatusVisited, second.Status)
	assert.Equal(t, TypeRoot, second.Type)
	assert.Equal(t, defaultThreadTitle, second.Title)
	assert.Equal(t, first.ID, g.CurrentID())
	assert.Equal(t, 1, currentCount(g))
}

func TestSwitchThread(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t, Options{})
	a, _ := g.CreateThread(ctx, "a")
	b, _ := g.CreateThread(ctx, "b")

	require.NoError(t, g.SwitchThread(ctx, b.ID))
	assert.Equal(t, b.ID, g.CurrentID())
	got, _ := g.Thread(a.ID)
	assert.Equal(t, StatusVisited, got.Status)

	require.NoError(t, g.SwitchThread(ctx, "missing"))
	assert.Equal(t, b.ID, g.CurrentID())
	assert.Equal(t, 1, currentCount(g))
}

func TestThreadMessageIDs_ForkTruncatesParent(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t, Options{})
	root, _ := g.CreateThread(ctx, "root")
	addMsg(t, g, root.ID, "m1", RoleUser, "one")
	addMsg(t, g, root.ID, "m2", RoleAI, "two")
	addMsg(t, g, root.ID, "m3", RoleUser, "three")

	fork, err := g.ForkThread(ctx, root.ID, "m2")
	require.NoError(t, err)

	assert.Equal(t, []string{"m1", "m2"}, g.ThreadMessageIDs(fork.ID))
	assert.Equal(t, []string{"m1", "m2", "m3"}, g.ThreadMessageIDs(root.ID))

	parent, _ := g.Thread(root.ID)
	assert.Equal(t, []string{fork.ID}, parent.ChildIDs)
	assert.Equal(t, StatusVisited, parent.Status)
	assert.Equal(t, fork.ID, g.CurrentID())
}

func TestThreadMessageIDs_ForkExample(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t, Options{})
	r, _ := g.CreateThread(ctx, "R")
	addMsg(t, g, r.ID, "u1", RoleUser, "hi")
	addMsg(t, g, r.ID, "a1", RoleAI, "hello")

	f, err := g.ForkThread(ctx, r.ID, "a1")
	require.NoError(t, err)
	addMsg(t, g, f.ID, "u2", RoleUser, "branch")

	assert.Equal(t, []string{"u1", "a1", "u2"}, g.ThreadMessageIDs(f.ID))
	assert.Equal(t, []string{"u1", "a1"}, g.ThreadMessageIDs(r.ID))
}

func TestThreadMessageIDs_ThreeGenerations(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t, Options{})
	r, _ := g.CreateThread(ctx, "R")
	addMsg(t, g, r.ID, "r1", RoleUser, "a")
	addMsg(t, g, r.ID, "r2", RoleAI, "b")
	addMsg(t, g, r.ID, "r3", RoleUser, "c")

	c, _ := g.ForkThread(ctx, r.ID, "r2")
	addMsg(t, g, c.ID, "c1", RoleUser, "d")
	addMsg(t, g, c.ID, "c2", RoleAI, "e")
	addMsg(t, g, c.ID, "c3", RoleUser, "f")

	gc, _ := g.ForkThread(ctx, c.ID, "c2")
	addMsg(t, g, gc.ID, "g1", RoleUser, "g")

	got := g.ThreadMessageIDs(gc.ID)
	assert.Equal(t, []string{"r1", "r2", "c1", "c2", "g1"}, got)

	seen := map[string]bool{}
	var last time.Time
	for _, m := range g.Messages(got) {
		assert.False(t, seen[m.ID], "duplicate %s", m.ID)
		seen[m.ID] = true
		assert.True(t, m.CreatedAt.After(last), "%s out of order", m.ID)
		last = m.CreatedAt
	}
}

func TestThreadMessageIDs_MissingForkPointIncludesWholeSegment(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t, Options{})
	r, _ := g.CreateThread(ctx, "R")
	addMsg(t, g, r.ID, "m1", RoleUser, "a")
	addMsg(t, g, r.ID, "m2", RoleAI, "b")

	f, err := g.ForkThread(ctx, r.ID, "gone")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, g.ThreadMessageIDs(f.ID))
	assert.Nil(t, g.ThreadMessageIDs("unknown"))
}

func TestForkThread_UnknownParent(t *testing.T) {
	g := newTestGraph(t, Options{})
	_, err := g.ForkThread(context.Background(), "nope", "m1")
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestTotalTokenCount_SumsChainWithoutTruncation(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t, Options{})
	r, _ := g.CreateThread(ctx, "R")
	addMsg(t, g, r.ID, "m1", RoleUser, strings.Repeat("a", 8))
	addMsg(t, g, r.ID, "m2", RoleAI, strings.Repeat("b", 8))
	addMsg(t, g, r.ID, "m3", RoleUser, strings.Repeat("c", 8))

	f, _ := g.ForkThread(ctx, r.ID, "m1")
	addMsg(t, g, f.ID, "f1", RoleUser, strings.Repeat("d", 5))

	assert.Equal(t, 6, g.TotalTokenCount(r.ID))
	assert.Equal(t, 8, g.TotalTokenCount(f.ID))
}

func TestCompactThread(t *testing.T) {
	ctx := context.Background()
	sum := &fakeSummarizer{summary: "Refactored the parser"}
	store := newMapStore()
	g := newTestGraph(t, Options{Summarizer: sum, Store: store})
	r, _ := g.CreateThread(ctx, "R")
	addMsg(t, g, r.ID, "u1", RoleUser, "please refactor the parser")
	addMsg(t, g, r.ID, "a1", RoleAI, "done")

	newID, summary, err := g.CompactThread(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Refactored the parser", summary)
	assert.Equal(t, 1, sum.calls)
	assert.Contains(t, sum.last, "please refactor the parser")

	child, ok := g.Thread(newID)
	require.True(t, ok)
	assert.Equal(t, r.ID, child.ParentID)
	assert.Equal(t, TypeCompact, child.Type)
	assert.Equal(t, StatusCurrent, child.Status)
	assert.Empty(t, child.MessageIDs)
	assert.Equal(t, summary, child.Summary)

	prev, _ := g.Thread(r.ID)
	assert.Equal(t, StatusVisited, prev.Status)
	assert.Equal(t, summary, prev.Title)
	assert.Equal(t, []string{"u1", "a1"}, prev.MessageIDs)
	assert.Equal(t, newID, g.CurrentID())
	assert.Equal(t, 1, currentCount(g))

	assert.Empty(t, g.ThreadMessageIDs(newID))
	assert.Equal(t, summary, g.InheritedSummary(newID))
	assert.Equal(t, 0, g.TotalTokenCount(newID))

	stored, err := store.LoadThread(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, summary, stored.Title)
}

func TestCompactThread_SummarizerFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t, Options{Summarizer: &fakeSummarizer{err: errors.New("rate limited")}})
	r, _ := g.CreateThread(ctx, "R")
	addMsg(t, g, r.ID, "u1", RoleUser, "fix the flaky test\nmore detail")

	_, summary, err := g.CompactThread(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Conversation about: fix the flaky test", summary)
}

func TestCompactThread_NoCurrent(t *testing.T) {
	g := newTestGraph(t, Options{})
	_, _, err := g.CompactThread(context.Background())
	assert.ErrorIs(t, err, ErrNoCurrentThread)
}

func TestCheckAutoCompact_FiresOnce(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t, Options{AutoCompactThreshold: 10, Summarizer: &fakeSummarizer{summary: "s"}})
	r, _ := g.CreateThread(ctx, "R")

	addMsg(t, g, r.ID, "m1", RoleUser, strings.Repeat("x", 20))
	fired, err := g.CheckAutoCompact(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, fired)

	addMsg(t, g, r.ID, "m2", RoleAI, strings.Repeat("y", 20))
	fired, err = g.CheckAutoCompact(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, fired)
	assert.NotEqual(t, r.ID, g.CurrentID())

	fired, err = g.CheckAutoCompact(ctx, g.CurrentID())
	require.NoError(t, err)
	assert.False(t, fired)

	fired, err = g.CheckAutoCompact(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, fired)
}

func TestHandoffThread(t *testing.T) {
	ctx := context.Background()
	sum := &fakeSummarizer{summary: "context so far"}
	g := newTestGraph(t, Options{Summarizer: sum})
	r, _ := g.CreateThread(ctx, "R")
	addMsg(t, g, r.ID, "u1", RoleUser, "hello")

	h, err := g.HandoffThread(ctx, "write the docs")
	require.NoError(t, err)
	assert.Equal(t, TypeHandoff, h.Type)
	assert.Equal(t, "write the docs", h.Title)
	assert.Equal(t, "context so far", h.Summary)
	assert.Contains(t, sum.last, "write the docs")

	prev, _ := g.Thread(r.ID)
	assert.Equal(t, StatusHandoff, prev.Status)
	assert.Equal(t, "R", prev.Title)
	assert.Equal(t, 1, currentCount(g))
}

func TestAddMessageToThread(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t, Options{})
	a, _ := g.CreateThread(ctx, "a")
	b, _ := g.CreateThread(ctx, "b")

	addMsg(t, g, a.ID, "m1", RoleUser, "abcd")
	err := g.AddMessageToThread(ctx, b.ID, Message{ID: "m1", Role: RoleUser})
	assert.ErrorIs(t, err, ErrMessageReassigned)
	err = g.AddMessageToThread(ctx, "zz", Message{ID: "m2"})
	assert.ErrorIs(t, err, ErrThreadNotFound)

	addMsg(t, g, a.ID, "m1", RoleUser, "abcdefgh")
	got, _ := g.Thread(a.ID)
	assert.Equal(t, []string{"m1"}, got.MessageIDs)
	assert.Equal(t, 2, got.TokenCount)
}

func TestUpdateMessage_AdjustsTokens(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t, Options{})
	a, _ := g.CreateThread(ctx, "a")
	require.NoError(t, g.AddMessageToThread(ctx, a.ID, Message{ID: "m1", Role: RoleAI, IsStreaming: true}))

	require.NoError(t, g.UpdateMessage(ctx, Message{ID: "m1", Role: RoleAI, Content: strings.Repeat("z", 12)}))
	got, _ := g.Thread(a.ID)
	assert.Equal(t, 3, got.TokenCount)
	m, ok := g.Message("m1")
	require.True(t, ok)
	assert.Equal(t, a.ID, m.ThreadID)

	assert.ErrorIs(t, g.UpdateMessage(ctx, Message{ID: "nope"}), ErrMessageNotFound)
}

func TestUpdateMessage_CompletedContentIsFrozen(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t, Options{})
	a, _ := g.CreateThread(ctx, "a")
	addMsg(t, g, a.ID, "m1", RoleAI, "final answer")

	err := g.UpdateMessage(ctx, Message{ID: "m1", Role: RoleAI, Content: "rewritten"})
	assert.ErrorIs(t, err, ErrMessageFrozen)
	err = g.UpdateMessage(ctx, Message{ID: "m1", Role: RoleError, Content: "final answer"})
	assert.ErrorIs(t, err, ErrMessageFrozen)

	m, _ := g.Message("m1")
	assert.Equal(t, "final answer", m.Content)
	got, _ := g.Thread(a.ID)
	assert.Equal(t, EstimateTokens("final answer"), got.TokenCount)

	row := ToolCall{ID: "c1", Name: "echo", Status: ToolComplete, Result: "ok"}
	require.NoError(t, g.UpdateMessage(ctx, Message{ID: "m1", Role: RoleAI, Content: "final answer", ToolCalls: []ToolCall{row}, IsInterrupted: true}))
	m, _ = g.Message("m1")
	assert.True(t, m.IsInterrupted)
	require.Len(t, m.ToolCalls, 1)
	assert.Equal(t, ToolComplete, m.ToolCalls[0].Status)
}

func TestAccumulateStats(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t, Options{})
	a, _ := g.CreateThread(ctx, "a")

	require.NoError(t, g.AccumulateStats(ctx, Stats{Additions: 3}))
	require.NoError(t, g.AccumulateStats(ctx, Stats{Additions: 1, Deletions: 2}))
	got, _ := g.Thread(a.ID)
	assert.Equal(t, Stats{Additions: 4, Deletions: 2}, got.Stats)
}

func TestRenameThread(t *testing.T) {
	ctx := context.Background()
	st := newMapStore()
	g := newTestGraph(t, Options{Store: st})
	a, _ := g.CreateThread(ctx, "a")

	require.NoError(t, g.RenameThread(ctx, a.ID, "  renamed "))
	got, _ := g.Thread(a.ID)
	assert.Equal(t, "renamed", got.Title)
	assert.Equal(t, "renamed", st.threads[a.ID].Title)

	require.NoError(t, g.RenameThread(ctx, a.ID, "   "))
	got, _ = g.Thread(a.ID)
	assert.Equal(t, "renamed", got.Title)

	err := g.RenameThread(ctx, "missing", "x")
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestDeleteThread_ReparentsChildren(t *testing.T) {
	ctx := context.Background()
	store := newMapStore()
	g := newTestGraph(t, Options{Store: store})
	r, _ := g.CreateThread(ctx, "R")
	addMsg(t, g, r.ID, "r1", RoleUser, "a")
	addMsg(t, g, r.ID, "r2", RoleAI, "b")
	mid, _ := g.ForkThread(ctx, r.ID, "r2")
	addMsg(t, g, mid.ID, "m1", RoleUser, "c")
	leaf, _ := g.ForkThread(ctx, mid.ID, "m1")

	require.NoError(t, g.DeleteThread(ctx, mid.ID))

	_, ok := g.Thread(mid.ID)
	assert.False(t, ok)
	_, ok = g.Message("m1")
	assert.False(t, ok)

	got, _ := g.Thread(leaf.ID)
	assert.Equal(t, r.ID, got.ParentID)
	assert.Equal(t, "r2", got.ForkPointMessageID)
	parent, _ := g.Thread(r.ID)
	assert.Equal(t, []string{leaf.ID}, parent.ChildIDs)
	assert.Equal(t, []string{"r1", "r2"}, g.ThreadMessageIDs(leaf.ID))

	_, err := store.LoadMessage(ctx, "m1")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestDeleteThread_ForksOfCompactKeepSummary(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t, Options{Summarizer: &fakeSummarizer{summary: "Refactored the parser"}})
	r, _ := g.CreateThread(ctx, "R")
	addMsg(t, g, r.ID, "u1", RoleUser, "please refactor the parser")
	addMsg(t, g, r.ID, "a1", RoleAI, "done")
	cID, summary, err := g.CompactThread(ctx)
	require.NoError(t, err)
	addMsg(t, g, cID, "c1", RoleUser, "now add tests")
	addMsg(t, g, cID, "c2", RoleAI, "added")
	fork, err := g.ForkThread(ctx, cID, "c1")
	require.NoError(t, err)
	addMsg(t, g, fork.ID, "f1", RoleUser, "different direction")

	require.NoError(t, g.DeleteThread(ctx, cID))

	got, ok := g.Thread(fork.ID)
	require.True(t, ok)
	assert.Equal(t, r.ID, got.ParentID)
	assert.Equal(t, TypeCompact, got.Type)
	assert.Equal(t, summary, got.Summary)
	assert.Empty(t, got.ForkPointMessageID)
	assert.Equal(t, []string{"f1"}, g.ThreadMessageIDs(fork.ID))
	assert.Equal(t, summary, g.InheritedSummary(fork.ID))
	parent, _ := g.Thread(r.ID)
	assert.Contains(t, parent.ChildIDs, fork.ID)
}

func TestDeleteThread_CurrentMovesToParent(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t, Options{})
	r, _ := g.CreateThread(ctx, "R")
	f, _ := g.ForkThread(ctx, r.ID, "")

	require.NoError(t, g.DeleteThread(ctx, f.ID))
	assert.Equal(t, r.ID, g.CurrentID())
	assert.Equal(t, 1, currentCount(g))

	require.NoError(t, g.DeleteThread(ctx, r.ID))
	assert.Empty(t, g.CurrentID())
	assert.Empty(t, g.Threads())
}

func TestLoad_RestoresAndRepairs(t *testing.T) {
	ctx := context.Background()
	store := newMapStore()
	g := newTestGraph(t, Options{Store: store})
	r, _ := g.CreateThread(ctx, "R")
	addMsg(t, g, r.ID, "u1", RoleUser, "hi")
	addMsg(t, g, r.ID, "a1", RoleAI, "hello")
	f, _ := g.ForkThread(ctx, r.ID, "u1")
	addMsg(t, g, f.ID, "u2", RoleUser, "again")

	orphan := Thread{ID: "orphan", Title: "lost", Type: TypeFork, ParentID: "gone", ForkPointMessageID: "x", Status: StatusCurrent}
	require.NoError(t, store.SaveThread(ctx, orphan))

	loaded := newTestGraph(t, Options{Store: store})
	require.NoError(t, loaded.Load(ctx))

	assert.Equal(t, []string{"u1", "u2"}, loaded.ThreadMessageIDs(f.ID))
	assert.Equal(t, 1, currentCount(loaded))
	assert.Equal(t, f.ID, loaded.CurrentID())

	got, ok := loaded.Thread("orphan")
	require.True(t, ok)
	assert.Equal(t, TypeRoot, got.Type)
	assert.Empty(t, got.ParentID)
	assert.Equal(t, StatusVisited, got.Status)

	root, _ := loaded.Thread(r.ID)
	assert.Equal(t, []string{f.ID}, root.ChildIDs)
}

func TestThreads_MostRecentFirst(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t, Options{})
	a, _ := g.CreateThread(ctx, "a")
	b, _ := g.CreateThread(ctx, "b")
	addMsg(t, g, a.ID, "m1", RoleUser, "x")

	list := g.Threads()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)
}
