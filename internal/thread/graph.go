package thread

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultAutoCompactThreshold is the approximate token total at which the
// current history is compacted after a turn.
const DefaultAutoCompactThreshold = 50_000

const defaultThreadTitle = "New thread"

type Options struct {
	Store      Store
	Summarizer Summarizer
	Logger     zerolog.Logger

	// AutoCompactThreshold <= 0 uses DefaultAutoCompactThreshold.
	AutoCompactThreshold int
	TranscriptMaxChars   int

	Now   func() time.Time
	NewID func() string
}

// Graph owns every Thread and Message of a conversation context. All
// mutation goes through its methods; each method applies one logical step
// under a single lock so readers never observe a half-applied change.
type Graph struct {
	mu sync.Mutex

	threads   map[string]*Thread
	messages  map[string]*Message
	currentID string

	store      Store
	summarizer Summarizer
	log        zerolog.Logger
	threshold  int
	maxChars   int
	now        func() time.Time
	newID      func() string
}

func NewGraph(opts Options) *Graph {
	g := &Graph{
		threads:    make(map[string]*Thread),
		messages:   make(map[string]*Message),
		store:      opts.Store,
		summarizer: opts.Summarizer,
		log:        opts.Logger,
		threshold:  opts.AutoCompactThreshold,
		maxChars:   opts.TranscriptMaxChars,
		now:        opts.Now,
		newID:      opts.NewID,
	}
	if g.threshold <= 0 {
		g.threshold = DefaultAutoCompactThreshold
	}
	if g.maxChars <= 0 {
		g.maxChars = DefaultTranscriptMaxChars
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.newID == nil {
		g.newID = func() string { return uuid.NewString() }
	}
	return g
}

func (g *Graph) AutoCompactThreshold() int {
	return g.threshold
}

// CreateThread adds a new root thread. It becomes current only when the graph
// was empty.
func (g *Graph) CreateThread(ctx context.Context, title string) (Thread, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultThreadTitle
	}
	now := g.now()
	t := &Thread{
		ID:        g.newID(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Type:      TypeRoot,
		Status:    StatusVisited,
	}
	if len(g.threads) == 0 {
		t.Status = StatusCurrent
		g.currentID = t.ID
	}
	g.threads[t.ID] = t
	g.log.Debug().Str("thread_id", t.ID).Str("status", string(t.Status)).Msg("thread created")
	return t.clone(), g.saveThreads(ctx, t)
}

func (g *Graph) SwitchThread(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	target, ok := g.threads[id]
	if !ok || id == g.currentID {
		return nil
	}
	changed := []*Thread{target}
	if prev := g.threads[g.currentID]; prev != nil {
		prev.Status = StatusVisited
		changed = append(changed, prev)
	}
	target.Status = StatusCurrent
	target.UpdatedAt = g.now()
	g.currentID = id
	return g.saveThreads(ctx, changed...)
}

// ForkThread branches a new current thread off parentID. The fork inherits
// the parent's visible history up to and including forkPointMessageID.
func (g *Graph) ForkThread(ctx context.Context, parentID, forkPointMessageID string) (Thread, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	parent, ok := g.threads[parentID]
	if !ok {
		return Thread{}, fmt.Errorf("fork %s: %w", parentID, ErrThreadNotFound)
	}
	now := g.now()
	t := &Thread{
		ID:                 g.newID(),
		Title:              "Fork of " + parent.Title,
		CreatedAt:          now,
		UpdatedAt:          now,
		ParentID:           parent.ID,
		ForkPointMessageID: strings.TrimSpace(forkPointMessageID),
		Type:               TypeFork,
		Status:             StatusCurrent,
	}
	changed := g.attachChildLocked(parent, t)
	g.log.Debug().Str("thread_id", t.ID).Str("parent_id", parent.ID).Str("fork_point", t.ForkPointMessageID).Msg("thread forked")
	return t.clone(), g.saveThreads(ctx, changed...)
}

// CompactThread summarizes the current thread's visible history, renames the
// current thread to the summary and continues in a new compact child.
func (g *Graph) CompactThread(ctx context.Context) (string, string, error) {
	prevID, transcript, history, err := g.snapshotCurrent("")
	if err != nil {
		return "", "", err
	}
	summary := g.summarize(ctx, transcript, history)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.currentID != prevID {
		return "", "", ErrCurrentChanged
	}
	prev := g.threads[prevID]
	prev.Title = summary

	now := g.now()
	t := &Thread{
		ID:        g.newID(),
		Title:     "Continued: " + clampTitle(firstLine(summary), 60),
		CreatedAt: now,
		UpdatedAt: now,
		ParentID:  prev.ID,
		Type:      TypeCompact,
		Status:    StatusCurrent,
		Summary:   summary,
	}
	changed := g.attachChildLocked(prev, t)
	g.log.Info().Str("thread_id", t.ID).Str("parent_id", prev.ID).Int("summary_chars", len(summary)).Msg("thread compacted")
	return t.ID, summary, g.saveThreads(ctx, changed...)
}

// HandoffThread hands the current history over to a new thread focused on
// goal. The old thread keeps its title and is marked handoff.
func (g *Graph) HandoffThread(ctx context.Context, goal string) (Thread, error) {
	goal = strings.TrimSpace(goal)
	prevID, transcript, history, err := g.snapshotCurrent(goal)
	if err != nil {
		return Thread{}, err
	}
	summary := g.summarize(ctx, transcript, history)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.currentID != prevID {
		return Thread{}, ErrCurrentChanged
	}
	prev := g.threads[prevID]

	title := goal
	if title == "" {
		title = "Handoff: " + prev.Title
	}
	now := g.now()
	t := &Thread{
		ID:        g.newID(),
		Title:     clampTitle(title, 80),
		CreatedAt: now,
		UpdatedAt: now,
		ParentID:  prev.ID,
		Type:      TypeHandoff,
		Status:    StatusCurrent,
		Summary:   summary,
	}
	changed := g.attachChildLocked(prev, t)
	prev.Status = StatusHandoff
	return t.clone(), g.saveThreads(ctx, changed...)
}

func (g *Graph) attachChildLocked(parent *Thread, t *Thread) []*Thread {
	changed := []*Thread{t, parent}
	if prev := g.threads[g.currentID]; prev != nil {
		prev.Status = StatusVisited
		changed = append(changed, prev)
	}
	parent.ChildIDs = append([]string{t.ID}, parent.ChildIDs...)
	parent.UpdatedAt = t.CreatedAt
	g.threads[t.ID] = t
	g.currentID = t.ID
	return changed
}

func (g *Graph) snapshotCurrent(goal string) (string, string, []Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur, ok := g.threads[g.currentID]
	if !ok {
		return "", "", nil, ErrNoCurrentThread
	}
	ids := g.messageIDsLocked(cur.ID)
	history := make([]Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := g.messages[id]; ok {
			history = append(history, m.clone())
		}
	}
	transcript := BuildTranscript(g.inheritedSummaryLocked(cur.ID), history, g.maxChars)
	if goal != "" {
		transcript += "\n\n[next goal]\n" + goal
	}
	return cur.ID, transcript, history, nil
}

func (g *Graph) summarize(ctx context.Context, transcript string, history []Message) string {
	if g.summarizer != nil && strings.TrimSpace(transcript) != "" {
		summary, err := g.summarizer.Summarize(ctx, transcript)
		if err == nil && strings.TrimSpace(summary) != "" {
			return strings.TrimSpace(summary)
		}
		g.log.Warn().Err(err).Msg("summarizer failed; using fallback summary")
	}
	return fallbackSummary(history)
}

func fallbackSummary(history []Message) string {
	for _, m := range history {
		if m.Role == RoleUser && strings.TrimSpace(m.Content) != "" {
			return "Conversation about: " + clampTitle(firstLine(m.Content), 80)
		}
	}
	return "Earlier conversation (no summary available)"
}

// ThreadMessageIDs returns the ids of every message visible from id, oldest
// first: inherited segments followed by the thread's own messages.
func (g *Graph) ThreadMessageIDs(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.messageIDsLocked(id)
}

func (g *Graph) messageIDsLocked(id string) []string {
	chain := g.chainLocked(id)
	var out []string
	for i, seg := range chain {
		out = append(out, seg.MessageIDs...)
		if i+1 >= len(chain) {
			break
		}
		next := chain[i+1]
		if next.Type != TypeFork || next.ForkPointMessageID == "" {
			continue
		}
		if idx := lastIndex(out, next.ForkPointMessageID); idx >= 0 {
			out = out[:idx+1]
		} else {
			g.log.Warn().Str("thread_id", next.ID).Str("fork_point", next.ForkPointMessageID).
				Msg("fork point not found in parent history; including whole parent segment")
		}
	}
	return append([]string(nil), out...)
}

func (g *Graph) TotalTokenCount(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := 0
	for _, seg := range g.chainLocked(id) {
		total += seg.TokenCount
	}
	return total
}

// CheckAutoCompact compacts the current thread when the history visible from
// id has reached the auto-compact threshold. Only the current thread is ever
// compacted; any other id reports false.
func (g *Graph) CheckAutoCompact(ctx context.Context, id string) (bool, error) {
	if id != g.CurrentID() {
		return false, nil
	}
	total := g.TotalTokenCount(id)
	if total < g.threshold {
		return false, nil
	}
	g.log.Info().Str("thread_id", id).Int("tokens", total).Int("threshold", g.threshold).Msg("auto-compacting")
	if _, _, err := g.CompactThread(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// chainLocked returns the segments visible from id, oldest first. The walk
// stops at the first compact or handoff thread, whose summary stands in for
// everything above it.
func (g *Graph) chainLocked(id string) []*Thread {
	var chain []*Thread
	seen := make(map[string]bool)
	for cur := g.threads[id]; cur != nil && !seen[cur.ID]; cur = g.threads[cur.ParentID] {
		seen[cur.ID] = true
		chain = append(chain, cur)
		if cur.isBoundary() {
			break
		}
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

func (g *Graph) InheritedSummary(id string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inheritedSummaryLocked(id)
}

func (g *Graph) inheritedSummaryLocked(id string) string {
	chain := g.chainLocked(id)
	if len(chain) == 0 || !chain[0].isBoundary() {
		return ""
	}
	return chain[0].Summary
}

// AddMessageToThread appends m to the thread's own messages. A message is
// owned by the first thread it is added to.
func (g *Graph) AddMessageToThread(ctx context.Context, threadID string, m Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.threads[threadID]
	if !ok {
		return fmt.Errorf("add message to %s: %w", threadID, ErrThreadNotFound)
	}
	if m.ID == "" {
		m.ID = g.newID()
	}
	if existing, ok := g.messages[m.ID]; ok && existing.ThreadID != threadID {
		return fmt.Errorf("message %s: %w", m.ID, ErrMessageReassigned)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = g.now()
	}
	m.ThreadID = threadID

	if old, ok := g.messages[m.ID]; ok {
		t.TokenCount += EstimateTokens(m.Content) - EstimateTokens(old.Content)
	} else {
		t.MessageIDs = append(t.MessageIDs, m.ID)
		t.TokenCount += EstimateTokens(m.Content)
	}
	stored := m.clone()
	g.messages[m.ID] = &stored
	t.UpdatedAt = g.now()

	if err := g.saveMessage(ctx, stored); err != nil {
		return err
	}
	return g.saveThreads(ctx, t)
}

// UpdateMessage replaces a linked message, keeping its owner and adjusting
// the owner's token count. Once a message has stopped streaming only its
// tool calls and interrupted flag may change.
func (g *Graph) UpdateMessage(ctx context.Context, m Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	old, ok := g.messages[m.ID]
	if !ok {
		return fmt.Errorf("update %s: %w", m.ID, ErrMessageNotFound)
	}
	if !old.IsStreaming && (m.Content != old.Content || m.Role != old.Role || m.Thinking != old.Thinking) {
		return fmt.Errorf("update %s: %w", m.ID, ErrMessageFrozen)
	}
	m.ThreadID = old.ThreadID
	m.CreatedAt = old.CreatedAt
	t := g.threads[old.ThreadID]
	if t != nil {
		t.TokenCount += EstimateTokens(m.Content) - EstimateTokens(old.Content)
	}
	stored := m.clone()
	g.messages[m.ID] = &stored
	if err := g.saveMessage(ctx, stored); err != nil {
		return err
	}
	if t != nil {
		return g.saveThreads(ctx, t)
	}
	return nil
}

func (g *Graph) AccumulateStats(ctx context.Context, s Stats) error {
	if s.IsZero() {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.threads[g.currentID]
	if !ok {
		return ErrNoCurrentThread
	}
	t.Stats = t.Stats.Add(s)
	return g.saveThreads(ctx, t)
}

func (g *Graph) RenameThread(ctx context.Context, id, title string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.threads[id]
	if !ok {
		return fmt.Errorf("rename %s: %w", id, ErrThreadNotFound)
	}
	if title = strings.TrimSpace(title); title == "" {
		return nil
	}
	t.Title = title
	return g.saveThreads(ctx, t)
}

func (g *Graph) SetBackendSession(ctx context.Context, id, sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.threads[id]
	if !ok || t.BackendSessionID == sessionID {
		return nil
	}
	t.BackendSessionID = sessionID
	return g.saveThreads(ctx, t)
}

// DeleteThread removes a thread and the messages it owns. Its children are
// re-parented to its parent so the forest stays connected and acyclic. Forks
// of a compact or handoff thread become compact threads carrying its summary.
func (g *Graph) DeleteThread(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.threads[id]
	if !ok {
		return nil
	}
	var changed []*Thread
	parent := g.threads[t.ParentID]
	if parent != nil {
		parent.ChildIDs = removeID(parent.ChildIDs, id)
		changed = append(changed, parent)
	}
	for _, childID := range t.ChildIDs {
		child := g.threads[childID]
		if child == nil {
			continue
		}
		child.ParentID = t.ParentID
		if t.isBoundary() && !child.isBoundary() {
			child.Type = TypeCompact
			child.Summary = t.Summary
			child.ForkPointMessageID = ""
		} else if child.Type == TypeFork {
			child.ForkPointMessageID = t.ForkPointMessageID
			if parent == nil {
				child.Type = TypeRoot
				child.ForkPointMessageID = ""
			}
		}
		if parent != nil {
			parent.ChildIDs = append(parent.ChildIDs, child.ID)
		}
		changed = append(changed, child)
	}

	delete(g.threads, id)
	for _, mid := range t.MessageIDs {
		delete(g.messages, mid)
	}

	if g.currentID == id {
		g.currentID = ""
		next := parent
		if next == nil {
			next = g.mostRecentLocked()
		}
		if next != nil {
			next.Status = StatusCurrent
			g.currentID = next.ID
			changed = append(changed, next)
		}
	}

	var errs []error
	if g.store != nil {
		for _, mid := range t.MessageIDs {
			if err := g.store.DeleteMessage(ctx, mid); err != nil {
				errs = append(errs, err)
			}
		}
		if err := g.store.DeleteThread(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if err := g.saveThreads(ctx, changed...); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Load replaces the in-memory graph with the store's contents. Dangling
// parents become roots, child lists are rebuilt from parent links and exactly
// one thread ends up current.
func (g *Graph) Load(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	list, err := g.store.ListThreads(ctx)
	if err != nil {
		return fmt.Errorf("load threads: %w", err)
	}

	threads := make(map[string]*Thread, len(list))
	for i := range list {
		t := list[i].clone()
		threads[t.ID] = &t
	}
	messages := make(map[string]*Message)
	var repaired []*Thread
	for _, t := range threads {
		if t.ParentID != "" && threads[t.ParentID] == nil {
			g.log.Warn().Str("thread_id", t.ID).Str("parent_id", t.ParentID).Msg("dangling parent; promoting to root")
			t.ParentID = ""
			t.ForkPointMessageID = ""
			if t.Type == TypeFork {
				t.Type = TypeRoot
			}
			repaired = append(repaired, t)
		}
		ids := t.MessageIDs[:0]
		for _, mid := range t.MessageIDs {
			m, err := g.store.LoadMessage(ctx, mid)
			if err != nil {
				g.log.Warn().Err(err).Str("message_id", mid).Msg("dropping unreadable message")
				continue
			}
			m.ThreadID = t.ID
			messages[m.ID] = &m
			ids = append(ids, mid)
		}
		t.MessageIDs = ids
	}
	for _, t := range threads {
		t.ChildIDs = t.ChildIDs[:0]
	}
	ordered := make([]*Thread, 0, len(threads))
	for _, t := range threads {
		ordered = append(ordered, t)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].CreatedAt.After(ordered[j].CreatedAt) })
	for _, t := range ordered {
		if p := threads[t.ParentID]; p != nil {
			p.ChildIDs = append(p.ChildIDs, t.ID)
		}
	}

	var current *Thread
	for _, t := range ordered {
		if t.Status != StatusCurrent {
			continue
		}
		if current == nil || t.UpdatedAt.After(current.UpdatedAt) {
			if current != nil {
				current.Status = StatusVisited
				repaired = append(repaired, current)
			}
			current = t
		} else {
			t.Status = StatusVisited
			repaired = append(repaired, t)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.threads = threads
	g.messages = messages
	g.currentID = ""
	if current == nil {
		current = g.mostRecentLocked()
		if current != nil {
			current.Status = StatusCurrent
			repaired = append(repaired, current)
		}
	}
	if current != nil {
		g.currentID = current.ID
	}
	g.log.Info().Int("threads", len(threads)).Int("messages", len(messages)).Msg("graph loaded")
	return g.saveThreads(ctx, repaired...)
}

func (g *Graph) mostRecentLocked() *Thread {
	var best *Thread
	for _, t := range g.threads {
		if best == nil || t.UpdatedAt.After(best.UpdatedAt) {
			best = t
		}
	}
	return best
}

func (g *Graph) Thread(id string) (Thread, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.threads[id]
	if !ok {
		return Thread{}, false
	}
	return t.clone(), true
}

func (g *Graph) Current() (Thread, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.threads[g.currentID]
	if !ok {
		return Thread{}, false
	}
	return t.clone(), true
}

func (g *Graph) CurrentID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentID
}

func (g *Graph) Threads() []Thread {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Thread, 0, len(g.threads))
	for _, t := range g.threads {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

func (g *Graph) Message(id string) (Message, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.messages[id]
	if !ok {
		return Message{}, false
	}
	return m.clone(), true
}

func (g *Graph) Messages(ids []string) []Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := g.messages[id]; ok {
			out = append(out, m.clone())
		}
	}
	return out
}

func (g *Graph) History(id string) []Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := g.messageIDsLocked(id)
	out := make([]Message, 0, len(ids))
	for _, mid := range ids {
		if m, ok := g.messages[mid]; ok {
			out = append(out, m.clone())
		}
	}
	return out
}

func (g *Graph) saveThreads(ctx context.Context, threads ...*Thread) error {
	if g.store == nil {
		return nil
	}
	seen := make(map[string]bool, len(threads))
	var errs []error
	for _, t := range threads {
		if t == nil || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		if err := g.store.SaveThread(ctx, t.clone()); err != nil {
			errs = append(errs, fmt.Errorf("save thread %s: %w", t.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (g *Graph) saveMessage(ctx context.Context, m Message) error {
	if g.store == nil {
		return nil
	}
	if err := g.store.SaveMessage(ctx, m); err != nil {
		return fmt.Errorf("save message %s: %w", m.ID, err)
	}
	return nil
}

func lastIndex(ids []string, id string) int {
	for i := len(ids) - 1; i >= 0; i-- {
		if ids[i] == id {
			return i
		}
	}
	return -1
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func clampTitle(s string, max int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= max {
		return string(r)
	}
	return strings.TrimSpace(string(r[:max-1])) + "…"
}
