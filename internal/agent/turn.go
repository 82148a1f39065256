package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"forkchat/internal/stream"
	"forkchat/internal/thread"
	"forkchat/internal/tools"
)

type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseStreaming Phase = "streaming"
	PhaseToolPause Phase = "tool_pause"
	PhaseSettled   Phase = "settled"
)

type roundOutcome int

const (
	roundDone roundOutcome = iota
	roundCancelled
	roundFailed
)

// Snapshot is a copy of the running turn for display.
type Snapshot struct {
	Phase    Phase
	ThreadID string
	// Message is the open AI message, nil between turns.
	Message          *thread.Message
	TokenEstimate    int
	Thinking         bool
	ThinkingDuration time.Duration
}

type turnState struct {
	phase    Phase
	threadID string
	open     *thread.Message
	// pending holds the ids of tool calls registered in the current round.
	pending []string

	tokens        int
	roundBase     int
	usage         stream.Usage
	thinkingStart time.Time
	afterTool     bool
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	st := &o.state
	snap := Snapshot{
		Phase:         st.phase,
		ThreadID:      st.threadID,
		TokenEstimate: st.tokens,
	}
	if st.open != nil {
		m := copyMessage(*st.open)
		snap.Message = &m
		snap.Thinking = m.IsThinking
		snap.ThinkingDuration = m.ThinkingDuration
		if m.IsThinking && !st.thinkingStart.IsZero() {
			snap.ThinkingDuration += o.now().Sub(st.thinkingStart)
		}
	}
	return snap
}

func copyMessage(m thread.Message) thread.Message {
	m.ToolCalls = append([]thread.ToolCall(nil), m.ToolCalls...)
	return m
}

func (o *Orchestrator) notify(s Snapshot) {
	if o.onUpdate != nil {
		o.onUpdate(s)
	}
}

func (o *Orchestrator) openMessage(threadID string) {
	o.mu.Lock()
	st := &o.state
	if st.threadID != threadID {
		st.tokens = 0
	}
	st.threadID = threadID
	st.open = &thread.Message{
		ID:          o.newID(),
		Role:        thread.RoleAI,
		CreatedAt:   o.now(),
		IsStreaming: true,
	}
	st.pending = nil
	st.usage = stream.Usage{}
	st.roundBase = st.tokens
	st.thinkingStart = time.Time{}
	st.afterTool = false
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.notify(snap)
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.state.phase = p
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.notify(snap)
}

// settle ends the turn state; PhaseIdle also drops the open message.
func (o *Orchestrator) settle(p Phase) {
	o.mu.Lock()
	o.state.phase = p
	if p == PhaseIdle {
		o.state.open = nil
		o.state.pending = nil
		o.state.tokens = 0
	}
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.notify(snap)
}

func (o *Orchestrator) addUsage(total stream.Usage) stream.Usage {
	o.mu.Lock()
	defer o.mu.Unlock()
	total.InputTokens += o.state.usage.InputTokens
	total.OutputTokens += o.state.usage.OutputTokens
	o.state.usage = stream.Usage{}
	return total
}

// apply folds one event into the open message. It returns an error only
// when the backend reported a failure in-band.
func (o *Orchestrator) apply(ctx context.Context, threadID string, ev stream.Event) error {
	var (
		failure error
		session string
	)
	o.mu.Lock()
	st := &o.state
	m := st.open
	switch e := ev.(type) {
	case stream.Init:
		session = strings.TrimSpace(e.SessionID)
	case stream.Text:
		o.endThinkingLocked()
		if st.afterTool && m.Content != "" && e.Text != "" {
			m.Content += "\n\n"
		}
		st.afterTool = false
		m.Content += e.Text
		st.tokens += thread.EstimateTokens(e.Text)
	case stream.Thinking:
		if !m.IsThinking {
			m.IsThinking = true
			st.thinkingStart = o.now()
		}
		m.Thinking += e.Text
	case stream.ThinkingComplete:
		o.endThinkingLocked()
	case stream.ToolStart:
		o.endThinkingLocked()
		id := o.executor.Register(tools.Request{ID: e.ID, Name: e.Name, Arguments: e.Input}, m.ID)
		row, _ := o.executor.Call(id)
		m.ToolCalls = append(m.ToolCalls, row)
		st.pending = append(st.pending, id)
		st.afterTool = true
	case stream.ToolResult:
		idx := toolIndex(m.ToolCalls, e.ID)
		if idx < 0 {
			id := o.executor.Register(tools.Request{ID: e.ID, Name: "unknown"}, m.ID)
			row, _ := o.executor.Call(id)
			m.ToolCalls = append(m.ToolCalls, row)
			idx = len(m.ToolCalls) - 1
		}
		id := m.ToolCalls[idx].ID
		m.ToolCalls[idx] = o.executor.Complete(id, e.Output, e.IsError)
		o.executor.Release(id)
		st.pending = removeString(st.pending, id)
		st.afterTool = true
	case stream.Usage:
		if e.InputTokens > 0 {
			st.usage.InputTokens = e.InputTokens
		}
		if e.OutputTokens > 0 {
			st.usage.OutputTokens = e.OutputTokens
			st.tokens = st.roundBase + e.OutputTokens
		}
	case stream.Complete:
		o.endThinkingLocked()
		if e.StopReason == "error" {
			msg := strings.TrimSpace(e.Result)
			if msg == "" {
				msg = "backend reported an error"
			}
			failure = errors.New(msg)
		} else if m.Content == "" && len(m.ToolCalls) == 0 {
			m.Content = e.Result
		}
	}
	snap := o.snapshotLocked()
	o.mu.Unlock()

	if session != "" && o.backend.ExecutesTools() {
		// CLI agents keep their own session; later turns resume it.
		if t, ok := o.graph.Thread(threadID); ok && t.BackendSessionID != session {
			if err := o.graph.SetBackendSession(context.WithoutCancel(ctx), threadID, session); err != nil {
				o.log.Warn().Err(err).Msg("persist backend session")
			}
		}
	}
	o.notify(snap)
	return failure
}

func (o *Orchestrator) endThinkingLocked() {
	m := o.state.open
	if m == nil || !m.IsThinking {
		return
	}
	m.IsThinking = false
	if !o.state.thinkingStart.IsZero() {
		m.ThinkingDuration += o.now().Sub(o.state.thinkingStart)
	}
	o.state.thinkingStart = time.Time{}
}

// freeze marks the open message complete and returns a copy.
func (o *Orchestrator) freeze() thread.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.endThinkingLocked()
	m := o.state.open
	m.IsStreaming = false
	return copyMessage(*m)
}

func (o *Orchestrator) replaceOpen(m thread.Message) {
	o.mu.Lock()
	cp := copyMessage(m)
	o.state.open = &cp
	o.mu.Unlock()
}

// pendingCalls returns the ids of this round's calls that still need to run.
func (o *Orchestrator) pendingCalls() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.state.pending))
	for _, id := range o.state.pending {
		if i := toolIndex(o.state.open.ToolCalls, id); i >= 0 && o.state.open.ToolCalls[i].Status == thread.ToolExecuting {
			out = append(out, id)
		}
	}
	return out
}

func (o *Orchestrator) attachResults(rows []thread.ToolCall) thread.Message {
	o.mu.Lock()
	m := o.state.open
	for _, r := range rows {
		if i := toolIndex(m.ToolCalls, r.ID); i >= 0 {
			m.ToolCalls[i] = r
		}
	}
	o.state.pending = nil
	out := copyMessage(*m)
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.notify(snap)
	return out
}

func toolIndex(calls []thread.ToolCall, id string) int {
	for i := range calls {
		if calls[i].ID == id {
			return i
		}
	}
	return -1
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
