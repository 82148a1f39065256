package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-runewidth"
	"github.com/rs/zerolog"

	"forkchat/internal/llm"
	"forkchat/internal/stream"
	"forkchat/internal/thread"
	"forkchat/internal/tools"
)

const (
	DefaultMaxToolRounds      = 25
	DefaultToolOutputMaxChars = 2000
)

// ErrTurnInProgress is returned when a turn or a graph operation is
// submitted while another turn is still running.
var ErrTurnInProgress = errors.New("a turn is already in progress")

type Options struct {
	Graph    *thread.Graph
	Backend  llm.Backend
	Registry *tools.Registry
	// Executor defaults to one built over Registry that reports file stats
	// to Graph.
	Executor *tools.Executor
	Logger   zerolog.Logger

	SystemPrompt       string
	MaxToolRounds      int
	ToolOutputMaxChars int

	// MCPReload is called after a tool round that touched MCP configuration.
	MCPReload func(ctx context.Context) (string, error)
	// OnUpdate fires after every applied event with a copy of the turn state.
	OnUpdate func(Snapshot)

	Now   func() time.Time
	NewID func() string
}

// TurnResult describes a settled turn.
type TurnResult struct {
	ThreadID      string
	UserMessageID string
	// MessageIDs lists the AI (or error) messages produced, oldest first.
	MessageIDs     []string
	Rounds         int
	ToolCapReached bool
	Interrupted    bool
	Usage          stream.Usage

	AutoCompacted   bool
	CompactThreadID string
}

// Orchestrator drives turns against a backend and commits the results into
// the thread graph. One turn runs at a time.
type Orchestrator struct {
	graph    *thread.Graph
	backend  llm.Backend
	registry *tools.Registry
	executor *tools.Executor
	norm     *stream.Normalizer
	log      zerolog.Logger

	systemPrompt  string
	maxRounds     int
	toolOutputMax int
	mcpReload     func(ctx context.Context) (string, error)
	onUpdate      func(Snapshot)
	now           func() time.Time
	newID         func() string

	mu     sync.Mutex
	busy   bool
	cancel context.CancelFunc
	state  turnState
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Graph == nil {
		return nil, errors.New("thread graph is required")
	}
	if opts.Backend == nil {
		return nil, errors.New("backend is required")
	}
	if opts.Registry == nil {
		opts.Registry = tools.NewRegistry()
	}
	log := opts.Logger.With().Str("component", "orchestrator").Logger()
	if opts.Executor == nil {
		opts.Executor = tools.NewExecutor(opts.Registry, opts.Graph, opts.Logger.With().Str("component", "tools").Logger())
	}
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = DefaultMaxToolRounds
	}
	if opts.ToolOutputMaxChars <= 0 {
		opts.ToolOutputMaxChars = DefaultToolOutputMaxChars
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	prompt := opts.SystemPrompt
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultSystemPrompt(opts.Backend.ExecutesTools())
	}
	return &Orchestrator{
		graph:         opts.Graph,
		backend:       opts.Backend,
		registry:      opts.Registry,
		executor:      opts.Executor,
		norm:          stream.NewNormalizer(log),
		log:           log,
		systemPrompt:  prompt,
		maxRounds:     opts.MaxToolRounds,
		toolOutputMax: opts.ToolOutputMaxChars,
		mcpReload:     opts.MCPReload,
		onUpdate:      opts.OnUpdate,
		now:           opts.Now,
		newID:         opts.NewID,
		state:         turnState{phase: PhaseIdle},
	}, nil
}

func (o *Orchestrator) Graph() *thread.Graph { return o.graph }

func (o *Orchestrator) Backend() llm.Backend { return o.backend }

func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busy
}

func (o *Orchestrator) acquire(ctx context.Context) (context.Context, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy {
		return nil, nil, ErrTurnInProgress
	}
	o.busy = true
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	release := func() {
		cancel()
		o.mu.Lock()
		o.busy = false
		o.cancel = nil
		o.mu.Unlock()
	}
	return ctx, release, nil
}

// Cancel aborts the running turn, if any. The partial message is kept.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel == nil {
		return false
	}
	o.cancel()
	return true
}

// HandleTurn runs one user utterance to completion: it may span several
// tool rounds. Cancellation yields an interrupted result and a nil error;
// backend failures yield an error-role message plus the error.
func (o *Orchestrator) HandleTurn(ctx context.Context, userText string) (*TurnResult, error) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return nil, errors.New("empty message")
	}
	turnCtx, release, err := o.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	// Persistence and auto-compaction must finish even when the turn is
	// cancelled.
	commitCtx := context.WithoutCancel(ctx)

	threadID, err := o.ensureThread(commitCtx, userText)
	if err != nil {
		return nil, err
	}
	res := &TurnResult{ThreadID: threadID}

	user := thread.Message{
		ID:        o.newID(),
		Role:      thread.RoleUser,
		Content:   userText,
		CreatedAt: o.now(),
	}
	if err := o.link(commitCtx, threadID, user); err != nil {
		return nil, err
	}
	res.UserMessageID = user.ID
	o.log.Debug().Str("thread_id", threadID).Str("message_id", user.ID).Msg("turn started")

	for round := 1; ; round++ {
		res.Rounds = round
		o.openMessage(threadID)
		outcome, err := o.streamRound(turnCtx, threadID, userText, round)
		res.Usage = o.addUsage(res.Usage)

		switch {
		case outcome == roundCancelled:
			o.interrupt(commitCtx, res)
			return res, nil
		case err != nil:
			return res, o.fail(commitCtx, res, err)
		}

		msg := o.freeze()
		if err := o.link(commitCtx, threadID, msg); err != nil {
			return res, err
		}
		res.MessageIDs = append(res.MessageIDs, msg.ID)

		pending := o.pendingCalls()
		if len(pending) == 0 {
			break
		}
		if o.backend.ExecutesTools() {
			rows := make([]thread.ToolCall, 0, len(pending))
			for _, id := range pending {
				rows = append(rows, o.executor.Complete(id, "(no result reported)", false))
			}
			o.executor.Release(pending...)
			o.update(commitCtx, o.attachResults(rows))
			break
		}

		o.setPhase(PhaseToolPause)
		rows := o.executor.ExecuteAll(turnCtx, pending)
		msg = o.attachResults(rows)
		o.executor.Release(pending...)
		if turnCtx.Err() != nil {
			msg.IsInterrupted = true
			o.update(commitCtx, msg)
			res.Interrupted = true
			o.settle(PhaseIdle)
			return res, nil
		}
		o.update(commitCtx, msg)
		o.maybeReloadMCP(turnCtx, rows)

		if round >= o.maxRounds {
			res.ToolCapReached = true
			o.log.Warn().Int("rounds", round).Str("thread_id", threadID).Msg("tool round cap reached")
			break
		}
	}

	o.settle(PhaseSettled)
	compacted, err := o.graph.CheckAutoCompact(commitCtx, threadID)
	if compacted {
		res.AutoCompacted = true
		res.CompactThreadID = o.graph.CurrentID()
	}
	if err != nil {
		o.log.Warn().Err(err).Str("thread_id", threadID).Msg("auto compaction")
	}
	o.settle(PhaseIdle)
	return res, nil
}

func (o *Orchestrator) ensureThread(ctx context.Context, userText string) (string, error) {
	if id := o.graph.CurrentID(); id != "" {
		return id, nil
	}
	t, err := o.graph.CreateThread(ctx, titleFromText(userText))
	if err != nil && t.ID == "" {
		return "", err
	}
	if err != nil {
		o.log.Warn().Err(err).Msg("persist new thread")
	}
	if t.Status != thread.StatusCurrent {
		if err := o.graph.SwitchThread(ctx, t.ID); err != nil {
			o.log.Warn().Err(err).Msg("persist thread switch")
		}
	}
	return t.ID, nil
}

// link appends m to threadID. Store failures are logged: the in-memory graph
// already holds the message.
func (o *Orchestrator) link(ctx context.Context, threadID string, m thread.Message) error {
	err := o.graph.AddMessageToThread(ctx, threadID, m)
	if err == nil {
		return nil
	}
	if errors.Is(err, thread.ErrThreadNotFound) || errors.Is(err, thread.ErrMessageReassigned) {
		return err
	}
	o.log.Warn().Err(err).Str("message_id", m.ID).Msg("persist message")
	return nil
}

func (o *Orchestrator) update(ctx context.Context, m thread.Message) {
	if err := o.graph.UpdateMessage(ctx, m); err != nil {
		o.log.Warn().Err(err).Str("message_id", m.ID).Msg("update message")
	}
}

// streamRound runs one backend request and applies its events to the open
// message.
func (o *Orchestrator) streamRound(ctx context.Context, threadID, userText string, round int) (roundOutcome, error) {
	req := o.buildRequest(threadID, userText, round)
	o.norm.Reset()
	o.setPhase(PhaseStreaming)

	rc, err := o.backend.Stream(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return roundCancelled, nil
		}
		return roundFailed, err
	}
	defer rc.Close()

	r := stream.NewReader(rc, o.norm)
	for {
		if ctx.Err() != nil {
			return roundCancelled, nil
		}
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return roundCancelled, nil
			}
			return roundFailed, err
		}
		if ctx.Err() != nil {
			return roundCancelled, nil
		}
		if failure := o.apply(ctx, threadID, ev); failure != nil {
			return roundFailed, failure
		}
	}
	if ctx.Err() != nil {
		return roundCancelled, nil
	}
	return roundDone, nil
}

func (o *Orchestrator) buildRequest(threadID, userText string, round int) llm.StreamRequest {
	t, _ := o.graph.Thread(threadID)
	history := o.graph.History(threadID)
	req := llm.StreamRequest{
		System:    joinSystem(o.systemPrompt, o.graph.InheritedSummary(threadID)),
		Messages:  buildHistory(history, o.toolOutputMax),
		SessionID: t.BackendSessionID,
	}
	if round == 1 {
		req.Prompt = userText
		if o.backend.ExecutesTools() && t.BackendSessionID == "" {
			req.Transcript = priorTranscript(history)
		}
	}
	if !o.backend.ExecutesTools() {
		req.Tools = o.registry.Definitions()
	}
	return req
}

// priorTranscript renders everything before the trailing user message, which
// travels separately as the prompt.
func priorTranscript(history []thread.Message) string {
	n := len(history)
	if n > 0 && history[n-1].Role == thread.RoleUser {
		n--
	}
	if n == 0 {
		return ""
	}
	return thread.BuildTranscript("", history[:n], 0)
}

func (o *Orchestrator) interrupt(ctx context.Context, res *TurnResult) {
	msg := o.freeze()
	msg.IsInterrupted = true
	for i, c := range msg.ToolCalls {
		if c.Status == thread.ToolExecuting {
			msg.ToolCalls[i] = o.executor.Complete(c.ID, "interrupted", true)
			o.executor.Release(c.ID)
		}
	}
	o.replaceOpen(msg)
	if err := o.link(ctx, res.ThreadID, msg); err != nil {
		o.log.Warn().Err(err).Msg("link interrupted message")
	}
	res.MessageIDs = append(res.MessageIDs, msg.ID)
	res.Interrupted = true
	o.log.Info().Str("thread_id", res.ThreadID).Str("message_id", msg.ID).Msg("turn cancelled")
	o.settle(PhaseIdle)
}

// fail turns the open message into an error-role message.
func (o *Orchestrator) fail(ctx context.Context, res *TurnResult, cause error) error {
	msg := o.freeze()
	msg.Role = thread.RoleError
	msg.Content = errorDescription(cause)
	msg.Thinking = ""
	msg.ToolCalls = nil
	o.replaceOpen(msg)
	if err := o.link(ctx, res.ThreadID, msg); err != nil {
		o.log.Warn().Err(err).Msg("link error message")
	}
	res.MessageIDs = append(res.MessageIDs, msg.ID)
	o.log.Error().Err(cause).Str("thread_id", res.ThreadID).Stringer("kind", llm.ClassifyError(cause)).Msg("turn failed")
	o.settle(PhaseIdle)
	return fmt.Errorf("%s backend: %w", o.backend.Name(), cause)
}

func errorDescription(err error) string {
	text := "Backend error: " + strings.TrimSpace(err.Error())
	if hint := llm.ClassifyError(err).Hint(); hint != "" {
		text += "\n\n" + hint
	}
	return text
}

func (o *Orchestrator) maybeReloadMCP(ctx context.Context, rows []thread.ToolCall) {
	if o.mcpReload == nil || !touchesMCPConfig(rows) {
		return
	}
	msg, err := o.mcpReload(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("mcp auto-reload")
		return
	}
	o.log.Info().Str("report", firstLine(msg)).Msg("mcp auto-reload")
}

func (o *Orchestrator) Compact(ctx context.Context) (string, string, error) {
	ctx, release, err := o.acquire(ctx)
	if err != nil {
		return "", "", err
	}
	defer release()
	return o.graph.CompactThread(ctx)
}

func (o *Orchestrator) Handoff(ctx context.Context, goal string) (thread.Thread, error) {
	ctx, release, err := o.acquire(ctx)
	if err != nil {
		return thread.Thread{}, err
	}
	defer release()
	return o.graph.HandoffThread(ctx, goal)
}

// Fork branches the conversation at messageID, which must belong to the
// current history. An empty messageID forks at the latest message.
func (o *Orchestrator) Fork(ctx context.Context, messageID string) (thread.Thread, error) {
	ctx, release, err := o.acquire(ctx)
	if err != nil {
		return thread.Thread{}, err
	}
	defer release()
	cur := o.graph.CurrentID()
	if cur == "" {
		return thread.Thread{}, thread.ErrNoCurrentThread
	}
	ids := o.graph.ThreadMessageIDs(cur)
	if messageID == "" {
		if len(ids) == 0 {
			return thread.Thread{}, errors.New("nothing to fork yet")
		}
		messageID = ids[len(ids)-1]
	}
	if !containsString(ids, messageID) {
		return thread.Thread{}, fmt.Errorf("fork at %s: %w", messageID, thread.ErrMessageNotFound)
	}
	return o.graph.ForkThread(ctx, cur, messageID)
}

func (o *Orchestrator) Switch(ctx context.Context, id string) error {
	ctx, release, err := o.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return o.graph.SwitchThread(ctx, id)
}

func (o *Orchestrator) NewThread(ctx context.Context, title string) (thread.Thread, error) {
	ctx, release, err := o.acquire(ctx)
	if err != nil {
		return thread.Thread{}, err
	}
	defer release()
	t, err := o.graph.CreateThread(ctx, title)
	if err != nil {
		return t, err
	}
	return t, o.graph.SwitchThread(ctx, t.ID)
}

func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	ctx, release, err := o.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return o.graph.DeleteThread(ctx, id)
}

func (o *Orchestrator) Rename(ctx context.Context, id, title string) error {
	ctx, release, err := o.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return o.graph.RenameThread(ctx, id, title)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func titleFromText(s string) string {
	return runewidth.Truncate(firstLine(s), 60, "…")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
