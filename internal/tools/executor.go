package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"
	"github.com/mattn/go-runewidth"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"forkchat/internal/thread"
)

// SummaryWidth is the display width tool summaries are clamped to.
const SummaryWidth = 80

var errInvalidArguments = errors.New("invalid arguments")

// Request is a tool invocation as requested by the model.
type Request struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// StatsSink receives file-change counts reported by tools. The thread graph
// implements it for the current thread.
type StatsSink interface {
	AccumulateStats(ctx context.Context, s thread.Stats) error
}

// Executor tracks ToolCall rows from registration to completion.
type Executor struct {
	registry *Registry
	stats    StatsSink
	log      zerolog.Logger
	now      func() time.Time

	mu    sync.Mutex
	calls map[string]*thread.ToolCall
	// raw keeps the arguments exactly as requested until they are repaired.
	raw map[string]json.RawMessage
}

func NewExecutor(registry *Registry, stats StatsSink, log zerolog.Logger) *Executor {
	return &Executor{
		registry: registry,
		stats:    stats,
		log:      log,
		now:      time.Now,
		calls:    make(map[string]*thread.ToolCall),
		raw:      make(map[string]json.RawMessage),
	}
}

// Register creates an executing row for req and returns its id without
// running anything.
func (e *Executor) Register(req Request, messageID string) string {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.calls[id]; exists {
		id = id + "_" + uuid.NewString()[:8]
	}
	call := &thread.ToolCall{
		ID:        id,
		Name:      strings.TrimSpace(req.Name),
		Status:    thread.ToolExecuting,
		MessageID: messageID,
		StartedAt: e.now().UTC(),
	}
	if json.Valid(req.Arguments) {
		call.Arguments = append(json.RawMessage(nil), req.Arguments...)
	}
	e.calls[id] = call
	e.raw[id] = append(json.RawMessage(nil), req.Arguments...)
	return id
}

func (e *Executor) Call(id string) (thread.ToolCall, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.calls[id]
	if !ok {
		return thread.ToolCall{}, false
	}
	return *c, true
}

func (e *Executor) Release(ids ...string) {
	e.mu.Lock()
	for _, id := range ids {
		delete(e.calls, id)
		delete(e.raw, id)
	}
	e.mu.Unlock()
}

// Execute runs the tool behind a registered row and finishes the row. Tool
// failures are recorded on the row, never returned.
func (e *Executor) Execute(ctx context.Context, id string) thread.ToolCall {
	e.mu.Lock()
	c, ok := e.calls[id]
	var call thread.ToolCall
	if ok {
		call = *c
	}
	raw := e.raw[id]
	e.mu.Unlock()
	if !ok {
		return thread.ToolCall{ID: id, Status: thread.ToolError, Summary: "unknown tool call", Result: "ERROR: unknown tool call " + id}
	}

	args, err := repairArguments(raw)
	if err != nil {
		e.log.Debug().Str("tool", call.Name).Str("id", id).Msg("unrepairable tool arguments")
		return e.finish(id, nil, Result{}, err)
	}

	res, err := e.registry.Call(withCallID(ctx, id), call.Name, args)
	if err == nil && res.Changes != nil && !res.Changes.IsZero() && e.stats != nil {
		if serr := e.stats.AccumulateStats(ctx, *res.Changes); serr != nil {
			e.log.Warn().Err(serr).Str("tool", call.Name).Msg("record file stats")
		}
	}
	return e.finish(id, args, res, err)
}

func (e *Executor) ExecuteAll(ctx context.Context, ids []string) []thread.ToolCall {
	out := make([]thread.ToolCall, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			out[i] = e.Execute(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Complete finishes a row whose tool was executed by the backend itself.
func (e *Executor) Complete(id, output string, isError bool) thread.ToolCall {
	var err error
	if isError {
		err = errors.New(firstLine(output))
	}
	return e.finish(id, nil, Result{Output: output}, err)
}

func (e *Executor) finish(id string, args json.RawMessage, res Result, err error) thread.ToolCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.calls[id]
	if !ok {
		c = &thread.ToolCall{ID: id}
		e.calls[id] = c
	}
	if args != nil {
		c.Arguments = args
	}
	c.FinishedAt = e.now().UTC()
	if err != nil {
		c.Status = thread.ToolError
		msg := err.Error()
		if res.Output != "" {
			msg = res.Output
		}
		c.Summary = ClampSummary(firstLine(err.Error()))
		c.Result = "ERROR: " + msg
		e.log.Debug().Str("tool", c.Name).Str("id", id).Err(err).Msg("tool failed")
		return *c
	}
	c.Status = thread.ToolComplete
	summary := res.Summary
	if strings.TrimSpace(summary) == "" {
		summary = firstLine(res.Output)
	}
	if strings.TrimSpace(summary) == "" {
		summary = "ok"
	}
	c.Summary = ClampSummary(summary)
	c.Result = res.Output
	return *c
}

type callIDKey struct{}

func withCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callIDKey{}, id)
}

// CallID is the id of the ToolCall row a tool is running for, or "".
func CallID(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}

func repairArguments(raw json.RawMessage) (json.RawMessage, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return json.RawMessage("{}"), nil
	}
	if json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil || !json.Valid([]byte(repaired)) {
		return json.RawMessage(text), errInvalidArguments
	}
	return json.RawMessage(repaired), nil
}

// ClampSummary collapses s to one line no wider than SummaryWidth columns.
func ClampSummary(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return runewidth.Truncate(s, SummaryWidth, "…")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
