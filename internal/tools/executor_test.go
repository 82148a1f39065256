package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/rs/zerolog"

	"forkchat/internal/llm"
	"forkchat/internal/thread"
)

type fakeTool struct {
	name string
	call func(ctx context.Context, args json.RawMessage) (Result, error)
}

func (f *fakeTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{Type: "function", Function: llm.ToolFunctionDef{Name: f.name}}
}

func (f *fakeTool) Call(ctx context.Context, args json.RawMessage) (Result, error) {
	return f.call(ctx, args)
}

type recordingSink struct {
	mu    sync.Mutex
	stats []thread.Stats
}

func (r *recordingSink) AccumulateStats(_ context.Context, s thread.Stats) error {
	r.mu.Lock()
	r.stats = append(r.stats, s)
	r.mu.Unlock()
	return nil
}

func newTestExecutor(sink StatsSink, tools ...Tool) *Executor {
	reg := NewRegistry()
	for _, t := range tools {
		reg.Register(t)
	}
	return NewExecutor(reg, sink, zerolog.Nop())
}

func TestExecutor_RegisterThenExecute(t *testing.T) {
	sink := &recordingSink{}
	var gotArgs string
	exec := newTestExecutor(sink, &fakeTool{name: "write_file", call: func(ctx context.Context, args json.RawMessage) (Result, error) {
		gotArgs = string(args)
		return Result{Output: "ok", Summary: "wrote a.go", Changes: &thread.Stats{Additions: 3}}, nil
	}})

	id := exec.Register(Request{ID: "call_1", Name: "write_file", Arguments: json.RawMessage(`{"path":"a.go"}`)}, "msg-1")
	if id != "call_1" {
		t.Fatalf("expected requested id, got %q", id)
	}
	row, ok := exec.Call(id)
	if !ok || row.Status != thread.ToolExecuting || row.MessageID != "msg-1" {
		t.Fatalf("expected executing row, got %#v", row)
	}

	done := exec.Execute(context.Background(), id)
	if done.Status != thread.ToolComplete || done.Summary != "wrote a.go" || done.Result != "ok" {
		t.Fatalf("unexpected finished row: %#v", done)
	}
	if done.FinishedAt.IsZero() {
		t.Fatalf("expected finish time")
	}
	if gotArgs != `{"path":"a.go"}` {
		t.Fatalf("unexpected args %s", gotArgs)
	}
	if len(sink.stats) != 1 || sink.stats[0].Additions != 3 {
		t.Fatalf("expected stats forwarded, got %#v", sink.stats)
	}
}

func TestExecutor_RepairsTruncatedArguments(t *testing.T) {
	exec := newTestExecutor(nil, &fakeTool{name: "read_file", call: func(ctx context.Context, args json.RawMessage) (Result, error) {
		var in struct{ Path string }
		if err := json.Unmarshal(args, &in); err != nil {
			return Result{}, err
		}
		return Result{Output: in.Path}, nil
	}})
	id := exec.Register(Request{Name: "read_file", Arguments: json.RawMessage(`{"path":"main.go"`)}, "m")
	if !strings.HasPrefix(id, "call_") {
		t.Fatalf("expected generated id, got %q", id)
	}
	row := exec.Execute(context.Background(), id)
	if row.Status != thread.ToolComplete || row.Result != "main.go" {
		t.Fatalf("expected repaired call to succeed, got %#v", row)
	}
	if !json.Valid(row.Arguments) {
		t.Fatalf("expected stored arguments to be valid JSON: %s", row.Arguments)
	}
}

func TestExecutor_FailuresBecomeErrorRows(t *testing.T) {
	exec := newTestExecutor(nil, &fakeTool{name: "boom", call: func(ctx context.Context, args json.RawMessage) (Result, error) {
		return Result{}, errors.New("disk on fire\nstack...")
	}})

	row := exec.Execute(context.Background(), exec.Register(Request{Name: "boom", Arguments: json.RawMessage(`{}`)}, "m"))
	if row.Status != thread.ToolError || row.Summary != "disk on fire" || !strings.HasPrefix(row.Result, "ERROR: ") {
		t.Fatalf("unexpected row: %#v", row)
	}

	row = exec.Execute(context.Background(), exec.Register(Request{Name: "missing"}, "m"))
	if row.Status != thread.ToolError || !strings.Contains(row.Summary, "unknown tool") {
		t.Fatalf("unexpected row for unknown tool: %#v", row)
	}

	row = exec.Execute(context.Background(), "never-registered")
	if row.Status != thread.ToolError {
		t.Fatalf("expected error row for unregistered id, got %#v", row)
	}
}

func TestExecutor_ToolsSeeTheirRowID(t *testing.T) {
	exec := newTestExecutor(nil, &fakeTool{name: "whoami", call: func(ctx context.Context, args json.RawMessage) (Result, error) {
		return Result{Output: CallID(ctx)}, nil
	}})
	id := exec.Register(Request{ID: "toolu_1", Name: "whoami"}, "m")
	row := exec.Execute(context.Background(), id)
	if row.Status != thread.ToolComplete || row.Result != id || row.ID != id {
		t.Fatalf("unexpected row: %#v", row)
	}
	if CallID(context.Background()) != "" {
		t.Fatalf("expected no id outside a tool call")
	}
}

func TestExecutor_FailedOutputIsKept(t *testing.T) {
	exec := newTestExecutor(nil, &fakeTool{name: "remote", call: func(ctx context.Context, args json.RawMessage) (Result, error) {
		return Result{Output: "disk full\nat /var"}, errors.New("fs: disk full")
	}})
	row := exec.Execute(context.Background(), exec.Register(Request{Name: "remote"}, "m"))
	if row.Status != thread.ToolError || row.Summary != "fs: disk full" || row.Result != "ERROR: disk full\nat /var" {
		t.Fatalf("unexpected row: %#v", row)
	}
}

func TestExecutor_ExecuteAllRunsConcurrently(t *testing.T) {
	var inFlight, peak atomic.Int32
	slow := &fakeTool{name: "slow", call: func(ctx context.Context, args json.RawMessage) (Result, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		return Result{Output: string(args)}, nil
	}}
	exec := newTestExecutor(nil, slow)

	ids := []string{
		exec.Register(Request{ID: "a", Name: "slow", Arguments: json.RawMessage(`{"n":1}`)}, "m"),
		exec.Register(Request{ID: "b", Name: "slow", Arguments: json.RawMessage(`{"n":2}`)}, "m"),
		exec.Register(Request{ID: "c", Name: "slow", Arguments: json.RawMessage(`{"n":3}`)}, "m"),
	}
	rows := exec.ExecuteAll(context.Background(), ids)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	for i, r := range rows {
		if r.ID != ids[i] || r.Status != thread.ToolComplete {
			t.Fatalf("row %d out of order or failed: %#v", i, r)
		}
	}
	if peak.Load() < 2 {
		t.Fatalf("expected overlapping execution, peak=%d", peak.Load())
	}
}

func TestExecutor_CompleteExternalCall(t *testing.T) {
	exec := newTestExecutor(nil)
	id := exec.Register(Request{ID: "toolu_1", Name: "Bash", Arguments: json.RawMessage(`{"command":"ls"}`)}, "m")
	row := exec.Complete(id, "permission denied", true)
	if row.Status != thread.ToolError || row.Name != "Bash" || row.Summary != "permission denied" {
		t.Fatalf("unexpected row: %#v", row)
	}
	exec.Release(id)
	if _, ok := exec.Call(id); ok {
		t.Fatalf("expected row to be released")
	}
}

func TestClampSummary(t *testing.T) {
	long := strings.Repeat("界", 60)
	got := ClampSummary("  first\n  second  " + long)
	if strings.Contains(got, "\n") {
		t.Fatalf("summary should be one line: %q", got)
	}
	if w := runewidth.StringWidth(got); w > SummaryWidth {
		t.Fatalf("summary too wide: %d", w)
	}
}
