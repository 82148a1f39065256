package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"forkchat/internal/llm"
	"forkchat/internal/thread"
)

// Result is what a tool hands back to the executor. Changes is set by tools
// that modify files.
type Result struct {
	Output  string
	Summary string
	Changes *thread.Stats
}

type Tool interface {
	Definition() llm.ToolDefinition
	Call(ctx context.Context, args json.RawMessage) (Result, error)
}

type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	name := t.Definition().Function.Name
	r.mu.Lock()
	if r.tools == nil {
		r.tools = make(map[string]Tool)
	}
	r.tools[name] = t
	r.mu.Unlock()
}

func (r *Registry) Unregister(name string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

func (r *Registry) UnregisterMany(names []string) {
	if r == nil || len(names) == 0 {
		return
	}
	r.mu.Lock()
	for _, name := range names {
		delete(r.tools, name)
	}
	r.mu.Unlock()
}

func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	_, ok := r.tools[name]
	r.mu.RUnlock()
	return ok
}

func (r *Registry) Definitions() []llm.ToolDefinition {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.tools[name].Definition())
	}
	r.mu.RUnlock()
	return defs
}

func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (Result, error) {
	if r == nil {
		return Result{}, fmt.Errorf("tool registry is nil")
	}
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("unknown tool: %s", name)
	}
	return t.Call(ctx, args)
}

// RegisterBuiltins adds the file and command tools rooted at dir.
func RegisterBuiltins(r *Registry, dir string, execTimeoutSeconds int) {
	ws := Workspace{Dir: dir}
	r.Register(&ListFilesTool{Workspace: ws})
	r.Register(&ReadFileTool{Workspace: ws})
	r.Register(&WriteFileTool{Workspace: ws})
	r.Register(&EditFileTool{Workspace: ws})
	r.Register(&MoveFileTool{Workspace: ws})
	r.Register(&CopyFileTool{Workspace: ws})
	r.Register(&DeleteFileTool{Workspace: ws})
	r.Register(&ExecCommandTool{Dir: dir, DefaultTimeoutSeconds: execTimeoutSeconds})
}
