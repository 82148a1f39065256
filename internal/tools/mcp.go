package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"forkchat/internal/llm"
	"forkchat/internal/mcpclient"
)

// mcpTool adapts a remote MCP tool to the registry. A reply the server
// flags as an error fails the row.
type mcpTool struct {
	remote *mcpclient.Tool
}

func (t mcpTool) Definition() llm.ToolDefinition { return t.remote.Definition() }

func (t mcpTool) Call(ctx context.Context, args json.RawMessage) (Result, error) {
	res, err := t.remote.Call(ctx, CallID(ctx), args)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", t.remote.Server, err)
	}
	summary := t.remote.Server + ": " + res.Summary()
	if res.IsError {
		return Result{Output: res.Text}, errors.New(summary)
	}
	return Result{Output: res.Text, Summary: summary}, nil
}

// MCPBridge keeps the registry in sync with an MCP runtime.
type MCPBridge struct {
	Runtime  *mcpclient.Runtime
	Registry *Registry

	mu    sync.Mutex
	names []string
}

// Reload reconnects every configured server and swaps the registered MCP
// tools for the fresh set.
func (b *MCPBridge) Reload(ctx context.Context) (string, error) {
	if b == nil || b.Runtime == nil || b.Registry == nil {
		return "", errors.New("mcp is not configured")
	}
	report, err := b.Runtime.Reload(ctx)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Registry.UnregisterMany(b.names)
	b.names = b.names[:0]
	for _, remote := range b.Runtime.Tools() {
		if remote == nil {
			continue
		}
		b.Registry.Register(mcpTool{remote: remote})
		b.names = append(b.names, remote.Name)
	}
	return report.String(), nil
}

// MCPReloadTool lets the model ask for a reload of the MCP servers.
type MCPReloadTool struct {
	Reload func(ctx context.Context) (string, error)
}

func (t *MCPReloadTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Type: "function",
		Function: llm.ToolFunctionDef{
			Name:        "mcp_reload",
			Description: "Reload MCP servers from config and refresh MCP tools without restarting.",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
	}
}

func (t *MCPReloadTool) Call(ctx context.Context, args json.RawMessage) (Result, error) {
	if len(args) > 0 {
		var payload map[string]any
		if err := json.Unmarshal(args, &payload); err != nil {
			return Result{}, err
		}
	}
	if t.Reload == nil {
		return Result{}, errors.New("mcp reload is not configured")
	}
	out, err := t.Reload(ctx)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: out, Summary: firstLine(out)}, nil
}
