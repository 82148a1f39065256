package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"forkchat/internal/llm"
)

// Tool is a remote tool exposed to the model as mcp__<server>__<tool>.
type Tool struct {
	Server      string
	Name        string
	Remote      string
	Description string
	Schema      any
	session     *mcp.ClientSession
}

// CallResult is a tool reply flattened into ToolCall row text.
type CallResult struct {
	Text string
	// IsError is the server's own verdict: the call ran but failed.
	IsError bool
	// Parts counts content blocks by kind ("text", "image", ...).
	Parts map[string]int
}

// Summary is the one-line row summary: the first line of text, else a count
// of what came back.
func (r CallResult) Summary() string {
	if line := firstLine(r.Text); line != "" && r.Parts["text"] > 0 {
		return line
	}
	if len(r.Parts) == 0 {
		return "no content"
	}
	kinds := make([]string, 0, len(r.Parts))
	for k := range r.Parts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%d %s", r.Parts[k], k))
	}
	return strings.Join(parts, ", ")
}

// toolsFrom names every listed tool and drops names that collide after
// sanitizing. Each collision is returned as a warning.
func toolsFrom(servers []*Server) ([]*Tool, []string) {
	var (
		tools    []*Tool
		warnings []string
	)
	used := make(map[string]string)
	for _, srv := range servers {
		for _, remote := range srv.tools {
			if remote == nil {
				continue
			}
			name := localToolName(srv.Name, remote.Name)
			if name == "" {
				warnings = append(warnings, fmt.Sprintf("%s: tool with an empty name", srv.Name))
				continue
			}
			if owner, dup := used[name]; dup {
				warnings = append(warnings, fmt.Sprintf("%s: %s already provided by %s", srv.Name, name, owner))
				continue
			}
			used[name] = srv.Name
			tools = append(tools, newTool(srv, name, remote))
		}
	}
	return tools, warnings
}

func newTool(srv *Server, name string, remote *mcp.Tool) *Tool {
	desc := strings.TrimSpace(remote.Description)
	if desc == "" {
		desc = "Tool " + remote.Name + " from MCP server " + srv.Name
	} else {
		desc = "[" + srv.Name + "] " + desc
	}
	schema := remote.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return &Tool{
		Server:      srv.Name,
		Name:        name,
		Remote:      remote.Name,
		Description: desc,
		Schema:      schema,
		session:     srv.session,
	}
}

func (t *Tool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Type: "function",
		Function: llm.ToolFunctionDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Schema,
		},
	}
}

// Call invokes the remote tool. callID is sent as the progress token so the
// server's progress notifications can be matched to the ToolCall row. A
// non-nil error means the call never completed; a failing tool comes back as
// IsError.
func (t *Tool) Call(ctx context.Context, callID string, args json.RawMessage) (CallResult, error) {
	if t.session == nil {
		return CallResult{}, errors.New("server is not connected")
	}
	arguments := map[string]any{}
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return CallResult{}, fmt.Errorf("arguments must be a JSON object: %w", err)
		}
	}
	params := &mcp.CallToolParams{Name: t.Remote, Arguments: arguments}
	if callID != "" {
		params.Meta = mcp.Meta{"progressToken": callID}
	}
	res, err := t.session.CallTool(ctx, params)
	if err != nil {
		return CallResult{}, err
	}
	return flatten(res), nil
}

func flatten(res *mcp.CallToolResult) CallResult {
	out := CallResult{Parts: map[string]int{}}
	if res == nil {
		return out
	}
	out.IsError = res.IsError
	var blocks []string
	for _, c := range res.Content {
		switch v := c.(type) {
		case *mcp.TextContent:
			out.Parts["text"]++
			blocks = append(blocks, v.Text)
		case *mcp.ImageContent:
			out.Parts["image"]++
			blocks = append(blocks, fmt.Sprintf("[image %s, %d bytes]", v.MIMEType, len(v.Data)))
		case *mcp.AudioContent:
			out.Parts["audio"]++
			blocks = append(blocks, fmt.Sprintf("[audio %s, %d bytes]", v.MIMEType, len(v.Data)))
		case *mcp.ResourceLink:
			out.Parts["link"]++
			blocks = append(blocks, "[link "+v.URI+"]")
		case *mcp.EmbeddedResource:
			out.Parts["resource"]++
			if r := v.Resource; r != nil && r.Text != "" {
				blocks = append(blocks, "[resource "+r.URI+"]\n"+r.Text)
			} else if r != nil {
				blocks = append(blocks, fmt.Sprintf("[resource %s, %d bytes]", r.URI, len(r.Blob)))
			}
		}
	}
	if res.StructuredContent != nil {
		if data, err := json.Marshal(res.StructuredContent); err == nil {
			out.Parts["structured"]++
			blocks = append(blocks, string(data))
		}
	}
	out.Text = strings.Join(blocks, "\n")
	return out
}

func localToolName(server, tool string) string {
	s, t := sanitizeName(server), sanitizeName(tool)
	switch {
	case t == "":
		return ""
	case s == "":
		return "mcp__" + t
	default:
		return "mcp__" + s + "__" + t
	}
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, strings.TrimSpace(name))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
