package agent

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"forkchat/internal/thread"
)

// touchesMCPConfig reports whether a successful call in rows wrote to an
// MCP config file or server directory.
func touchesMCPConfig(rows []thread.ToolCall) bool {
	for _, c := range rows {
		if c.Status != thread.ToolComplete {
			continue
		}
		args := parseToolArgs(c.Arguments)
		switch c.Name {
		case "write_file", "edit_file", "delete_file":
			if isMCPRelatedPath(argString(args, "path")) {
				return true
			}
		case "move_file", "copy_file":
			if isMCPRelatedPath(argString(args, "src")) || isMCPRelatedPath(argString(args, "dest")) {
				return true
			}
		}
	}
	return false
}

func parseToolArgs(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func argString(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func isMCPRelatedPath(path string) bool {
	p := strings.TrimSpace(path)
	if p == "" {
		return false
	}
	p = strings.Trim(p, "\"'")
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "./")
	lp := strings.ToLower(p)

	if strings.HasPrefix(lp, "mcp/") || strings.Contains(lp, "/mcp/") {
		return true
	}
	base := filepath.Base(lp)
	if base == "mcp.json" || base == "forkchat.toml" {
		return true
	}
	return strings.HasPrefix(lp, "bin/") && strings.Contains(base, "mcp")
}
