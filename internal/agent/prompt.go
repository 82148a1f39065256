package agent

import (
	"strings"
)

// DefaultSystemPrompt is used when no prompt is configured.
func DefaultSystemPrompt(backendRunsTools bool) string {
	var b strings.Builder
	b.WriteString("You are a local coding agent working in the user's terminal.\n")
	if backendRunsTools {
		return b.String()
	}
	b.WriteString("Use tools for filesystem operations instead of guessing.\n")
	b.WriteString("When calling write_file: arguments MUST be valid JSON (no raw code outside JSON). For large files, write in multiple calls with append=true after the first chunk and keep each call small to avoid truncation.\n")
	b.WriteString("When MCP config/server setup changes at runtime, use mcp_reload to refresh MCP tools.\n")
	b.WriteString("A failed tool call is reported back to you with ✗ FAILED; fix the arguments and retry instead of giving up.\n")
	return b.String()
}

// joinSystem appends the summary that replaces history older than the
// nearest compact or handoff boundary.
func joinSystem(prompt, summary string) string {
	prompt = strings.TrimSpace(prompt)
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return prompt
	}
	section := "Summary of the earlier conversation (older messages are no longer shown):\n" + summary
	if prompt == "" {
		return section
	}
	return prompt + "\n\n" + section
}
