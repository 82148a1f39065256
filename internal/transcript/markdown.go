// Package transcript renders a thread's visible history for export.
package transcript

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"forkchat/internal/thread"
)

// Source is the read side of thread.Graph used for export.
type Source interface {
	Thread(id string) (thread.Thread, bool)
	History(id string) []thread.Message
	InheritedSummary(id string) string
	TotalTokenCount(id string) int
}

// Markdown renders everything visible from threadID, inherited segments
// included, oldest first.
func Markdown(src Source, threadID string) (string, error) {
	t, ok := src.Thread(threadID)
	if !ok {
		return "", fmt.Errorf("export %s: %w", threadID, thread.ErrThreadNotFound)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", oneLine(t.Title))
	fmt.Fprintf(&b, "- Thread: `%s` (%s)\n", t.ID, t.Type)
	if t.ParentID != "" {
		fmt.Fprintf(&b, "- Parent: `%s`\n", t.ParentID)
	}
	fmt.Fprintf(&b, "- Created: %s\n", t.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Tokens: %d\n", src.TotalTokenCount(threadID))
	if !t.Stats.IsZero() {
		fmt.Fprintf(&b, "- Files: +%d ~%d -%d\n", t.Stats.Additions, t.Stats.Changes, t.Stats.Deletions)
	}
	b.WriteString("\n")

	if s := strings.TrimSpace(src.InheritedSummary(threadID)); s != "" {
		b.WriteString("> **Summary of earlier conversation**\n>\n")
		quote(&b, s)
		b.WriteString("\n")
	}

	for _, m := range src.History(threadID) {
		writeMessage(&b, m)
	}
	return strings.TrimRight(b.String(), "\n") + "\n", nil
}

func writeMessage(b *strings.Builder, m thread.Message) {
	switch m.Role {
	case thread.RoleUser:
		b.WriteString("## User\n\n")
	case thread.RoleAI:
		b.WriteString("## Assistant\n\n")
	case thread.RoleError:
		b.WriteString("## Error\n\n")
	default:
		b.WriteString("## System\n\n")
	}
	if m.Thinking != "" {
		b.WriteString("> _Thinking_\n>\n")
		quote(b, m.Thinking)
		b.WriteString("\n")
	}
	if c := strings.TrimSpace(m.Content); c != "" {
		b.WriteString(c)
		b.WriteString("\n\n")
	}
	for _, c := range m.ToolCalls {
		writeToolCall(b, c)
	}
	if m.IsInterrupted {
		b.WriteString("_(interrupted)_\n\n")
	}
}

func writeToolCall(b *strings.Builder, c thread.ToolCall) {
	mark := "✓"
	switch c.Status {
	case thread.ToolError:
		mark = "✗"
	case thread.ToolExecuting:
		mark = "…"
	}
	fmt.Fprintf(b, "- %s `%s`", mark, c.Name)
	if s := strings.TrimSpace(c.Summary); s != "" {
		fmt.Fprintf(b, " %s", oneLine(s))
	}
	b.WriteString("\n")
	if args := strings.TrimSpace(string(c.Arguments)); args != "" && args != "{}" {
		b.WriteString("\n  ```json\n")
		for _, l := range strings.Split(indentJSON(c.Arguments), "\n") {
			b.WriteString("  " + l + "\n")
		}
		b.WriteString("  ```\n")
	}
	b.WriteString("\n")
}

func quote(b *strings.Builder, s string) {
	for _, l := range strings.Split(strings.TrimSpace(s), "\n") {
		b.WriteString(strings.TrimRight("> "+l, " ") + "\n")
	}
}

func indentJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return strings.TrimSpace(string(raw))
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return strings.TrimSpace(string(raw))
	}
	return string(out)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
