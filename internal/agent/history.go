package agent

import (
	"fmt"
	"strings"

	"forkchat/internal/llm"
	"forkchat/internal/thread"
)

// buildHistory converts inherited thread messages into request messages.
// Each AI message with tool calls is followed by one tool message per call
// and a synthetic instruction telling the model how the round went.
func buildHistory(msgs []thread.Message, outputMax int) []llm.Message {
	out := make([]llm.Message, 0, len(msgs)+8)
	for _, m := range msgs {
		switch m.Role {
		case thread.RoleUser:
			out = append(out, llm.Message{Role: "user", Content: m.Content})
		case thread.RoleSystem:
			if strings.TrimSpace(m.Content) != "" {
				out = append(out, llm.Message{Role: "system", Content: m.Content})
			}
		case thread.RoleAI:
			if m.IsStreaming {
				continue
			}
			if strings.TrimSpace(m.Content) == "" && len(m.ToolCalls) == 0 {
				continue
			}
			asst := llm.Message{Role: "assistant", Content: m.Content}
			for _, c := range m.ToolCalls {
				args := strings.TrimSpace(string(c.Arguments))
				if args == "" {
					args = "{}"
				}
				asst.ToolCalls = append(asst.ToolCalls, llm.ToolCall{
					ID:       c.ID,
					Type:     "function",
					Function: llm.ToolCallFunction{Name: c.Name, Arguments: args},
				})
			}
			out = append(out, asst)
			if len(m.ToolCalls) == 0 {
				continue
			}
			for _, c := range m.ToolCalls {
				out = append(out, llm.Message{Role: "tool", ToolCallID: c.ID, Content: formatToolResult(c, outputMax)})
			}
			out = append(out, llm.Message{Role: "user", Content: followUpInstruction(m.ToolCalls, m.IsInterrupted)})
		}
	}
	return out
}

// formatToolResult renders one finished call as a status line plus its
// truncated output.
func formatToolResult(c thread.ToolCall, maxChars int) string {
	var b strings.Builder
	switch c.Status {
	case thread.ToolComplete:
		b.WriteString("✓ ")
	case thread.ToolError:
		b.WriteString("✗ FAILED ")
	default:
		b.WriteString("✗ FAILED (no result) ")
	}
	b.WriteString(c.Name)
	if s := strings.TrimSpace(c.Summary); s != "" {
		b.WriteString(": ")
		b.WriteString(s)
	}
	if body := truncateOutput(c.Result, maxChars); body != "" {
		b.WriteString("\n")
		b.WriteString(body)
	}
	return b.String()
}

func truncateOutput(s string, maxChars int) string {
	s = strings.TrimRight(s, "\n")
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	cut := thread.ClampUTF8(s, maxChars)
	return fmt.Sprintf("%s\n…[truncated %d bytes]", cut, len(s)-len(cut))
}

func followUpInstruction(calls []thread.ToolCall, interrupted bool) string {
	failed := 0
	for _, c := range calls {
		if c.Status != thread.ToolComplete {
			failed++
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Tool results: %d succeeded, %d failed.", len(calls)-failed, failed)
	if interrupted {
		b.WriteString(" The user interrupted this step; wait for new instructions before continuing it.")
		return b.String()
	}
	if failed > 0 {
		b.WriteString(" Read the failure messages above, fix the arguments and retry where it makes sense.")
	}
	b.WriteString(" Continue with the task.")
	return b.String()
}
