package thread

import (
	"strings"
	"unicode/utf8"
)

// DefaultTranscriptMaxChars limits the history text handed to the summarizer.
const DefaultTranscriptMaxChars = 16_000

// BuildTranscript renders messages as the plain-text conversation handed to a
// Summarizer. When the full text exceeds maxChars the oldest and newest
// messages are kept and the middle is elided.
func BuildTranscript(preamble string, messages []Message, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultTranscriptMaxChars
	}
	blocks := make([]string, 0, len(messages)+1)
	if p := strings.TrimSpace(preamble); p != "" {
		blocks = append(blocks, "[summary of earlier conversation]\n"+ClampUTF8(p, 2000))
	}
	for _, m := range messages {
		if b := formatMessageForSummary(m); b != "" {
			blocks = append(blocks, b)
		}
	}
	return joinBlocksHeadTail(blocks, maxChars)
}

func formatMessageForSummary(m Message) string {
	content := strings.TrimSpace(m.Content)
	switch m.Role {
	case RoleUser:
		return "[user]\n" + ClampUTF8(content, 1200)
	case RoleAI:
		var b strings.Builder
		b.WriteString("[assistant]\n")
		b.WriteString(ClampUTF8(content, 1600))
		if len(m.ToolCalls) > 0 {
			names := make([]string, 0, len(m.ToolCalls))
			for _, c := range m.ToolCalls {
				if n := strings.TrimSpace(c.Name); n != "" {
					names = append(names, n)
				}
			}
			if len(names) > 0 {
				if content != "" {
					b.WriteString("\n")
				}
				b.WriteString("(tool_calls: " + strings.Join(names, ", ") + ")")
			}
		}
		return b.String()
	case RoleError:
		return ""
	default:
		if content == "" {
			return ""
		}
		return "[" + string(m.Role) + "]\n" + ClampUTF8(content, 800)
	}
}

func joinBlocksHeadTail(blocks []string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	sep := "\n\n"
	total := 0
	for i := range blocks {
		if blocks[i] == "" {
			continue
		}
		if total > 0 {
			total += len(sep)
		}
		total += len(blocks[i])
	}
	if total <= maxChars {
		return strings.Join(blocks, sep)
	}

	headBudget := int(float64(maxChars) * 0.25)
	tailBudget := int(float64(maxChars) * 0.65)
	marker := "\n\n...[omitted for brevity]...\n\n"
	remain := maxChars - len(marker)
	if remain < 0 {
		remain = 0
	}
	if headBudget+tailBudget > remain {
		headBudget = remain / 3
		tailBudget = remain - headBudget
	}

	head := make([]string, 0, len(blocks))
	headLen := 0
	headEnd := 0
	for i, b := range blocks {
		if strings.TrimSpace(b) == "" {
			continue
		}
		add := len(b)
		if headLen > 0 {
			add += len(sep)
		}
		if headLen+add > headBudget && headLen > 0 {
			break
		}
		head = append(head, b)
		headLen += add
		headEnd = i + 1
	}

	tail := make([]string, 0, len(blocks))
	tailLen := 0
	for i := len(blocks) - 1; i >= headEnd; i-- {
		b := blocks[i]
		if strings.TrimSpace(b) == "" {
			continue
		}
		add := len(b)
		if tailLen > 0 {
			add += len(sep)
		}
		if tailLen+add > tailBudget && tailLen > 0 {
			break
		}
		tail = append(tail, b)
		tailLen += add
	}
	for i, j := 0, len(tail)-1; i < j; i, j = i+1, j-1 {
		tail[i], tail[j] = tail[j], tail[i]
	}

	if len(tail) == 0 {
		return strings.Join(head, sep)
	}
	if len(head) == 0 {
		return strings.Join(tail, sep)
	}
	return strings.Join(head, sep) + marker + strings.Join(tail, sep)
}

// ClampUTF8 cuts s to at most maxBytes without splitting a rune.
func ClampUTF8(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimRight(s[:cut], "\n")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
