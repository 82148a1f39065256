package tui

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"forkchat/internal/agent"
	"forkchat/internal/appinfo"
	"forkchat/internal/thread"
)

type line struct {
	Text    string
	ToolKey string
}

var (
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	systemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func (m *model) rerender() {
	id := m.graph.CurrentID()
	if id == "" {
		m.viewport.SetContent(dimStyle.Render("No thread yet. Type a message to start one."))
		m.viewport.SetYOffset(0)
		m.lineToolKeys = nil
		m.cursorLine = -1
		return
	}

	width := m.viewport.Width
	if width <= 0 {
		width = 80
	}
	contentWidth := max(10, width-2)

	history := m.graph.History(id)
	var open *thread.Message
	if m.busy && m.snap.Message != nil && m.snap.ThreadID == id {
		open = m.snap.Message
	}
	lines := buildLines(m.graph.InheritedSummary(id), history, open, contentWidth, m.expandedTools, m.spinner())
	m.lineToolKeys = make([]string, len(lines))
	if len(lines) == 0 {
		m.cursorLine = -1
		m.viewport.SetContent("")
		m.viewport.SetYOffset(0)
		return
	}

	if m.stickToBottom {
		m.cursorLine = len(lines) - 1
	}
	m.cursorLine = clamp(0, m.cursorLine, len(lines)-1)
	if m.cursorLine >= len(lines)-1 {
		m.stickToBottom = true
	}

	rendered := make([]string, 0, len(lines))
	for i, l := range lines {
		m.lineToolKeys[i] = l.ToolKey
		arrow := " "
		if i == m.cursorLine {
			arrow = ">"
		}
		rendered = append(rendered, arrow+" "+truncateANSI(l.Text, contentWidth))
	}
	m.viewport.SetContent(strings.Join(rendered, "\n"))
	m.adjustViewportForCursor(len(lines))
}

func (m *model) adjustViewportForCursor(totalLines int) {
	if totalLines <= 0 || m.viewport.Height <= 0 {
		m.viewport.SetYOffset(0)
		return
	}
	maxYOffset := max(0, totalLines-m.viewport.Height)
	if m.stickToBottom {
		m.viewport.SetYOffset(maxYOffset)
		return
	}
	y := m.viewport.YOffset
	if m.cursorLine < y {
		y = m.cursorLine
	} else if m.cursorLine >= y+m.viewport.Height {
		y = m.cursorLine - m.viewport.Height + 1
	}
	m.viewport.SetYOffset(clamp(0, y, maxYOffset))
}

// buildLines renders a thread's visible history plus the message still being
// streamed, if any.
func buildLines(summary string, history []thread.Message, open *thread.Message, width int, expanded map[string]bool, spinner string) []line {
	if width <= 0 {
		width = 80
	}
	out := make([]line, 0, max(64, len(history)*2))
	addWrapped := func(prefix string, style lipgloss.Style, text string) {
		out = append(out, wrapPrefixedLines(prefix, style, text, width)...)
	}
	addBlank := func() {
		if len(out) == 0 || strings.TrimSpace(out[len(out)-1].Text) != "" {
			out = append(out, line{})
		}
	}

	if s := strings.TrimSpace(summary); s != "" {
		addWrapped("SUM: ", systemStyle, s)
		addBlank()
	}
	msgs := history
	if open != nil {
		msgs = append(append([]thread.Message(nil), history...), *open)
	}
	for _, msg := range msgs {
		switch msg.Role {
		case thread.RoleUser:
			addWrapped("You: ", userStyle, msg.Content)
			addBlank()
		case thread.RoleSystem:
			addWrapped("SYS: ", systemStyle, msg.Content)
			addBlank()
		case thread.RoleError:
			addWrapped("ERR: ", errorStyle, msg.Content)
			addBlank()
		case thread.RoleAI:
			if t := thinkingLabel(msg, spinner); t != "" {
				out = append(out, line{Text: dimStyle.Render(t)})
			}
			if strings.TrimSpace(msg.Content) != "" {
				addWrapped("AI:  ", assistantStyle, msg.Content)
			} else if msg.IsStreaming && len(msg.ToolCalls) == 0 && !msg.IsThinking {
				out = append(out, line{Text: assistantStyle.Render("AI:  " + spinner)})
			}
			for _, call := range msg.ToolCalls {
				key := call.ID
				isExpanded := expanded != nil && expanded[key]
				out = append(out, line{Text: renderToolLine(call, width, isExpanded, spinner), ToolKey: key})
				if isExpanded {
					out = append(out, renderToolDetails(call, width)...)
				}
			}
			if msg.IsInterrupted {
				out = append(out, line{Text: dimStyle.Render("[interrupted]")})
			}
			addBlank()
		}
	}
	return out
}

func thinkingLabel(msg thread.Message, spinner string) string {
	switch {
	case msg.IsThinking:
		return "thinking " + spinner
	case msg.ThinkingDuration > 0:
		return fmt.Sprintf("thought for %s", msg.ThinkingDuration.Round(100*time.Millisecond))
	case strings.TrimSpace(msg.Thinking) != "":
		return "thought"
	default:
		return ""
	}
}

func wrapPrefixedLines(prefix string, style lipgloss.Style, text string, width int) []line {
	text = strings.TrimRight(text, "\n")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	prefixWidth := runewidth.StringWidth(prefix)
	contentWidth := max(10, width-prefixWidth)
	wrapped := wrapText(text, contentWidth)

	parts := strings.Split(wrapped, "\n")
	out := make([]line, 0, len(parts))
	indent := strings.Repeat(" ", prefixWidth)
	for i, p := range parts {
		if i == 0 {
			out = append(out, line{Text: style.Render(prefix + p)})
			continue
		}
		out = append(out, line{Text: style.Render(indent + p)})
	}
	return out
}

func renderToolLine(call thread.ToolCall, width int, expanded bool, spinner string) string {
	toolStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))

	disclosure := "▸"
	if expanded {
		disclosure = "▾"
	}
	status := "running"
	statusStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	switch call.Status {
	case thread.ToolComplete:
		status = "ok"
		statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	case thread.ToolError:
		status = "error"
		statusStyle = errorStyle
	}

	resultSummary := call.Summary
	if call.Status == thread.ToolExecuting {
		resultSummary = spinner
	}

	var b strings.Builder
	b.WriteString(dimStyle.Render(disclosure))
	b.WriteString(" ")
	b.WriteString(toolStyle.Render(call.Name))
	if args := summarizeToolArgs(string(call.Arguments)); args != "" {
		b.WriteString(" ")
		b.WriteString(dimStyle.Render(args))
	}
	b.WriteString(" -> ")
	b.WriteString(statusStyle.Render(status))
	if s := strings.TrimSpace(resultSummary); s != "" {
		b.WriteString(" ")
		b.WriteString(dimStyle.Render(safeOneLine(s, 110)))
	}
	return truncateANSI(b.String(), width)
}

func renderToolDetails(call thread.ToolCall, width int) []line {
	lines := make([]line, 0, 24)
	if len(call.Arguments) > 0 {
		lines = append(lines, line{Text: dimStyle.Render("    args:")})
		for _, l := range strings.Split(formatJSON(string(call.Arguments)), "\n") {
			lines = append(lines, line{Text: dimStyle.Render("      " + truncateANSI(l, width-6))})
		}
	}
	if result := strings.TrimRight(strings.TrimSpace(call.Result), "\n"); result != "" {
		lines = append(lines, line{Text: dimStyle.Render("    result:")})
		for _, l := range strings.Split(result, "\n") {
			lines = append(lines, line{Text: dimStyle.Render("      " + truncateANSI(l, width-6))})
		}
	}
	if len(lines) > 0 {
		lines = append(lines, line{})
	}
	return lines
}

func summarizeToolArgs(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return fmt.Sprintf("args=%dB", len(trimmed))
	}
	if len(obj) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, min(3, len(keys)))
	for _, k := range keys {
		parts = append(parts, k+"="+formatArgPreview(k, obj[k]))
		if len(parts) >= 3 {
			break
		}
	}
	more := ""
	if len(keys) > len(parts) {
		more = fmt.Sprintf(" +%d", len(keys)-len(parts))
	}
	return "{" + strings.Join(parts, ", ") + more + "}"
}

func formatArgPreview(key string, v any) string {
	if isSensitiveKey(key) {
		return "<redacted>"
	}
	switch t := v.(type) {
	case string:
		s := safeOneLine(t, 26)
		if s == "" {
			return `""`
		}
		return fmt.Sprintf("%q", s)
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%.3g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	case nil:
		return "null"
	case []any:
		return fmt.Sprintf("[%d]", len(t))
	case map[string]any:
		return "{…}"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, needle := range []string{"api_key", "apikey", "token", "secret", "password", "passwd", "authorization", "bearer", "cookie"} {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

func formatJSON(raw string) string {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return strings.TrimSpace(raw)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return strings.TrimSpace(raw)
	}
	return string(b)
}

// treeEntry is one row of the thread pane.
type treeEntry struct {
	Thread thread.Thread
	Depth  int
}

// threadTree orders threads depth first under their roots. Roots and
// siblings keep the most-recent-first order of list.
func threadTree(list []thread.Thread) []treeEntry {
	byID := make(map[string]thread.Thread, len(list))
	rank := make(map[string]int, len(list))
	for i, t := range list {
		byID[t.ID] = t
		rank[t.ID] = i
	}
	out := make([]treeEntry, 0, len(list))
	seen := make(map[string]bool, len(list))
	var walk func(t thread.Thread, depth int)
	walk = func(t thread.Thread, depth int) {
		if seen[t.ID] {
			return
		}
		seen[t.ID] = true
		out = append(out, treeEntry{Thread: t, Depth: depth})
		kids := make([]thread.Thread, 0, len(t.ChildIDs))
		for _, id := range t.ChildIDs {
			if c, ok := byID[id]; ok {
				kids = append(kids, c)
			}
		}
		sort.SliceStable(kids, func(i, j int) bool { return rank[kids[i].ID] < rank[kids[j].ID] })
		for _, c := range kids {
			walk(c, depth+1)
		}
	}
	for _, t := range list {
		if _, ok := byID[t.ParentID]; !ok {
			walk(t, 0)
		}
	}
	for _, t := range list {
		walk(t, 0)
	}
	return out
}

func indexOfThread(list []treeEntry, id string) int {
	for i, e := range list {
		if e.Thread.ID == id {
			return i
		}
	}
	return -1
}

func typeMarker(t thread.Type) string {
	switch t {
	case thread.TypeFork:
		return "⑂"
	case thread.TypeCompact:
		return "≡"
	case thread.TypeHandoff:
		return "→"
	default:
		return "•"
	}
}

func (m *model) renderThreads(width, height int) string {
	style := lipgloss.NewStyle().Width(width).Height(height).BorderRight(true).BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("8"))
	lines := []string{lipgloss.NewStyle().Bold(true).Render("Threads"), ""}

	list := threadTree(m.graph.Threads())
	current := m.graph.CurrentID()
	activeStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	for i, e := range list {
		prefix := "  "
		if i == m.threadCursor {
			prefix = "> "
		}
		label := strings.Repeat("  ", min(e.Depth, 4)) + typeMarker(e.Thread.Type) + " " + e.Thread.Title
		if e.Thread.ID == current {
			label = activeStyle.Render(label)
		} else if e.Thread.Status == thread.StatusHandoff {
			label = dimStyle.Render(label)
		}
		lines = append(lines, truncateANSI(prefix+label, width-1))
	}

	hints := []string{
		truncateANSI(dimStyle.Render("Select: Shift+↑/↓ Enter"), width-1),
		truncateANSI(dimStyle.Render("New: Ctrl+N  Delete: Ctrl+D"), width-1),
	}
	for need := height - len(lines) - len(hints); need > 0; need-- {
		lines = append(lines, "")
	}
	lines = append(lines, hints...)
	return style.Render(strings.Join(lines, "\n"))
}

func (m *model) renderStatus(width, height int) string {
	style := lipgloss.NewStyle().Width(width).Height(height).BorderLeft(true).BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("8"))
	lines := []string{lipgloss.NewStyle().Bold(true).Render("Status"), ""}
	add := func(label, value string) {
		lines = append(lines, truncateANSI(dimStyle.Render(label+": ")+value, width-1))
	}

	add("backend", m.orch.Backend().Name())
	phase := string(agent.PhaseIdle)
	if m.busy {
		phase = string(m.snap.Phase)
		if phase == "" {
			phase = "working"
		}
	}
	add("phase", phase)

	if t, ok := m.graph.Current(); ok {
		add("thread", shortID(t.ID))
		add("type", string(t.Type))
		total := m.graph.TotalTokenCount(t.ID)
		if m.busy && m.snap.ThreadID == t.ID {
			total += m.snap.TokenEstimate
		}
		add("tokens", fmt.Sprintf("%d / %d", total, m.graph.AutoCompactThreshold()))
		add("files", fmt.Sprintf("+%d ~%d -%d", t.Stats.Additions, t.Stats.Changes, t.Stats.Deletions))
		if t.BackendSessionID != "" {
			add("session", shortID(t.BackendSessionID))
		}
	}
	if m.busy && m.snap.Thinking {
		add("thinking", m.snap.ThinkingDuration.Round(time.Second).String())
	}

	hint := truncateANSI(dimStyle.Render("Esc: cancel | Ctrl+T: threads | /help"), width-1)
	for need := height - len(lines) - 1; need > 0; need-- {
		lines = append(lines, "")
	}
	lines = append(lines, hint)
	return style.Render(strings.Join(lines, "\n"))
}

func (m *model) renderCenter(width, height int) string {
	if width <= 0 || height <= 0 {
		return ""
	}
	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	headerText := appinfo.Display()
	if m.busy {
		headerText += " " + m.spinner()
	}
	title := "-"
	if t, ok := m.graph.Current(); ok {
		title = t.Title
	}
	parts := []string{
		headerStyle.Render(headerText),
		dimStyle.Render(truncateANSI("Thread: "+title, max(10, width-2))),
	}
	switch {
	case strings.TrimSpace(m.notice) != "":
		parts = append(parts, errorStyle.Render(truncateANSI("Error: "+strings.TrimSpace(m.notice), max(10, width-2))))
	case strings.TrimSpace(m.banner) != "":
		parts = append(parts, lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Render(truncateANSI(m.banner, max(10, width-2))))
	default:
		parts = append(parts, "")
	}
	header := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(parts, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left, header, m.viewport.View(), m.renderInputLine(width))
	return lipgloss.NewStyle().Width(width).Height(height).Render(content)
}

func (m *model) renderInputLine(width int) string {
	if m.busy {
		m.input.Blur()
		return lipgloss.NewStyle().Width(width).Padding(0, 1).Foreground(lipgloss.Color("8")).
			Render("Working " + m.spinner() + "  (Esc to cancel)")
	}
	m.input.Focus()
	m.input.Width = max(10, width-4)
	return lipgloss.NewStyle().Width(width).Padding(0, 1).Render(m.input.View())
}
