package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"forkchat/internal/agent"
	"forkchat/internal/thread"
)

const tickInterval = 120 * time.Millisecond

var spinnerFrames = []string{"|", "/", "-", "\\"}

type Options struct {
	Orchestrator *agent.Orchestrator
	// MCPReload backs the /mcp reload command; nil disables it.
	MCPReload func(ctx context.Context) (string, error)
	Logger    zerolog.Logger
}

// Run starts the full-screen chat UI and blocks until the user quits.
func Run(ctx context.Context, in io.Reader, out io.Writer, opts Options) error {
	if opts.Orchestrator == nil {
		return errors.New("tui requires an orchestrator")
	}
	if f, ok := out.(*os.File); ok {
		if !term.IsTerminal(int(f.Fd())) {
			return fmt.Errorf("stdout is not a TTY; use `forkchat run -p` instead")
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := newModel(ctx, opts)
	prog := tea.NewProgram(
		m,
		tea.WithAltScreen(),
		tea.WithInput(in),
		tea.WithOutput(out),
	)
	_, err := prog.Run()
	opts.Orchestrator.Cancel()
	return err
}

type model struct {
	ctx       context.Context
	orch      *agent.Orchestrator
	graph     *thread.Graph
	mcpReload func(ctx context.Context) (string, error)
	log       zerolog.Logger

	events chan tea.Msg

	width  int
	height int

	input    textinput.Model
	viewport viewport.Model

	threadCursor  int
	showThreads   bool
	expandedTools map[string]bool
	lineToolKeys  []string
	cursorLine    int
	stickToBottom bool
	spinnerFrame  int

	busy            bool
	snap            agent.Snapshot
	notice          string
	banner          string
	deleteConfirmID string
	deleteConfirmAt time.Time
}

type tickMsg struct{}

type asyncMsg struct {
	Event tea.Msg
}

type turnDoneMsg struct {
	Result *agent.TurnResult
	Err    error
}

type commandDoneMsg struct {
	Banner string
	Err    error
}

func newModel(ctx context.Context, opts Options) model {
	in := textinput.New()
	in.Placeholder = "Message, or /help"
	in.Prompt = "> "
	in.CharLimit = 0
	in.Focus()

	return model{
		ctx:           ctx,
		orch:          opts.Orchestrator,
		graph:         opts.Orchestrator.Graph(),
		mcpReload:     opts.MCPReload,
		log:           opts.Logger.With().Str("component", "tui").Logger(),
		events:        make(chan tea.Msg, 16),
		input:         in,
		viewport:      viewport.New(0, 0),
		showThreads:   true,
		expandedTools: make(map[string]bool),
		cursorLine:    -1,
		stickToBottom: true,
		threadCursor:  -1,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, tickCmd(), waitAsyncCmd(m.events))
}

func tickCmd() tea.Cmd {
	return tea.Tick(tickInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

func waitAsyncCmd(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return asyncMsg{Event: <-ch}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.rerender()
		return m, nil
	case tickMsg:
		if m.busy {
			m.spinnerFrame = (m.spinnerFrame + 1) % len(spinnerFrames)
			m.snap = m.orch.Snapshot()
		}
		m.rerender()
		return m, tickCmd()
	case asyncMsg:
		m.handleAsyncEvent(msg.Event)
		m.rerender()
		return m, waitAsyncCmd(m.events)
	case tea.KeyMsg:
		handled, cmd := m.handleKey(msg)
		if handled {
			return m, cmd
		}
		if m.busy {
			return m, nil
		}
		var cmd2 tea.Cmd
		m.input, cmd2 = m.input.Update(msg)
		return m, cmd2
	default:
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
}

func (m *model) handleAsyncEvent(evt tea.Msg) {
	switch msg := evt.(type) {
	case turnDoneMsg:
		m.busy = false
		m.snap = agent.Snapshot{}
		switch {
		case msg.Err != nil:
			m.notice = msg.Err.Error()
		case msg.Result == nil:
		case msg.Result.AutoCompacted:
			m.banner = "History compacted into a new thread."
		case msg.Result.ToolCapReached:
			m.banner = fmt.Sprintf("Stopped after %d tool rounds.", msg.Result.Rounds)
		case msg.Result.Interrupted:
			m.banner = "Interrupted."
		}
		m.stickToBottom = true
	case commandDoneMsg:
		m.busy = false
		if msg.Err != nil {
			m.notice = msg.Err.Error()
			return
		}
		m.banner = msg.Banner
		m.cursorLine = -1
		m.stickToBottom = true
	}
}

func (m *model) handleKey(msg tea.KeyMsg) (bool, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		if m.busy {
			m.orch.Cancel()
			return true, nil
		}
		return true, tea.Quit
	case "esc":
		if m.busy {
			m.orch.Cancel()
		}
		return true, nil
	case "ctrl+n":
		return true, m.runCommand("/new")
	case "ctrl+d":
		id := m.selectedThreadID()
		if id == "" || m.busy {
			return true, nil
		}
		if m.deleteConfirmID == id && time.Since(m.deleteConfirmAt) < 3*time.Second {
			m.deleteConfirmID = ""
			m.deleteConfirmAt = time.Time{}
			m.notice = ""
			return true, m.startCommand(func(ctx context.Context) (string, error) {
				return "Thread deleted.", m.orch.Delete(ctx, id)
			})
		}
		m.deleteConfirmID = id
		m.deleteConfirmAt = time.Now()
		m.notice = "Press Ctrl+D again to delete this thread."
		return true, nil
	case "shift+up", "alt+up":
		m.moveThreadCursor(-1)
		return true, nil
	case "shift+down", "alt+down":
		m.moveThreadCursor(1)
		return true, nil
	case "ctrl+t":
		m.showThreads = !m.showThreads
		m.resize()
		m.rerender()
		return true, nil
	case "up":
		m.moveCursor(-1)
		return true, nil
	case "down":
		m.moveCursor(1)
		return true, nil
	case "pgup":
		m.pageCursor(-1)
		return true, nil
	case "pgdown":
		m.pageCursor(1)
		return true, nil
	case "ctrl+l":
		m.stickToBottom = true
		m.cursorLine = -1
		m.rerender()
		return true, nil
	case "enter":
		if m.threadCursor >= 0 {
			id := m.selectedThreadID()
			m.threadCursor = -1
			if id != "" && id != m.graph.CurrentID() && !m.busy {
				return true, m.runCommand("/switch " + id)
			}
			return true, nil
		}
		if strings.TrimSpace(m.input.Value()) == "" {
			m.toggleToolAtCursor()
			return true, nil
		}
		return true, m.submitInput()
	}
	return false, nil
}

func (m *model) submitInput() tea.Cmd {
	if m.busy {
		return nil
	}
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}
	m.input.SetValue("")
	m.notice = ""
	m.banner = ""
	if strings.HasPrefix(text, "/") {
		return m.runCommand(text)
	}

	m.busy = true
	m.stickToBottom = true
	m.cursorLine = -1
	m.snap = m.orch.Snapshot()
	m.rerender()

	events := m.events
	orch := m.orch
	ctx := m.ctx
	go func() {
		res, err := orch.HandleTurn(ctx, text)
		events <- turnDoneMsg{Result: res, Err: err}
	}()
	return nil
}

// startCommand runs fn off the UI goroutine and reports back through events.
func (m *model) startCommand(fn func(ctx context.Context) (string, error)) tea.Cmd {
	m.busy = true
	events := m.events
	ctx := m.ctx
	go func() {
		banner, err := fn(ctx)
		events <- commandDoneMsg{Banner: banner, Err: err}
	}()
	return nil
}

func (m *model) moveThreadCursor(delta int) {
	list := threadTree(m.graph.Threads())
	if len(list) == 0 {
		m.threadCursor = -1
		return
	}
	if m.threadCursor < 0 {
		m.threadCursor = indexOfThread(list, m.graph.CurrentID())
		if m.threadCursor < 0 {
			m.threadCursor = 0
		}
	}
	m.threadCursor = clamp(0, m.threadCursor+delta, len(list)-1)
	m.deleteConfirmID = ""
}

// selectedThreadID is the thread under the pane cursor, or the current one.
func (m *model) selectedThreadID() string {
	if m.threadCursor >= 0 {
		list := threadTree(m.graph.Threads())
		if m.threadCursor < len(list) {
			return list[m.threadCursor].Thread.ID
		}
	}
	return m.graph.CurrentID()
}

func (m *model) moveCursor(delta int) {
	if len(m.lineToolKeys) == 0 {
		return
	}
	if m.cursorLine < 0 {
		m.cursorLine = len(m.lineToolKeys) - 1
	}
	m.cursorLine = clamp(0, m.cursorLine+delta, len(m.lineToolKeys)-1)
	m.stickToBottom = m.cursorLine >= len(m.lineToolKeys)-1
	m.rerender()
}

func (m *model) pageCursor(deltaPages int) {
	step := m.viewport.Height
	if step <= 0 {
		step = 10
	}
	m.moveCursor(deltaPages * step)
}

func (m *model) toggleToolAtCursor() {
	if m.cursorLine < 0 || m.cursorLine >= len(m.lineToolKeys) {
		return
	}
	key := m.lineToolKeys[m.cursorLine]
	if key == "" {
		return
	}
	m.expandedTools[key] = !m.expandedTools[key]
	m.stickToBottom = false
	m.rerender()
}

func (m model) View() string {
	if m.width <= 0 || m.height <= 0 {
		return ""
	}
	leftW, rightW := m.leftRightWidths()
	midW := max(0, m.width-leftW-rightW)

	center := m.renderCenter(midW, m.height)
	right := m.renderStatus(rightW, m.height)
	if leftW == 0 {
		return lipgloss.JoinHorizontal(lipgloss.Top, center, right)
	}
	left := m.renderThreads(leftW, m.height)
	return lipgloss.JoinHorizontal(lipgloss.Top, left, center, right)
}

func (m *model) resize() {
	leftW, rightW := m.leftRightWidths()
	midW := max(0, m.width-leftW-rightW)
	headerH := 3
	inputH := 1
	m.viewport.Width = max(0, midW-2)
	m.viewport.Height = max(0, m.height-headerH-inputH)
}

func (m *model) leftRightWidths() (int, int) {
	leftW := 0
	if m.showThreads {
		leftW = clamp(20, m.width/5, 36)
	}
	return leftW, clamp(22, m.width/5, 36)
}

func (m *model) spinner() string {
	return spinnerFrames[m.spinnerFrame%len(spinnerFrames)]
}
