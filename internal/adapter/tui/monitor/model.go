package monitor

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"loginpilot/internal/adapter/tui/components"
	"loginpilot/internal/adapter/tui/theme"
	"loginpilot/internal/domain"
	"loginpilot/internal/usecase/eventbus"
	"loginpilot/internal/usecase/orchestrator"
)

var _ tea.Model = (*Model)(nil)

const maxLogLines = 500

// Source is the run state the monitor reads and steers.
type Source interface {
	Entries() []domain.CredentialEntry
	Counters() domain.StatusCounters
	LogsSince(offset int64) ([]string, int64)
	Control() *orchestrator.Control
	SetPaused(ctx context.Context, paused bool)
}

// Deps are the monitor's dependencies.
type Deps struct {
	Source Source
	Bus    domain.EventBus
	Title  string
}

// Model renders the entry table, the run log and the overall progress.
type Model struct {
	deps Deps

	table   table.Model
	logs    viewport.Model
	bar     progress.Model
	spinner spinner.Model
	status  components.StatusBarModel

	focusLogs bool
	atBottom  bool
	logLines  []string
	logOffset int64

	runID    string
	counters domain.StatusCounters
	total    int
	paused   bool
	done     bool
	doneErr  error
	quitting bool

	width  int
	height int

	programSend func(tea.Msg)
	unsubscribe func()
}

// New creates the monitor.
func New(deps Deps) *Model {
	if deps.Title == "" {
		deps.Title = "loginpilot"
	}
	t := table.New(
		table.WithColumns(columns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = theme.TextInfo

	m := &Model{
		deps:     deps,
		table:    t,
		logs:     viewport.New(80, 8),
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		spinner:  sp,
		status:   components.NewStatusBar(),
		atBottom: true,
	}
	m.refresh()
	return m
}

// SetProgramSender sets the function used to inject bus events.
// Must be called before the program runs.
func (m *Model) SetProgramSender(send func(tea.Msg)) {
	m.programSend = send
}

// Init subscribes to the bus and starts the spinner.
func (m *Model) Init() tea.Cmd {
	if m.deps.Bus != nil && m.programSend != nil {
		m.unsubscribe = m.deps.Bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
			m.programSend(EventBusMsg{Event: ev})
		})
	}
	return m.spinner.Tick
}

// Update handles messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, m.quit()
		case "p", " ":
			if !m.done {
				m.deps.Source.SetPaused(context.Background(), !m.deps.Source.Control().Paused())
				m.paused = m.deps.Source.Control().Paused()
			}
			return m, nil
		case "c":
			if !m.done {
				m.deps.Source.Control().Cancel()
			}
			return m, nil
		case "tab":
			m.focusLogs = !m.focusLogs
			if m.focusLogs {
				m.table.Blur()
			} else {
				m.table.Focus()
			}
			return m, nil
		}
		var cmd tea.Cmd
		if m.focusLogs {
			m.logs, cmd = m.logs.Update(msg)
			m.atBottom = m.logs.AtBottom()
		} else {
			m.table, cmd = m.table.Update(msg)
		}
		return m, cmd

	case EventBusMsg:
		m.handleEvent(msg.Event)
		return m, nil

	case RunDoneMsg:
		m.done = true
		m.doneErr = msg.Err
		m.refresh()
		m.counters = msg.Counters
		if m.quitting {
			return m, m.quit()
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// quit cancels a running run and waits for it, or exits when the run is over.
func (m *Model) quit() tea.Cmd {
	if !m.done {
		m.quitting = true
		m.deps.Source.Control().Cancel()
		return nil
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	return tea.Quit
}

func (m *Model) handleEvent(ev domain.Event) {
	switch ev.Type {
	case domain.EventRunStarted:
		m.runID = ev.SessionID
		if p, err := eventbus.Decode[domain.RunPayload](ev); err == nil && p.RunID != "" {
			m.runID = p.RunID
		}
		m.done = false
	case domain.EventRunPaused:
		m.paused = true
	case domain.EventRunResumed:
		m.paused = false
	}
	m.refresh()
}

// refresh pulls the entry list, counters and new log lines from the source.
func (m *Model) refresh() {
	entries := m.deps.Source.Entries()
	m.total = len(entries)
	m.counters = m.deps.Source.Counters()
	m.table.SetRows(rows(entries))

	lines, next := m.deps.Source.LogsSince(m.logOffset)
	m.logOffset = next
	if len(lines) > 0 {
		m.logLines = append(m.logLines, lines...)
		if len(m.logLines) > maxLogLines {
			m.logLines = m.logLines[len(m.logLines)-maxLogLines:]
		}
	}
	if len(m.logLines) == 0 {
		m.logs.SetContent(theme.TextMuted.Render("  No log lines yet"))
	} else {
		m.logs.SetContent(strings.Join(m.logLines, "\n"))
	}
	if m.atBottom {
		m.logs.GotoBottom()
	}
}

func columns(width int) []table.Column {
	fixed := 4 + 16 + 22 + 20 + 14
	msgW := width - fixed - 12
	if msgW < 10 {
		msgW = 10
	}
	return []table.Column{
		{Title: "#", Width: 4},
		{Title: "Name", Width: 16},
		{Title: "Profile", Width: 22},
		{Title: "Status", Width: 20},
		{Title: "User", Width: 14},
		{Title: "Message", Width: msgW},
	}
}

func rows(entries []domain.CredentialEntry) []table.Row {
	out := make([]table.Row, len(entries))
	for i, e := range entries {
		out[i] = table.Row{
			fmt.Sprintf("%d", e.Index+1),
			e.ProfileName,
			e.ProfileID,
			theme.EntrySymbol(e.Status) + " " + orchestrator.StatusLabel(e.Status),
			e.Username(),
			e.Message,
		}
	}
	return out
}

// Finished reports the settled counters once the run returned.
func (m *Model) Finished() (domain.StatusCounters, bool) {
	return m.counters, m.done
}

func (m *Model) layout() {
	headerH := 3
	footerH := 1
	logH := theme.Clamp(m.height/3, 4, 15)
	tableH := m.height - headerH - footerH - logH - 2
	if tableH < 3 {
		tableH = 3
	}
	m.table.SetColumns(columns(m.width))
	m.table.SetWidth(m.width)
	m.table.SetHeight(tableH)
	m.logs.Width = m.width - 2
	m.logs.Height = logH
	m.bar.Width = theme.Clamp(m.width-40, 10, 80)
	m.status.SetWidth(m.width)
	m.refresh()
}

// View renders the monitor.
func (m *Model) View() string {
	if m.width == 0 {
		return "  Initializing..."
	}

	finished := m.counters.Success + m.counters.Error + m.counters.ActionRequired
	pct := 0.0
	if m.total > 0 {
		pct = float64(finished) / float64(m.total)
	}

	state := m.spinner.View() + " running"
	switch {
	case m.done && m.doneErr != nil:
		state = theme.TextError.Render(theme.SymbolError + " stopped")
	case m.done:
		state = theme.TextSuccess.Render(theme.SymbolSuccess + " finished")
	case m.quitting:
		state = theme.TextWarning.Render("stopping" + theme.SymbolEllipsis)
	case m.paused:
		state = theme.TextWarning.Render("paused")
	}

	header := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render(m.deps.Title)+"  "+state,
		fmt.Sprintf("%s %d/%d", m.bar.ViewAs(pct), finished, m.total),
		counterLine(m.counters),
	)

	tableBorder, logBorder := theme.FocusBorder, theme.UnfocusedBorder
	if m.focusLogs {
		tableBorder, logBorder = theme.UnfocusedBorder, theme.FocusBorder
	}

	hints := []components.KeyHint{
		{Key: "p", Desc: "Pause"},
		{Key: "c", Desc: "Cancel"},
		{Key: "Tab", Desc: "Focus"},
		{Key: "q", Desc: "Quit"},
	}
	if m.done {
		hints = []components.KeyHint{{Key: "Tab", Desc: "Focus"}, {Key: "q", Desc: "Quit"}}
	}
	m.status.Hints = hints
	m.status.RunID = m.runID
	m.status.Extra = ""
	if m.paused && !m.done {
		m.status.Extra = "Paused"
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		tableBorder.Render(m.table.View()),
		logBorder.Render(m.logs.View()),
		m.status.View(),
	)
}

func counterLine(c domain.StatusCounters) string {
	stat := func(label string, n int, style lipgloss.Style) string {
		return style.Render(fmt.Sprintf("%d", n)) + " " + theme.StatLabel.Render(label)
	}
	return strings.Join([]string{
		stat("success", c.Success, theme.TextSuccess),
		stat("failed", c.Error, theme.TextError),
		stat("needs attention", c.ActionRequired, theme.TextWarning),
		stat("in progress", c.Processing, theme.StatValue),
		stat("pending", c.Pending, theme.TextMuted),
	}, "   ")
}
