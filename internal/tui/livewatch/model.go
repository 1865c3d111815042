package livewatch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/remotectl/internal/command"
	"github.com/mattjoyce/remotectl/internal/live"
)

const maxLog = 20

// Session is the part of *live.Live the viewer drives.
type Session interface {
	Stop()
	Done() <-chan struct{}
	Err() error
	Kind() command.Kind
	DeviceID() string
}

// --- Message types ---

type frameMsg live.Frame

type doneMsg struct{ err error }

// Model is the BubbleTea model for a live session.
type Model struct {
	session Session
	frames  <-chan live.Frame

	width  int
	height int

	spinner   spinner.Model
	procTable table.Model
	theme     Theme

	started  time.Time
	latest   *Summary
	log      []Summary
	total    int
	failures int
	stopping bool
	stopped  bool
	err      error
}

// New creates a viewer for session. frames must carry every frame the session
// produces; the viewer stops reading it once the session is done.
func New(session Session, frames <-chan live.Frame) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Points

	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "PID", Width: 8},
			{Title: "Name", Width: 32},
			{Title: "Memory", Width: 10},
			{Title: "", Width: 3},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	t.SetStyles(tableStyles())

	return Model{
		session:   session,
		frames:    frames,
		spinner:   sp,
		procTable: t,
		theme:     NewDefaultTheme(),
		started:   time.Now(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		receiveNextFrame(m.frames),
		waitForDone(m.session),
		tea.EnterAltScreen,
	)
}

func receiveNextFrame(ch <-chan live.Frame) tea.Cmd {
	return func() tea.Msg {
		f, ok := <-ch
		if !ok {
			return nil
		}
		return frameMsg(f)
	}
}

func waitForDone(s Session) tea.Cmd {
	return func() tea.Msg {
		<-s.Done()
		return doneMsg{err: s.Err()}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if m.stopped {
				return m, tea.Quit
			}
			m.stopping = true
			m.session.Stop()
			return m, nil
		}
		var cmd tea.Cmd
		m.procTable, cmd = m.procTable.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.procTable.SetWidth(m.width - 6)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case frameMsg:
		m.onFrame(live.Frame(msg))
		if m.stopped {
			return m, nil
		}
		return m, receiveNextFrame(m.frames)

	case doneMsg:
		m.stopped = true
		m.err = msg.err
		if m.stopping {
			return m, tea.Quit
		}
	}

	return m, nil
}

func (m *Model) onFrame(f live.Frame) {
	s := Summarize(m.session.Kind(), f)
	m.total++
	if s.OK {
		m.failures = 0
	} else {
		m.failures++
	}
	if s.OK || m.latest == nil {
		m.latest = &s
	}
	m.log = append([]Summary{s}, m.log...)
	if len(m.log) > maxLog {
		m.log = m.log[:maxLog]
	}
	if s.Processes != nil {
		m.procTable.SetRows(processRows(s.Processes, m.theme))
	}
}

func processRows(procs []command.Process, theme Theme) []table.Row {
	rows := make([]table.Row, 0, len(procs))
	for _, p := range procs {
		mark := ""
		if p.Protected() {
			mark = theme.Protected.Render("⛨")
		}
		rows = append(rows, table.Row{strconv.Itoa(p.PID), p.Name, humanBytes(int(p.Memory)), mark})
	}
	return rows
}

func (m Model) View() string {
	if m.width == 0 {
		return "Starting live session..."
	}
	innerWidth := m.width - 4

	parts := []string{
		m.renderHeader(innerWidth),
		m.renderLatest(innerWidth),
		m.renderLog(innerWidth),
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Stop • [↑/↓] Scroll")
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func (m Model) renderHeader(width int) string {
	var state string
	switch {
	case m.stopped && m.err != nil:
		state = m.theme.StatusFailed.Render("ENDED: " + m.err.Error())
	case m.stopped:
		state = m.theme.Dim.Render("STOPPED")
	case m.stopping:
		state = m.theme.StatusRunning.Render("STOPPING " + m.spinner.View())
	default:
		state = m.theme.StatusOK.Render("LIVE ") + m.spinner.View()
	}

	title := fmt.Sprintf(" %s on %s", m.theme.Highlight.Render(string(m.session.Kind())), m.session.DeviceID())
	stats := fmt.Sprintf(" %s  frames: %d  failures in a row: %d  elapsed: %s",
		state, m.total, m.failures, time.Since(m.started).Round(time.Second))

	return m.theme.Border.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left, title, stats))
}

func (m Model) renderLatest(width int) string {
	title := m.theme.Title.Render("LATEST FRAME")
	if m.latest == nil {
		return m.theme.Border.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left,
			title, m.theme.Dim.Render("  Waiting for the first reply..."),
		))
	}

	var body string
	switch {
	case m.latest.Processes != nil:
		body = m.procTable.View()
	case m.latest.Image != nil:
		body = fmt.Sprintf("  #%d  %s  (%s)", m.latest.Seq, m.latest.Detail, m.latest.Latency.Round(time.Millisecond))
	default:
		body = "  " + m.latest.Detail
	}
	return m.theme.Border.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left, title, body))
}

func (m Model) renderLog(width int) string {
	title := m.theme.Title.Render("CYCLES")
	if len(m.log) == 0 {
		return m.theme.Border.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left,
			title, m.theme.Dim.Render("  No cycles yet."),
		))
	}

	lines := make([]string, 0, len(m.log))
	for i, s := range m.log {
		if i >= 8 {
			break
		}
		status := m.theme.StatusOK.Render("ok  ")
		if !s.OK {
			status = m.theme.StatusFailed.Render("fail")
		}
		lines = append(lines, fmt.Sprintf("%s #%-4d %s %8s  %s",
			m.theme.Dim.Render(s.At.Format("15:04:05")),
			s.Seq, status, s.Latency.Round(time.Millisecond), s.Detail))
	}
	text := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	return m.theme.Border.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left, title, text))
}
