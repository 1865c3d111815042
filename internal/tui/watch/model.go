package watch

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/remotectl/internal/events"
)

const (
	healthEvery    = 5 * time.Second
	reconnectDelay = 3 * time.Second
)

// Model is the BubbleTea model for the watch dashboard.
type Model struct {
	src Source

	width  int
	height int

	health   HealthState
	tracker  *tracker
	eventLog []events.Event
	lastID   int64

	ticker   Ticker
	activity Activity

	theme          Theme
	selectedDevice int

	hubEvents chan events.Event

	lastError string
	now       func() time.Time
}

// New creates a dashboard that will connect to src once started.
func New(src Source) *Model {
	return &Model{
		src:       src,
		tracker:   newTracker(),
		hubEvents: make(chan events.Event, 100),
		ticker:    NewTicker(),
		theme:     NewDefaultTheme(),
		now:       time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.src, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.src) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.selectedDevice > 0 {
				m.selectedDevice--
			}
		case "down", "j":
			if m.selectedDevice < len(m.tracker.devices)-1 {
				m.selectedDevice++
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.ticker.Tick()
		m.activity.Decay(time.Time(msg))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		if e.ID > m.lastID {
			m.lastID = e.ID
		}

		// Newest first.
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogLimit {
			m.eventLog = m.eventLog[:eventLogLimit]
		}
		m.tracker.apply(e)
		m.activity.OnEvent(m.now())
		m.health.Connected = true
		m.lastError = ""

		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Connected = true
		m.health.LastCheck = m.now()
		m.lastError = ""

		return m, m.healthLater()

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.err != nil {
			m.lastError = fmt.Sprintf("event stream: %v, reconnecting...", msg.err)
		}
		// The pending receiveNextEvent keeps reading the same channel, so
		// the new subscription only needs to be started.
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.src, m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, m.healthLater()
	}

	return m, nil
}

func (m Model) healthLater() tea.Cmd {
	src := m.src
	return tea.Tick(healthEvery, func(time.Time) tea.Msg { return fetchHealth(src) })
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to " + m.src.URL + "..."
	}
	now := m.now()

	header := renderHeader(m.health, m.tracker, m.ticker, m.activity, m.src, m.theme, m.width, now)
	devices := renderDevices(m.tracker, m.selectedDevice, m.theme, m.width, now)
	recent := renderRecent(m.tracker, m.theme, m.width)

	used := lipgloss.Height(header) + lipgloss.Height(devices) + lipgloss.Height(recent)
	rows := m.height - used - 6
	if rows < 3 {
		rows = 3
	}
	eventStream := renderEventStream(m.eventLog, m.theme, m.width, rows)

	parts := []string{header, devices, recent, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select device"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
