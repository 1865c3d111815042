package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/remotectl/internal/events"
)

// Outcome labels for finished commands.
const (
	outcomePending  = "pending"
	outcomeResolved = "resolved"
	outcomeFailed   = "failed"
	outcomeTimedOut = "timed_out"
)

// DeviceState is what the event stream has shown about one device.
type DeviceState struct {
	ID       string
	LastSeen time.Time

	InFlight map[string]*CommandState
	Resolved int
	Failed   int
	TimedOut int

	LiveKind    string
	LiveFrames  int
	LiveLatency time.Duration
	LiveError   string
}

// CommandState follows one command from dispatch to its outcome.
type CommandState struct {
	ID           string
	DeviceID     string
	Kind         string
	DispatchedAt time.Time
	FinishedAt   time.Time
	Outcome      string
	Attempts     int
	Error        string
}

type eventData struct {
	CommandID    string    `json:"command_id"`
	Kind         string    `json:"kind"`
	DispatchedAt time.Time `json:"dispatched_at"`
	Attempts     int       `json:"attempts"`
	Error        string    `json:"error"`
	Seq          int       `json:"seq"`
	LatencyMS    int64     `json:"latency_ms"`
}

// tracker folds the event stream into per-device and per-command state.
type tracker struct {
	devices  map[string]*DeviceState
	commands map[string]*CommandState
	recent   []*CommandState
}

const recentLimit = 10

func newTracker() *tracker {
	return &tracker{
		devices:  make(map[string]*DeviceState),
		commands: make(map[string]*CommandState),
	}
}

func (t *tracker) device(id string) *DeviceState {
	d, ok := t.devices[id]
	if !ok {
		d = &DeviceState{ID: id, InFlight: make(map[string]*CommandState)}
		t.devices[id] = d
	}
	return d
}

func (t *tracker) apply(e events.Event) {
	if e.DeviceID == "" {
		return
	}
	var data eventData
	_ = json.Unmarshal(e.Data, &data)

	d := t.device(e.DeviceID)
	if e.At.After(d.LastSeen) {
		d.LastSeen = e.At
	}

	switch e.Type {
	case events.CommandDispatched:
		if data.CommandID == "" {
			return
		}
		c, ok := t.commands[data.CommandID]
		if !ok {
			c = &CommandState{ID: data.CommandID, DeviceID: e.DeviceID, Outcome: outcomePending}
			t.commands[data.CommandID] = c
		}
		c.Kind = data.Kind
		c.DispatchedAt = data.DispatchedAt
		if c.DispatchedAt.IsZero() {
			c.DispatchedAt = e.At
		}
		if c.Outcome == outcomePending {
			d.InFlight[c.ID] = c
		}

	case events.CommandResolved, events.CommandFailed, events.CommandTimedOut:
		if data.CommandID == "" {
			return
		}
		c, ok := t.commands[data.CommandID]
		if !ok {
			// Dispatched before we connected.
			c = &CommandState{ID: data.CommandID, DeviceID: e.DeviceID, Kind: data.Kind}
			t.commands[data.CommandID] = c
		}
		c.FinishedAt = e.At
		c.Attempts = data.Attempts
		c.Error = data.Error
		switch e.Type {
		case events.CommandResolved:
			c.Outcome = outcomeResolved
			d.Resolved++
		case events.CommandFailed:
			c.Outcome = outcomeFailed
			d.Failed++
		default:
			c.Outcome = outcomeTimedOut
			d.TimedOut++
		}
		delete(d.InFlight, c.ID)
		// Finished commands live on only in the recent list.
		delete(t.commands, c.ID)
		t.recent = append([]*CommandState{c}, t.recent...)
		if len(t.recent) > recentLimit {
			t.recent = t.recent[:recentLimit]
		}

	case events.LiveFrame:
		if data.Kind != "" {
			d.LiveKind = data.Kind
		}
		if d.LiveKind == "" {
			d.LiveKind = "live"
		}
		d.LiveFrames++
		d.LiveLatency = time.Duration(data.LatencyMS) * time.Millisecond
		d.LiveError = data.Error

	case events.LiveStopped:
		d.LiveKind = ""
		d.LiveFrames = 0
		d.LiveError = data.Error
	}
}

func (t *tracker) inFlight() int {
	n := 0
	for _, d := range t.devices {
		n += len(d.InFlight)
	}
	return n
}

func (t *tracker) liveSessions() int {
	n := 0
	for _, d := range t.devices {
		if d.LiveKind != "" {
			n++
		}
	}
	return n
}

// sortedDeviceIDs returns device ids in stable sorted order.
func (t *tracker) sortedDeviceIDs() []string {
	ids := make([]string, 0, len(t.devices))
	for id := range t.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func renderDevices(t *tracker, selected int, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	if len(t.devices) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("DEVICES"),
			theme.Dim.Render("  No device activity yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	lines := []string{theme.Title.Render("DEVICES")}
	for i, id := range t.sortedDeviceIDs() {
		lines = append(lines, renderDeviceRow(i+1, t.devices[id], i == selected, theme, now))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderDeviceRow(num int, d *DeviceState, isSelected bool, theme Theme, now time.Time) string {
	name := fmt.Sprintf("%-20s", d.ID)
	if isSelected {
		name = theme.Selected.Render(name)
	}

	var state string
	switch {
	case d.LiveKind != "":
		state = theme.StatusRunning.Render(fmt.Sprintf("[live %s #%d %s]", d.LiveKind, d.LiveFrames, d.LiveLatency))
	case len(d.InFlight) > 0:
		state = theme.StatusRunning.Render(fmt.Sprintf("[%d in flight]", len(d.InFlight)))
	default:
		state = theme.StatusIdle.Render("[idle]")
	}

	counts := fmt.Sprintf("%s %d  %s %d  %s %d",
		theme.StatusOK.Render("✔"), d.Resolved,
		theme.StatusFailed.Render("✘"), d.Failed,
		theme.StatusFailed.Render("⏱"), d.TimedOut,
	)

	var line strings.Builder
	fmt.Fprintf(&line, " %d. %s  %s  %s  %s", num, name, state, counts,
		theme.Dim.Render(formatAgo(now.Sub(d.LastSeen))))

	ids := make([]string, 0, len(d.InFlight))
	for id := range d.InFlight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		c := d.InFlight[id]
		fmt.Fprintf(&line, "\n    └─ %s %s %s",
			theme.Highlight.Render(shortID(c.ID)),
			c.Kind,
			theme.Dim.Render(now.Sub(c.DispatchedAt).Round(100*time.Millisecond).String()),
		)
	}
	if d.LiveError != "" {
		line.WriteString("\n    " + theme.StatusFailed.Render(d.LiveError))
	}
	return line.String()
}

func renderRecent(t *tracker, theme Theme, width int) string {
	innerWidth := width - 4
	lines := []string{theme.Title.Render("RECENT COMMANDS")}
	if len(t.recent) == 0 {
		lines = append(lines, theme.Dim.Render("  Nothing finished yet..."))
	}
	for _, c := range t.recent {
		took := "-"
		if !c.DispatchedAt.IsZero() {
			took = c.FinishedAt.Sub(c.DispatchedAt).Round(time.Millisecond).String()
		}
		row := fmt.Sprintf(" %s %s %-12s %-22s %-8s",
			outcomeIcon(c.Outcome, theme),
			theme.Highlight.Render(shortID(c.ID)),
			c.DeviceID,
			c.Kind,
			took,
		)
		if c.Error != "" {
			row += " " + theme.StatusFailed.Render(c.Error)
		}
		lines = append(lines, row)
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func outcomeIcon(outcome string, theme Theme) string {
	switch outcome {
	case outcomeResolved:
		return theme.StatusOK.Render("✔")
	case outcomeFailed:
		return theme.StatusFailed.Render("✘")
	case outcomeTimedOut:
		return theme.StatusFailed.Render("⏱")
	default:
		return theme.Dim.Render("…")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatAgo(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}
