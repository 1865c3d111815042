package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/remotectl/internal/events"
)

const eventLogLimit = 50

func renderEventStream(eventLog []events.Event, theme Theme, width, rows int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= rows {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Local().Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.CommandResolved:
		typeStyle = theme.StatusOK
	case events.CommandFailed, events.CommandTimedOut:
		typeStyle = theme.StatusFailed
	case events.CommandDispatched:
		typeStyle = theme.StatusRunning
	case events.LiveFrame, events.LiveStopped:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}
	typeName := typeStyle.Render(fmt.Sprintf("%-18s", e.Type))

	return fmt.Sprintf("%s %s %-12s %s", ts, typeName, e.DeviceID, describeEvent(e))
}

func describeEvent(e events.Event) string {
	var data eventData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return truncate(string(e.Data), 60)
	}

	var parts []string
	if data.CommandID != "" {
		parts = append(parts, fmt.Sprintf("[%s]", shortID(data.CommandID)))
	}
	if data.Kind != "" {
		parts = append(parts, data.Kind)
	}
	if e.Type == events.LiveFrame {
		parts = append(parts, fmt.Sprintf("#%d %dms", data.Seq, data.LatencyMS))
	}
	if data.Attempts > 0 {
		parts = append(parts, fmt.Sprintf("after %d polls", data.Attempts))
	}
	if data.Error != "" {
		parts = append(parts, data.Error)
	}

	if len(parts) == 0 {
		return truncate(string(e.Data), 60)
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
