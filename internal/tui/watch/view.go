package watch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/ahenk/internal/events"
)

const visibleEvents = 10

func renderHeader(h healthState, failures int, theme Theme, width int) string {
	status := theme.StatusOK.Render("HEALTHY")
	switch {
	case !h.Connected:
		status = theme.StatusFailed.Render("CONNECTING")
	case h.Status != "ok" && h.Status != "":
		status = theme.StatusFailed.Render("DEGRADED")
	}

	stats := fmt.Sprintf(" %s  up %s  workers %d/%d  pending %d  failures %d",
		status,
		formatDuration(time.Duration(h.UptimeSeconds)*time.Second),
		h.WorkersRunning, h.PluginsLoaded,
		h.Pending,
		failures,
	)

	return theme.Border.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("AHENK WATCH"),
		stats,
	))
}

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	if len(eventLog) == 0 {
		return theme.Border.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENTS"),
			theme.Dim.Render("  Waiting for events..."),
		))
	}

	lines := make([]string, 0, visibleEvents)
	for i, e := range eventLog {
		if i >= visibleEvents {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	return theme.Border.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENTS"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	))
}

func formatEvent(e events.Event, theme Theme) string {
	var style lipgloss.Style
	switch {
	case strings.HasSuffix(e.Type, ".completed"):
		style = theme.StatusOK
	case strings.HasSuffix(e.Type, ".failed"):
		style = theme.StatusFailed
	case strings.HasSuffix(e.Type, ".started"):
		style = theme.StatusRunning
	case strings.HasPrefix(e.Type, "scheduler"):
		style = theme.Highlight
	default:
		style = theme.Dim
	}

	return fmt.Sprintf("%s %s %s",
		theme.Dim.Render(e.At.Format("15:04:05")),
		style.Render(fmt.Sprintf("%-18s", e.Type)),
		eventSummary(e),
	)
}

// eventSummary picks the fields worth a glance out of an event payload.
func eventSummary(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	for _, key := range []string{"plugin", "item_id", "code", "reason", "error"} {
		if v, ok := data[key].(string); ok && v != "" {
			if key == "item_id" {
				v = "[" + v + "]"
			}
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
