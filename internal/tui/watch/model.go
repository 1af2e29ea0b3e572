package watch

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/ahenk/internal/events"
	"github.com/mattjoyce/ahenk/internal/plugin"
)

const (
	maxEventLog  = 50
	pollInterval = 2 * time.Second
)

type healthState struct {
	healthMsg
	Connected bool
}

// Model is the bubbletea model for ahenkd watch.
type Model struct {
	client *Client

	width  int
	height int

	health   healthState
	workers  table.Model
	eventLog []events.Event
	failures int

	theme     Theme
	hubEvents chan events.Event
	lastError string
}

func New(client *Client) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Plugin", Width: 20},
			{Title: "Pending", Width: 8},
			{Title: "Processed", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(6),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		client:    client,
		workers:   t,
		theme:     NewDefaultTheme(),
		hubEvents: make(chan events.Event, 100),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.client.subscribe(m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.client.fetchHealth,
		m.client.fetchWorkers,
		tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) }),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.workers, cmd = m.workers.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tea.Batch(
			m.client.fetchHealth,
			m.client.fetchWorkers,
			tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) }),
		)

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		if e.Type == "item.failed" || e.Type == "transfer.failed" {
			m.failures++
		}
		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.healthMsg = msg
		m.health.Connected = true
		m.lastError = ""

	case workersMsg:
		m.workers.SetRows(workerRows(msg))

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.client.subscribe(m.hubEvents)

	case errMsg:
		m.health.Connected = false
		m.lastError = msg.Error()
	}

	return m, nil
}

func workerRows(status []plugin.WorkerStatus) []table.Row {
	rows := make([]table.Row, 0, len(status))
	for _, st := range status {
		mark := "○"
		if st.Running {
			mark = "●"
		}
		rows = append(rows, table.Row{
			mark,
			st.Plugin,
			strconv.Itoa(st.Pending),
			strconv.FormatUint(st.Processed, 10),
		})
	}
	return rows
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	innerWidth := m.width - 4
	parts := []string{
		renderHeader(m.health, m.failures, m.theme, innerWidth),
		m.theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("WORKERS"),
			m.workers.View(),
		)),
		renderEventStream(m.eventLog, m.theme, innerWidth),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ! %s", m.lastError)))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] quit  [↑/↓] select worker"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
