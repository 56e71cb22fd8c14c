package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/courier/cli/reader"
)

// chromeHeight is the title plus the help line.
const chromeHeight = 4

// runsModel shows the run journal in a scrollable viewport.
type runsModel struct {
	items    []reader.RunItem
	valid    bool
	viewport viewport.Model
	ready    bool
	quitting bool
}

func newRunsModel(data any) runsModel {
	items, ok := data.([]reader.RunItem)
	return runsModel{items: items, valid: ok}
}

func (m runsModel) Init() tea.Cmd { return nil }

func (m runsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		height := max(msg.Height-chromeHeight, 1)
		if !m.ready {
			m.viewport = viewport.New(msg.Width, height)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = height
		}
		m.viewport.SetContent(m.table())
		return m, nil
	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m runsModel) View() string {
	if m.quitting {
		return ""
	}
	title := TitleStyle.Render(fmt.Sprintf("Runs (%d)", len(m.items)))
	body := m.table()
	if m.ready {
		body = m.viewport.View()
	}
	help := HelpStyle.Render(fmt.Sprintf("%s %s • %s %s • %s %s",
		keys.Up.Help().Key, keys.Up.Help().Desc,
		keys.Down.Help().Key, keys.Down.Help().Desc,
		keys.Quit.Help().Key, keys.Quit.Help().Desc))
	return lipgloss.JoinVertical(lipgloss.Left, title, body, help)
}

var runColumns = []struct {
	title string
	width int
}{
	{"STARTED", 20},
	{"STATUS", 11},
	{"STAGE", 10},
	{"REASON", 28},
	{"ISSUE", 12},
	{"DURATION", 10},
	{"RUN", 36},
}

func (m runsModel) table() string {
	if !m.valid {
		return "Invalid data type for runs"
	}
	if len(m.items) == 0 {
		return "(no runs journaled)"
	}

	var b strings.Builder
	header := make([]string, len(runColumns))
	for i, c := range runColumns {
		header[i] = HeaderStyle.Width(c.width).Render(c.title)
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, header...))

	for _, it := range m.items {
		issue := it.ArtifactID
		if it.Resumed {
			issue += "*"
		}
		cells := []string{
			it.StartedAt.Local().Format(time.DateTime),
			StateStyle(string(it.Status)).Render(string(it.Status)),
			string(it.Stage),
			string(it.Reason),
			issue,
			(time.Duration(it.DurationMs) * time.Millisecond).Round(time.Second / 10).String(),
			it.RunID,
		}
		row := make([]string, len(cells))
		for i, cell := range cells {
			row[i] = lipgloss.NewStyle().Width(runColumns[i].width).Render(cell)
		}
		b.WriteString("\n" + lipgloss.JoinHorizontal(lipgloss.Top, row...))
	}
	return b.String()
}
