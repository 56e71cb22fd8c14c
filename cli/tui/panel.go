package tui

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/courier/cli/reader"
)

// panelModel renders a static payload: `status` or `runs --stats`.
type panelModel struct {
	viewType string
	data     any
	width    int
	quitting bool
}

func newPanelModel(viewType string, data any) panelModel {
	return panelModel{viewType: viewType, data: data}
}

func (m panelModel) Init() tea.Cmd { return nil }

func (m panelModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m panelModel) View() string {
	if m.quitting {
		return ""
	}
	var content string
	switch m.viewType {
	case ViewStatus:
		content = renderStatus(m.data)
	case ViewStats:
		content = renderStats(m.data)
	}
	return content + "\n" + HelpStyle.Render("Press q to quit")
}

func renderStatus(data any) string {
	s, ok := data.(*reader.StatusResponse)
	if !ok {
		return "Invalid data type for status"
	}

	var sections []string
	sections = append(sections, TitleStyle.Render("Courier Status"))

	if len(s.Attention) > 0 {
		var b strings.Builder
		b.WriteString(ErrorStyle.Bold(true).Render("Needs attention"))
		for _, a := range s.Attention {
			b.WriteString("\n• " + a)
		}
		sections = append(sections, AttentionStyle.Render(b.String()))
	}

	ledger := [][2]string{
		{"Path", s.Ledger.Path},
		{"Last delivered", orDash(s.Ledger.LastDeliveredID)},
		{"Delivered at", formatTime(s.Ledger.LastDeliveredAt)},
		{"History entries", fmt.Sprintf("%d", s.Ledger.Delivered)},
	}
	if s.Ledger.Error != "" {
		ledger = append(ledger, [2]string{"Error", ErrorStyle.Render(s.Ledger.Error)})
	}
	sections = append(sections, section("Ledger", ledger))

	staged := "none"
	if a := s.Staging.Artifact; a != nil {
		staged = fmt.Sprintf("%s (%s, %d bytes)", a.Name, orDash(a.ID.String()), a.Size)
	}
	staging := [][2]string{
		{"Directory", s.Staging.Dir},
		{"Staged", staged},
	}
	for _, p := range s.Staging.InProgress {
		staging = append(staging, [2]string{"Partial", p})
	}
	if s.Staging.Error != "" {
		staging = append(staging, [2]string{"Error", ErrorStyle.Render(s.Staging.Error)})
	}
	sections = append(sections, section("Staging", staging))

	var sessions [][2]string
	for _, sess := range s.Sessions {
		seal := "plain"
		if sess.Sealed {
			seal = "sealed"
		}
		sessions = append(sessions, [2]string{sess.Service, fmt.Sprintf("%s, saved %s", seal, sess.SavedAt.Format(time.DateTime))})
	}
	if len(sessions) == 0 {
		sessions = append(sessions, [2]string{"Stored", "none"})
	}
	sections = append(sections, section("Sessions", sessions))

	lockState := "free"
	if s.Lock.Held {
		lockState = StateStyle("held").Render(fmt.Sprintf("held by pid %d", s.Lock.PID))
	}
	sections = append(sections, section("Lock", [][2]string{
		{"Path", s.Lock.Path},
		{"State", lockState},
	}))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func renderStats(data any) string {
	s, ok := data.(*reader.RunStats)
	if !ok {
		return "Invalid data type for stats"
	}

	boxes := lipgloss.JoinHorizontal(lipgloss.Top,
		statBox("Runs", s.Total, highlightColor),
		statBox("Delivered", s.Delivered, successColor),
		statBox("Skipped", s.Skipped, warningColor),
		statBox("Failed", s.Failed, errorColor),
		statBox("Resumed", s.Resumed, primaryColor),
	)

	rows := [][2]string{{"Bytes uploaded", fmt.Sprintf("%d", s.BytesUploaded)}}
	reasons := slices.Sorted(maps.Keys(s.FailuresByReason))
	for _, r := range reasons {
		rows = append(rows, [2]string{string(r), fmt.Sprintf("%d", s.FailuresByReason[r])})
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		TitleStyle.Render("Run Statistics"),
		boxes,
		section("Failures", rows),
	)
}

func section(title string, rows [][2]string) string {
	var b strings.Builder
	b.WriteString(TitleStyle.MarginBottom(0).Render(title))
	for _, r := range rows {
		b.WriteString("\n" + LabelStyle.Render(r[0]+":") + " " + ValueStyle.Render(r[1]))
	}
	return BoxStyle.Render(b.String())
}

func statBox(label string, value int, color lipgloss.Color) string {
	content := lipgloss.JoinVertical(lipgloss.Center,
		StatValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value)),
		StatLabelStyle.Render(label),
	)
	return StatBoxStyle.BorderForeground(color).Render(content)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
