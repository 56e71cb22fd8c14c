package tui

import (
	"fmt"
	"slices"

	tea "github.com/charmbracelet/bubbletea"
)

// Views that support --tui.
const (
	ViewStatus = "status"
	ViewRuns   = "runs"
	ViewStats  = "stats"
)

// Run starts the TUI for viewType and blocks until the user quits.
func Run(viewType string, data any) error {
	model, err := NewModel(viewType, data)
	if err != nil {
		return err
	}
	_, err = tea.NewProgram(model, tea.WithAltScreen()).Run()
	return err
}

// NewModel builds the model for viewType. The payload must be the same
// value the non-interactive renderer receives.
func NewModel(viewType string, data any) (tea.Model, error) {
	switch viewType {
	case ViewStatus, ViewStats:
		return newPanelModel(viewType, data), nil
	case ViewRuns:
		return newRunsModel(data), nil
	default:
		return nil, fmt.Errorf("TUI mode is not supported for %s", viewType)
	}
}

// IsTUISupported reports whether viewType has an interactive view.
func IsTUISupported(viewType string) bool {
	return slices.Contains(SupportedTUIViews(), viewType)
}

// SupportedTUIViews returns the view types that support TUI.
func SupportedTUIViews() []string {
	return []string{ViewStatus, ViewRuns, ViewStats}
}
