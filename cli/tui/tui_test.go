package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/pithecene-io/courier/cli/reader"
	"github.com/pithecene-io/courier/types"
)

func TestIsTUISupported(t *testing.T) {
	tests := []struct {
		viewType string
		want     bool
	}{
		{"status", true},
		{"runs", true},
		{"stats", true},
		{"run", false},
		{"login", false},
		{"version", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.viewType, func(t *testing.T) {
			if got := IsTUISupported(tt.viewType); got != tt.want {
				t.Errorf("IsTUISupported(%q) = %v, want %v", tt.viewType, got, tt.want)
			}
		})
	}
}

func TestRun_UnsupportedViewType(t *testing.T) {
	if err := Run("run", nil); err == nil {
		t.Error("expected error for unsupported view type")
	}
}

func TestStatusView(t *testing.T) {
	at := time.Date(2025, 1, 2, 6, 0, 0, 0, time.UTC)
	data := &reader.StatusResponse{
		Ledger:    reader.LedgerStatus{Path: "state.json", LastDeliveredID: "02.01.2025", LastDeliveredAt: &at, Delivered: 4},
		Staging:   reader.StagingStatus{Dir: "temp", Artifact: &types.StagedArtifact{Name: "die_zeit_09_01_2025.epub", ID: "09.01.2025", Size: 42}},
		Lock:      reader.LockStatus{Path: "courier.lock", Held: true, PID: 4242},
		Attention: []string{"staging holds more than one artifact"},
	}

	m, err := NewModel(ViewStatus, data)
	if err != nil {
		t.Fatal(err)
	}
	view := m.View()
	for _, want := range []string{"02.01.2025", "die_zeit_09_01_2025.epub", "pid 4242", "more than one artifact", "Press q to quit"} {
		if !strings.Contains(view, want) {
			t.Errorf("status view missing %q", want)
		}
	}
}

func TestStatsView(t *testing.T) {
	data := &reader.RunStats{
		Total: 5, Delivered: 3, Failed: 2,
		FailuresByReason: map[types.Reason]int{types.ReasonUploadFailed: 2},
	}
	m, err := NewModel(ViewStats, data)
	if err != nil {
		t.Fatal(err)
	}
	view := m.View()
	if !strings.Contains(view, "Run Statistics") || !strings.Contains(view, "upload_failed") {
		t.Errorf("stats view missing content:\n%s", view)
	}
}

func TestPanel_WrongPayload(t *testing.T) {
	m, _ := NewModel(ViewStatus, "not a status")
	if !strings.Contains(m.View(), "Invalid data type") {
		t.Error("expected invalid payload message")
	}
}

func TestRunsView_ScrollsAndQuits(t *testing.T) {
	items := make([]reader.RunItem, 50)
	for i := range items {
		items[i] = reader.RunItem{
			RunID:     "run-" + string(rune('a'+i%26)),
			StartedAt: time.Date(2025, 1, 1, 6, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour),
			Status:    types.OutcomeDelivered,
		}
	}

	m, err := NewModel(ViewRuns, items)
	if err != nil {
		t.Fatal(err)
	}
	m, _ = m.Update(tea.WindowSizeMsg{Width: 160, Height: 20})
	rm := m.(runsModel)
	if !rm.ready || rm.viewport.Height != 16 {
		t.Fatalf("viewport not sized: ready=%v height=%d", rm.ready, rm.viewport.Height)
	}
	if !strings.Contains(m.View(), "Runs (50)") {
		t.Error("title should count runs")
	}

	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	if m.(runsModel).viewport.YOffset != 1 {
		t.Errorf("YOffset = %d, want 1 after scrolling down", m.(runsModel).viewport.YOffset)
	}

	m, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil || !m.(runsModel).quitting {
		t.Error("q should quit")
	}
	if m.View() != "" {
		t.Error("view should be empty after quitting")
	}
}

func TestRunsView_Empty(t *testing.T) {
	m, _ := NewModel(ViewRuns, []reader.RunItem{})
	if !strings.Contains(m.View(), "no runs journaled") {
		t.Errorf("empty view:\n%s", m.View())
	}
}
