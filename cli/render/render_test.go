package render

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/courier/types"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Format
		wantErr bool
	}{
		{"json lowercase", "json", FormatJSON, false},
		{"json uppercase", "JSON", FormatJSON, false},
		{"table", "table", FormatTable, false},
		{"yaml", "yaml", FormatYAML, false},
		{"empty", "", "", false},
		{"invalid", "xml", "", true},
		{"invalid with message", "csv", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFormat(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseFormat_InvalidErrorMessage(t *testing.T) {
	_, err := ParseFormat("xml")
	if err == nil {
		t.Fatal("expected error for invalid format")
	}
	if !strings.Contains(err.Error(), "json, table, or yaml") {
		t.Errorf("error message should mention valid formats, got: %v", err)
	}
}

func TestRenderer_JSON(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatJSON, false, &buf)

	data := map[string]string{"key": "value"}
	if err := r.Render(data); err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, `"key"`) || !strings.Contains(got, `"value"`) {
		t.Errorf("JSON output missing expected content: %s", got)
	}
}

func TestRenderer_YAML(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatYAML, false, &buf)

	data := map[string]string{"key": "value"}
	if err := r.Render(data); err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, "key:") || !strings.Contains(got, "value") {
		t.Errorf("YAML output missing expected content: %s", got)
	}
}

func TestRenderer_Table_FlattensNestedStructs(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, true, &buf)

	type ledger struct {
		Path string     `json:"path"`
		At   *time.Time `json:"at,omitempty"`
	}
	type status struct {
		Ledger    ledger   `json:"ledger"`
		Held      bool     `json:"held"`
		Attention []string `json:"attention"`
		hidden    string
	}

	at := time.Date(2025, 1, 2, 6, 0, 0, 0, time.UTC)
	data := &status{
		Ledger:    ledger{Path: "state.json", At: &at},
		Attention: []string{"first", "second"},
		hidden:    "secret",
	}
	if err := r.Render(data); err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	got := buf.String()
	for _, want := range []string{"ledger.path:", "state.json", "ledger.at:", "2025-01-02T06:00:00Z", "held:", "false"} {
		if !strings.Contains(got, want) {
			t.Errorf("table output missing %q:\n%s", want, got)
		}
	}
	if strings.Count(got, "attention:") != 2 {
		t.Errorf("each attention entry should get its own line:\n%s", got)
	}
	if strings.Contains(got, "secret") {
		t.Errorf("unexported fields must not render:\n%s", got)
	}
}

func TestRenderer_Table_Slice(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, true, &buf)

	type row struct {
		RunID  string              `json:"run_id"`
		Status types.OutcomeStatus `json:"status"`
	}
	data := []row{
		{RunID: "run-1", Status: types.OutcomeDelivered},
		{RunID: "run-2", Status: types.OutcomeFailed},
	}
	if err := r.Render(data); err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("want header and 2 rows, got:\n%s", buf.String())
	}
	if !strings.HasPrefix(lines[0], "RUN_ID") || !strings.Contains(lines[0], "STATUS") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "run-1") || !strings.Contains(lines[1], "delivered") {
		t.Errorf("row 1 = %q", lines[1])
	}
	if strings.Contains(buf.String(), "\x1b[") {
		t.Error("--no-color output must not contain escape codes")
	}
}

func TestRenderer_Table_EmptySlice(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, false, &buf)

	if err := r.Render([]string{}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(buf.String(), "(no results)") {
		t.Errorf("empty slice should show '(no results)', got: %s", buf.String())
	}
}

func TestRenderTUI_UnsupportedView(t *testing.T) {
	r := NewRendererWithWriter(FormatTable, false, &bytes.Buffer{})
	if err := r.RenderTUI("version", nil); err == nil {
		t.Error("expected error for a view without TUI support")
	}
}

func TestRenderer_NoColor_DoesNotAffectJSON(t *testing.T) {
	var bufColor, bufNoColor bytes.Buffer

	rColor := NewRendererWithWriter(FormatJSON, false, &bufColor)
	rNoColor := NewRendererWithWriter(FormatJSON, true, &bufNoColor)

	data := map[string]string{"key": "value"}

	if err := rColor.Render(data); err != nil {
		t.Fatalf("Render with color failed: %v", err)
	}
	if err := rNoColor.Render(data); err != nil {
		t.Fatalf("Render without color failed: %v", err)
	}

	if bufColor.String() != bufNoColor.String() {
		t.Errorf("--no-color should not affect JSON output")
	}
}
