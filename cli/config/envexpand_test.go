package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("ZEIT_USER", "reader@example.com")
	t.Setenv("TOLINO_PASSWORD", "s3cret")
	t.Setenv("EMPTY_VAR", "")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"set", "username: ${ZEIT_USER}", "username: reader@example.com"},
		{"unset", "username: ${COURIER_UNSET_12345}", "username: "},
		{"default when unset", "url: ${COURIER_UNSET_12345:-https://login.zeit.de/}", "url: https://login.zeit.de/"},
		{"default ignored when set", "username: ${ZEIT_USER:-nobody}", "username: reader@example.com"},
		{"default when empty", "level: ${EMPTY_VAR:-info}", "level: info"},
		{"required and set", "password: ${TOLINO_PASSWORD:?tolino password}", "password: s3cret"},
		{"several", "${ZEIT_USER}:${TOLINO_PASSWORD}", "reader@example.com:s3cret"},
		{"bare dollar untouched", "password: pa$$word", "password: pa$$word"},
		{"no braces untouched", "password: $ZEIT_USER", "password: $ZEIT_USER"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandEnv(tt.input)
			if err != nil {
				t.Fatalf("ExpandEnv(%q): %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ExpandEnv(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestExpandEnv_RequiredMissing(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")

	input := "a: ${COURIER_UNSET_1:?}\nb: ${EMPTY_VAR:?set me}\nc: ${COURIER_UNSET_1:?}"
	_, err := ExpandEnv(input)
	var missing *MissingEnvError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want *MissingEnvError", err)
	}
	if want := []string{"COURIER_UNSET_1", "EMPTY_VAR"}; !reflect.DeepEqual(missing.Vars, want) {
		t.Errorf("Vars = %v, want %v", missing.Vars, want)
	}

	got, err := expandEnv(input, false)
	if err != nil {
		t.Fatalf("lenient expand: %v", err)
	}
	if got != "a: \nb: \nc: " {
		t.Errorf("lenient expand = %q", got)
	}
}

func TestLoadState_ToleratesMissingRequired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courier.yaml")
	data := "source:\n  password: ${COURIER_UNSET_REQUIRED:?zeit password}\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load should fail on a missing required variable")
	}
	cfg, err := LoadState(path)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if cfg.Source.Password != "" {
		t.Errorf("password = %q, want empty", cfg.Source.Password)
	}
}
