package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/courier/types"
)

// DefaultPath is the config file used when --config is not given.
const DefaultPath = "courier.yaml"

// Load reads a YAML config file, expands environment variables,
// unmarshals into a Config, applies defaults and validates it.
// Unknown keys are rejected. Every failure is a configuration error.
func Load(path string) (*Config, error) {
	cfg, err := load(path, true)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadState is Load without validation. Read-only commands use it so
// state can be inspected without credentials in the environment; a
// ${VAR:?} reference expands to empty instead of failing.
func LoadState(path string) (*Config, error) {
	return load(path, false)
}

func load(path string, strict bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, configErr(fmt.Errorf("config file not found: %s", path))
		}
		return nil, configErr(fmt.Errorf("cannot read config file %q: %w", path, err))
	}

	cfg, err := parse(data, strict)
	if err != nil {
		return nil, configErr(fmt.Errorf("invalid config %s: %w", path, err))
	}

	if abs, err := filepath.Abs(path); err == nil {
		cfg.dir = filepath.Dir(abs)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// Parse decodes YAML after environment expansion without applying
// defaults or validating.
func Parse(data []byte) (*Config, error) {
	return parse(data, true)
}

func parse(data []byte, strict bool) (*Config, error) {
	expanded, err := expandEnv(string(data), strict)
	if err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &cfg, nil
}

func configErr(err error) error {
	return types.NewError(types.ErrConfiguration, types.ReasonConfigInvalid, "config", err)
}
