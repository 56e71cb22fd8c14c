package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/courier/types"
)

const fullConfig = `source:
  strategy: portal
  username: ${ZEIT_USER}
  password: ${ZEIT_PASSWORD}
  user_agent: courier-test
  locators:
    current_issue:
      - name: custom
        selector: a.issue
        attr: href
  timeouts:
    probe: 5s
    download: 3m

destination:
  strategy: api
  api:
    client_secret: ${TOLINO_CLIENT_SECRET}
    scopes: [SCOPE_BOSH]
  timeouts:
    upload: 4m

executor:
  path: node
  script: ./executor/courier.mjs
  grace: 10s

state:
  staging_dir: /var/lib/courier/temp
  session_passphrase: ${COURIER_PASSPHRASE:-}

journal:
  enabled: true
  backend: s3
  path: my-bucket/courier
  region: eu-central-1
  archive: true

adapter:
  type: webhook
  url: https://hooks.example.com/courier
  headers:
    Authorization: Bearer token123
  timeout: 10s
  retries: 3

proxies:
  residential:
    strategy: round_robin
    endpoints:
      - protocol: http
        host: proxy.example.com
        port: 8080

proxy:
  pool: residential

log:
  level: debug
  file: zeit_transfer.log
`

func TestLoad_FullConfig(t *testing.T) {
	t.Setenv("ZEIT_USER", "reader@example.com")
	t.Setenv("ZEIT_PASSWORD", "pw")
	t.Setenv("TOLINO_CLIENT_SECRET", "secret")

	path := writeTemp(t, fullConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	assertEqual(t, "source.username", cfg.Source.Username, "reader@example.com")
	assertEqual(t, "source.login_url", cfg.Source.LoginURL, DefaultSourceLoginURL)
	assertEqual(t, "source.index_url", cfg.Source.IndexURL, DefaultSourceIndexURL)
	if got := cfg.Source.Locators["current_issue"]; len(got) != 1 || got[0].Selector != "a.issue" {
		t.Errorf("source.locators.current_issue = %+v", got)
	}
	if cfg.Source.Timeouts.Probe.Duration != 5*time.Second {
		t.Errorf("source.timeouts.probe = %v, want 5s", cfg.Source.Timeouts.Probe)
	}
	if cfg.Source.Timeouts.Download.Duration != 3*time.Minute {
		t.Errorf("source.timeouts.download = %v, want 3m", cfg.Source.Timeouts.Download)
	}

	assertEqual(t, "destination.strategy", cfg.Destination.Strategy, StrategyAPI)
	assertEqual(t, "destination.api.client_secret", cfg.Destination.API.ClientSecret, "secret")
	if len(cfg.Destination.API.Scopes) != 1 {
		t.Errorf("destination.api.scopes = %v", cfg.Destination.API.Scopes)
	}

	assertEqual(t, "executor.script", cfg.Executor.Script, "./executor/courier.mjs")
	if cfg.Executor.Grace.Duration != 10*time.Second {
		t.Errorf("executor.grace = %v", cfg.Executor.Grace)
	}

	assertEqual(t, "state.staging_dir", cfg.State.StagingDir, "/var/lib/courier/temp")
	assertEqual(t, "state.ledger", cfg.State.Ledger, "state.json")
	assertEqual(t, "state.session_passphrase", cfg.State.SessionPassphrase, "")

	if !cfg.Journal.Enabled || !cfg.Journal.Archive {
		t.Error("journal.enabled and journal.archive should be true")
	}
	assertEqual(t, "journal.backend", cfg.Journal.Backend, BackendS3)

	assertEqual(t, "adapter.type", cfg.Adapter.Type, "webhook")
	if cfg.Adapter.Retries == nil || *cfg.Adapter.Retries != 3 {
		t.Errorf("adapter.retries = %v", cfg.Adapter.Retries)
	}

	pools := cfg.ProxyPools()
	if len(pools) != 1 || pools[0].Name != "residential" || pools[0].Strategy != types.ProxyStrategyRoundRobin {
		t.Errorf("ProxyPools() = %+v", pools)
	}

	assertEqual(t, "log.level", cfg.Log.Level, "debug")
	assertEqual(t, "log.file", cfg.Log.File, "zeit_transfer.log")
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeTemp(t, `source:
  username: u
  password: p
destination:
  username: u
  password: p
executor:
  path: node
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	assertEqual(t, "source.strategy", cfg.Source.Strategy, StrategyPortal)
	assertEqual(t, "destination.strategy", cfg.Destination.Strategy, StrategyExecutor)
	assertEqual(t, "destination.login_url", cfg.Destination.LoginURL, DefaultDestinationLoginURL)
	assertEqual(t, "state.staging_dir", cfg.State.StagingDir, "temp")
	assertEqual(t, "state.sessions_dir", cfg.State.SessionsDir, "sessions")
	assertEqual(t, "state.lock_file", cfg.State.LockFile, "courier.lock")
	assertEqual(t, "journal.backend", cfg.Journal.Backend, BackendFS)
	assertEqual(t, "log.level", cfg.Log.Level, "info")
	if len(cfg.Source.Extensions) != 1 || cfg.Source.Extensions[0] != ".epub" {
		t.Errorf("source.extensions = %v", cfg.Source.Extensions)
	}

	// Relative state paths resolve next to the config file.
	want := filepath.Join(filepath.Dir(path), "temp")
	assertEqual(t, "Resolve(staging_dir)", cfg.Resolve(cfg.State.StagingDir), want)
	assertEqual(t, "Resolve(absolute)", cfg.Resolve("/abs/state.json"), "/abs/state.json")
}

func TestLoad_ReportsEveryMissingKey(t *testing.T) {
	path := writeTemp(t, `source:
  login_url: ""
destination: {}
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("err = %v, want a configuration error", err)
	}
	if types.ReasonOf(err) != types.ReasonConfigInvalid {
		t.Errorf("reason = %q, want %q", types.ReasonOf(err), types.ReasonConfigInvalid)
	}
	for _, key := range []string{
		"source.username", "source.password",
		"destination.username", "destination.password", "executor.path",
	} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeTemp(t, `source:
  username: u
  pasword: typo
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
	if !strings.Contains(err.Error(), "pasword") {
		t.Errorf("error %q does not name the unknown key", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("err = %v, want a configuration error", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeTemp(t, `source:
  timeouts:
    probe: soon
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("err = %v, want invalid duration", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{
			Source:      SourceConfig{Username: "u", Password: "p"},
			Destination: DestinationConfig{Username: "u", Password: "p"},
			Executor:    ExecutorConfig{Path: "node"},
		}
		c.ApplyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{
			name: "api without secret",
			mutate: func(c *Config) {
				c.Destination.Strategy = StrategyAPI
			},
			wantErr: "destination.api.client_secret",
		},
		{
			name: "api needs no web credentials",
			mutate: func(c *Config) {
				c.Destination = DestinationConfig{Strategy: StrategyAPI, API: APIConfig{ClientSecret: "s"}}
			},
		},
		{
			name: "executor destination needs web login",
			mutate: func(c *Config) {
				c.Destination.Strategy = StrategyExecutor
				c.Destination.LoginURL = ""
			},
			wantErr: "destination.login_url",
		},
		{
			name:    "unknown source strategy",
			mutate:  func(c *Config) { c.Source.Strategy = "scraper" },
			wantErr: "source.strategy",
		},
		{
			name: "executor strategy without path",
			mutate: func(c *Config) {
				c.Executor.Path = ""
			},
			wantErr: "executor.path",
		},
		{
			name: "portal and api need no executor",
			mutate: func(c *Config) {
				c.Executor.Path = ""
				c.Destination.Strategy = StrategyAPI
				c.Destination.API.ClientSecret = "s"
			},
		},
		{
			name: "s3 journal without bucket",
			mutate: func(c *Config) {
				c.Journal = JournalConfig{Enabled: true, Backend: BackendS3, Path: "/prefix"}
			},
			wantErr: "journal.path",
		},
		{
			name:    "adapter without url",
			mutate:  func(c *Config) { c.Adapter.Type = "redis" },
			wantErr: "adapter.url",
		},
		{
			name:    "unknown adapter",
			mutate:  func(c *Config) { c.Adapter = AdapterConfig{Type: "sqs", URL: "x"} },
			wantErr: "adapter.type",
		},
		{
			name:    "undefined proxy pool",
			mutate:  func(c *Config) { c.Proxy.Pool = "nope" },
			wantErr: "proxy.pool",
		},
		{
			name: "invalid proxy pool",
			mutate: func(c *Config) {
				c.Proxies = map[string]ProxyPoolConfig{"bad": {Strategy: types.ProxyStrategyRandom}}
			},
			wantErr: "proxies.bad",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "courier.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func assertEqual(t *testing.T, field, got, want string) {
	t.Helper()
	if got != want {
		t.Errorf("%s = %q, want %q", field, got, want)
	}
}

func TestLoadState_SkipsValidation(t *testing.T) {
	path := writeTemp(t, `state:
  ledger: history.json
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load should reject a config without credentials")
	}
	cfg, err := LoadState(path)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	want := filepath.Join(filepath.Dir(path), "history.json")
	assertEqual(t, "ledger", cfg.Resolve(cfg.State.Ledger), want)
}
