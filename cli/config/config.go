package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pithecene-io/courier/locate"
	"github.com/pithecene-io/courier/types"
)

// Source and destination strategies.
const (
	StrategyPortal   = "portal"
	StrategyExecutor = "executor"
	StrategyAPI      = "api"
)

// Journal backends.
const (
	BackendFS = "fs"
	BackendS3 = "s3"
)

// Defaults for the subscriber portal and the web reader.
const (
	DefaultSourceLoginURL      = "https://login.zeit.de/"
	DefaultSourceIndexURL      = "https://epaper.zeit.de/abo/diezeit/"
	DefaultDestinationLoginURL = "https://webreader.mytolino.com/"
)

// Config represents a courier.yaml configuration file.
type Config struct {
	Source      SourceConfig               `yaml:"source"`
	Destination DestinationConfig          `yaml:"destination"`
	Executor    ExecutorConfig             `yaml:"executor"`
	State       StateConfig                `yaml:"state"`
	Journal     JournalConfig              `yaml:"journal"`
	Adapter     AdapterConfig              `yaml:"adapter"`
	Proxies     map[string]ProxyPoolConfig `yaml:"proxies"`
	Proxy       ProxySelection             `yaml:"proxy"`
	Log         LogConfig                  `yaml:"log"`

	// dir is the directory of the loaded file; relative state paths resolve against it.
	dir string
}

// SourceConfig configures acquisition from the subscriber portal.
type SourceConfig struct {
	Strategy  string                       `yaml:"strategy"`
	Username  string                       `yaml:"username"`
	Password  string                       `yaml:"password"`
	LoginURL  string                       `yaml:"login_url"`
	IndexURL  string                       `yaml:"index_url"`
	UserAgent string                       `yaml:"user_agent"`
	Locators  map[string][]locate.Strategy `yaml:"locators"`
	Timeouts  SourceTimeouts               `yaml:"timeouts"`
	// Extensions lists the artifact file extensions (default [.epub]).
	Extensions []string `yaml:"extensions"`
}

// SourceTimeouts bounds every wait of the acquire step.
type SourceTimeouts struct {
	Probe      Duration `yaml:"probe"`
	Navigation Duration `yaml:"navigation"`
	Resolve    Duration `yaml:"resolve"`
	Download   Duration `yaml:"download"`
}

// DestinationConfig configures delivery to the e-reader cloud.
type DestinationConfig struct {
	Strategy string                       `yaml:"strategy"`
	Username string                       `yaml:"username"`
	Password string                       `yaml:"password"`
	LoginURL string                       `yaml:"login_url"`
	Hints    map[string][]locate.Strategy `yaml:"hints"`
	API      APIConfig                    `yaml:"api"`
	Timeouts DestinationTimeouts          `yaml:"timeouts"`
}

// APIConfig configures the OAuth2 upload strategy.
type APIConfig struct {
	ClientID     string            `yaml:"client_id"`
	ClientSecret string            `yaml:"client_secret"`
	AuthURL      string            `yaml:"auth_url"`
	TokenURL     string            `yaml:"token_url"`
	UploadURL    string            `yaml:"upload_url"`
	RedirectURL  string            `yaml:"redirect_url"`
	Scopes       []string          `yaml:"scopes"`
	AuthParams   map[string]string `yaml:"auth_params"`
	UserAgent    string            `yaml:"user_agent"`
}

// DestinationTimeouts bounds every wait of the deliver step.
type DestinationTimeouts struct {
	Token   Duration `yaml:"token"`
	Upload  Duration `yaml:"upload"`
	Confirm Duration `yaml:"confirm"`
}

// ExecutorConfig configures the external browser executor.
type ExecutorConfig struct {
	Path   string            `yaml:"path"`
	Script string            `yaml:"script"`
	Args   []string          `yaml:"args"`
	Env    map[string]string `yaml:"env"`
	Grace  Duration          `yaml:"grace"`
}

// StateConfig locates the local state files.
type StateConfig struct {
	StagingDir        string `yaml:"staging_dir"`
	Ledger            string `yaml:"ledger"`
	SessionsDir       string `yaml:"sessions_dir"`
	SessionPassphrase string `yaml:"session_passphrase"`
	LockFile          string `yaml:"lock_file"`
	ProxyState        string `yaml:"proxy_state"`
}

// JournalConfig configures the run journal and artifact archive.
type JournalConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Dataset     string `yaml:"dataset"`
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
	Archive     bool   `yaml:"archive"`
}

// AdapterConfig configures the run-completed notification.
type AdapterConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// ProxyPoolConfig is a proxy pool definition within the config file.
// Name is derived from the map key, not stored in the struct.
type ProxyPoolConfig struct {
	Strategy  types.ProxyStrategy   `yaml:"strategy"`
	Endpoints []types.ProxyEndpoint `yaml:"endpoints"`
}

// ProxySelection names the pool used for portal and destination traffic.
type ProxySelection struct {
	Pool string `yaml:"pool"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// ApplyDefaults fills every optional value left empty.
func (c *Config) ApplyDefaults() {
	setDefault(&c.Source.Strategy, StrategyPortal)
	setDefault(&c.Source.LoginURL, DefaultSourceLoginURL)
	setDefault(&c.Source.IndexURL, DefaultSourceIndexURL)
	if len(c.Source.Extensions) == 0 {
		c.Source.Extensions = []string{".epub"}
	}

	setDefault(&c.Destination.Strategy, StrategyExecutor)
	setDefault(&c.Destination.LoginURL, DefaultDestinationLoginURL)

	setDefault(&c.State.StagingDir, "temp")
	setDefault(&c.State.Ledger, "state.json")
	setDefault(&c.State.SessionsDir, "sessions")
	setDefault(&c.State.LockFile, "courier.lock")
	setDefault(&c.State.ProxyState, "proxy.json")

	setDefault(&c.Journal.Backend, BackendFS)
	setDefault(&c.Journal.Path, "journal")

	setDefault(&c.Log.Level, "info")
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// Validate checks required values and enumerations. Every problem is
// reported at once as a configuration error.
func (c *Config) Validate() error {
	var missing []string
	require := func(key, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}

	require("source.username", c.Source.Username)
	require("source.password", c.Source.Password)
	require("source.login_url", c.Source.LoginURL)
	require("source.index_url", c.Source.IndexURL)

	switch c.Destination.Strategy {
	case StrategyAPI:
		// The OAuth grant replaces the web reader login; its credentials are unused.
		require("destination.api.client_secret", c.Destination.API.ClientSecret)
	default:
		require("destination.username", c.Destination.Username)
		require("destination.password", c.Destination.Password)
		require("destination.login_url", c.Destination.LoginURL)
	}

	if c.Source.Strategy == StrategyExecutor || c.Destination.Strategy == StrategyExecutor {
		require("executor.path", c.Executor.Path)
	}

	var problems []string
	if len(missing) > 0 {
		problems = append(problems, "missing required values: "+strings.Join(missing, ", "))
	}

	switch c.Source.Strategy {
	case StrategyPortal, StrategyExecutor:
	default:
		problems = append(problems, fmt.Sprintf("source.strategy %q must be portal or executor", c.Source.Strategy))
	}
	switch c.Destination.Strategy {
	case StrategyAPI, StrategyExecutor:
	default:
		problems = append(problems, fmt.Sprintf("destination.strategy %q must be api or executor", c.Destination.Strategy))
	}

	if c.Journal.Enabled {
		switch c.Journal.Backend {
		case BackendFS:
		case BackendS3:
			if bucket, _, _ := strings.Cut(c.Journal.Path, "/"); bucket == "" {
				problems = append(problems, "journal.path must be bucket[/prefix] for the s3 backend")
			}
		default:
			problems = append(problems, fmt.Sprintf("journal.backend %q must be fs or s3", c.Journal.Backend))
		}
	}

	switch c.Adapter.Type {
	case "", "webhook", "redis":
	default:
		problems = append(problems, fmt.Sprintf("adapter.type %q must be webhook or redis", c.Adapter.Type))
	}
	if c.Adapter.Type != "" && c.Adapter.URL == "" {
		problems = append(problems, "adapter.url is required when adapter.type is set")
	}

	if c.Proxy.Pool != "" {
		if _, ok := c.Proxies[c.Proxy.Pool]; !ok {
			problems = append(problems, fmt.Sprintf("proxy.pool %q is not defined under proxies", c.Proxy.Pool))
		}
	}
	for _, pool := range c.ProxyPools() {
		if err := pool.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("proxies.%s: %v", pool.Name, err))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return types.NewError(types.ErrConfiguration, types.ReasonConfigInvalid, "config",
		errors.New(strings.Join(problems, "; ")))
}

// Resolve returns p relative to the config file's directory unless it is
// already absolute.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// ProxyPools converts the map-keyed proxy pool config into a sorted slice
// of types.ProxyPool. Sorting by name ensures deterministic ordering.
func (c *Config) ProxyPools() []types.ProxyPool {
	if len(c.Proxies) == 0 {
		return nil
	}

	names := make([]string, 0, len(c.Proxies))
	for name := range c.Proxies {
		names = append(names, name)
	}
	sort.Strings(names)

	pools := make([]types.ProxyPool, 0, len(names))
	for _, name := range names {
		pc := c.Proxies[name]
		pools = append(pools, types.ProxyPool{
			Name:      name,
			Strategy:  pc.Strategy,
			Endpoints: pc.Endpoints,
		})
	}
	return pools
}
