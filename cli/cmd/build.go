package cmd

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/pithecene-io/courier/acquire"
	"github.com/pithecene-io/courier/adapter"
	"github.com/pithecene-io/courier/adapter/redis"
	"github.com/pithecene-io/courier/adapter/webhook"
	"github.com/pithecene-io/courier/cli/config"
	"github.com/pithecene-io/courier/deliver"
	"github.com/pithecene-io/courier/executor"
	"github.com/pithecene-io/courier/ledger"
	"github.com/pithecene-io/courier/lode"
	"github.com/pithecene-io/courier/log"
	"github.com/pithecene-io/courier/metrics"
	"github.com/pithecene-io/courier/proxy"
	"github.com/pithecene-io/courier/session"
	"github.com/pithecene-io/courier/staging"
	"github.com/pithecene-io/courier/types"
)

// state holds the local state stores every command shares.
type state struct {
	ledger   *ledger.Ledger
	staging  *staging.Area
	sessions *session.Store
	lockPath string
}

func openState(cfg *config.Config) *state {
	var opts []session.Option
	if cfg.State.SessionPassphrase != "" {
		opts = append(opts, session.WithPassphrase(cfg.State.SessionPassphrase))
	}
	return &state{
		ledger:   ledger.New(cfg.Resolve(cfg.State.Ledger)),
		staging:  staging.New(cfg.Resolve(cfg.State.StagingDir), cfg.Source.Extensions...),
		sessions: session.New(cfg.Resolve(cfg.State.SessionsDir), opts...),
		lockPath: cfg.Resolve(cfg.State.LockFile),
	}
}

// pipeline is everything one run needs, built from the config file.
type pipeline struct {
	state     *state
	acquirer  acquire.Acquirer
	deliverer deliver.Deliverer
	journal   *lode.Journal
	adapter   adapter.Adapter
	collector *metrics.Collector
	proxy     *types.ProxyEndpoint
}

// Close releases the journal and adapter.
func (p *pipeline) Close() error {
	var errs []error
	if p.adapter != nil {
		errs = append(errs, p.adapter.Close())
	}
	if p.journal != nil {
		errs = append(errs, p.journal.Close())
	}
	return errors.Join(errs...)
}

type buildOptions struct {
	runID  string
	force  bool
	logger *log.Logger
	// codes overrides the interactive code source of the api strategy.
	codes deliver.CodeSource
}

func buildPipeline(ctx context.Context, cfg *config.Config, opts buildOptions) (*pipeline, error) {
	logger := opts.logger
	if logger == nil {
		logger = log.Nop()
	}

	backend := "none"
	if cfg.Journal.Enabled {
		backend = cfg.Journal.Backend
	}
	p := &pipeline{
		state:     openState(cfg),
		collector: metrics.NewCollector(cfg.Source.Strategy, cfg.Destination.Strategy, backend, opts.runID),
	}

	if cfg.Proxy.Pool != "" {
		endpoint, err := selectProxy(cfg, logger)
		if err != nil {
			return nil, err
		}
		p.proxy = endpoint
	}

	var err error
	if p.acquirer, err = buildAcquirer(cfg, p, opts, logger); err != nil {
		return nil, err
	}
	if p.deliverer, err = buildDeliverer(cfg, p, opts, logger); err != nil {
		return nil, err
	}
	if p.journal, err = buildJournal(ctx, cfg, p.collector); err != nil {
		return nil, err
	}
	if p.adapter, err = buildAdapter(cfg); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// selectProxy picks one endpoint for the run. Round-robin position is kept
// in state.proxy_state so consecutive runs rotate.
func selectProxy(cfg *config.Config, logger *log.Logger) (*types.ProxyEndpoint, error) {
	selector := proxy.NewSelector(cfg.Resolve(cfg.State.ProxyState))
	for _, pool := range cfg.ProxyPools() {
		warnings, err := selector.RegisterPool(&pool)
		if err != nil {
			return nil, configError(fmt.Errorf("proxies.%s: %w", pool.Name, err))
		}
		for _, w := range warnings {
			logger.Warn("proxy pool warning", map[string]any{"pool": pool.Name, "warning": w})
		}
	}
	endpoint, err := selector.Select(cfg.Proxy.Pool)
	if err != nil {
		return nil, fmt.Errorf("proxy selection failed: %w", err)
	}
	logger.Info("proxy selected", map[string]any{
		"pool":     cfg.Proxy.Pool,
		"endpoint": endpoint.Redact(),
	})
	return endpoint, nil
}

func executorProcess(cfg *config.Config) executor.Config {
	var args []string
	if cfg.Executor.Script != "" {
		args = append(args, cfg.Resolve(cfg.Executor.Script))
	}
	args = append(args, cfg.Executor.Args...)

	env := make([]string, 0, len(cfg.Executor.Env))
	for k, v := range cfg.Executor.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	return executor.Config{
		Path:      cfg.Executor.Path,
		Args:      args,
		Env:       env,
		WaitDelay: cfg.Executor.Grace.Duration,
	}
}

func buildAcquirer(cfg *config.Config, p *pipeline, opts buildOptions, logger *log.Logger) (acquire.Acquirer, error) {
	locators, err := acquire.DefaultLocators().With(cfg.Source.Locators)
	if err != nil {
		return nil, configError(fmt.Errorf("source.locators: %w", err))
	}
	deps := acquire.Deps{
		Staging:   p.state.staging,
		History:   p.state.ledger,
		Sessions:  p.state.sessions,
		Logger:    logger.Named("acquire"),
		Collector: p.collector,
	}
	src := cfg.Source

	switch src.Strategy {
	case config.StrategyExecutor:
		return acquire.NewExecutor(acquire.ExecutorConfig{
			RunID:           opts.runID,
			Username:        src.Username,
			Password:        src.Password,
			LoginURL:        src.LoginURL,
			IndexURL:        src.IndexURL,
			Locators:        locators,
			Process:         executorProcess(cfg),
			ResolveTimeout:  src.Timeouts.Resolve.Duration,
			DownloadTimeout: src.Timeouts.Download.Duration,
			Grace:           cfg.Executor.Grace.Duration,
			Force:           opts.force,
			Proxy:           p.proxy,
		}, deps)
	default:
		return acquire.NewPortal(acquire.PortalConfig{
			Username:          src.Username,
			Password:          src.Password,
			LoginURL:          src.LoginURL,
			IndexURL:          src.IndexURL,
			Locators:          locators,
			ProbeTimeout:      src.Timeouts.Probe.Duration,
			NavigationTimeout: src.Timeouts.Navigation.Duration,
			DownloadTimeout:   src.Timeouts.Download.Duration,
			Force:             opts.force,
			Proxy:             p.proxy,
			UserAgent:         src.UserAgent,
		}, deps)
	}
}

func buildDeliverer(cfg *config.Config, p *pipeline, opts buildOptions, logger *log.Logger) (deliver.Deliverer, error) {
	dst := cfg.Destination
	logger = logger.Named("deliver")

	switch dst.Strategy {
	case config.StrategyAPI:
		return newAPI(cfg, p.state.sessions, logger, p.collector, p.proxy, opts.codes)
	default:
		hints := deliver.DefaultHints()
		for role, s := range dst.Hints {
			hints[role] = s
		}
		return deliver.NewExecutor(deliver.ExecutorConfig{
			RunID:          opts.runID,
			Username:       dst.Username,
			Password:       dst.Password,
			ReaderURL:      dst.LoginURL,
			Hints:          hints,
			Process:        executorProcess(cfg),
			UploadTimeout:  dst.Timeouts.Upload.Duration,
			ConfirmTimeout: dst.Timeouts.Confirm.Duration,
			Grace:          cfg.Executor.Grace.Duration,
			Proxy:          p.proxy,
		}, p.state.sessions, logger, p.collector)
	}
}

func newAPI(cfg *config.Config, sessions *session.Store, logger *log.Logger, collector *metrics.Collector,
	endpoint *types.ProxyEndpoint, codes deliver.CodeSource) (*deliver.API, error) {
	api := cfg.Destination.API
	if codes == nil {
		codes = deliver.NewTerminalCodeSource()
	}
	return deliver.NewAPI(deliver.APIConfig{
		ClientID:      api.ClientID,
		ClientSecret:  api.ClientSecret,
		AuthURL:       api.AuthURL,
		TokenURL:      api.TokenURL,
		UploadURL:     api.UploadURL,
		RedirectURL:   api.RedirectURL,
		Scopes:        api.Scopes,
		AuthParams:    api.AuthParams,
		UserAgent:     api.UserAgent,
		TokenTimeout:  cfg.Destination.Timeouts.Token.Duration,
		UploadTimeout: cfg.Destination.Timeouts.Upload.Duration,
		Proxy:         endpoint,
	}, sessions, logger, deliver.WithCodeSource(codes), deliver.WithCollector(collector))
}

// buildJournal returns nil when the journal is disabled.
func buildJournal(ctx context.Context, cfg *config.Config, collector *metrics.Collector) (*lode.Journal, error) {
	jc := cfg.Journal
	if !jc.Enabled {
		return nil, nil
	}
	switch jc.Backend {
	case config.BackendS3:
		bucket, prefix := lode.ParseS3Path(jc.Path)
		return lode.NewS3(ctx, jc.Dataset, lode.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       jc.Region,
			Endpoint:     jc.Endpoint,
			UsePathStyle: jc.S3PathStyle,
		}, lode.WithCollector(collector))
	default:
		return lode.NewFS(jc.Dataset, cfg.Resolve(jc.Path), lode.WithCollector(collector))
	}
}

// buildAdapter returns nil when no adapter is configured.
func buildAdapter(cfg *config.Config) (adapter.Adapter, error) {
	ac := cfg.Adapter
	retries := 3
	if ac.Retries != nil {
		retries = *ac.Retries
	}
	switch ac.Type {
	case "":
		return nil, nil
	case "webhook":
		a, err := webhook.New(webhook.Config{
			URL:     ac.URL,
			Headers: ac.Headers,
			Timeout: ac.Timeout.Duration,
			Retries: retries,
		})
		if err != nil {
			return nil, configError(err)
		}
		return a, nil
	case "redis":
		a, err := redis.New(redis.Config{
			URL:     ac.URL,
			Channel: ac.Channel,
			Timeout: ac.Timeout.Duration,
			Retries: retries,
		})
		if err != nil {
			return nil, configError(err)
		}
		return a, nil
	default:
		return nil, configError(fmt.Errorf("unknown adapter type %q", ac.Type))
	}
}

func configError(err error) error {
	return types.NewError(types.ErrConfiguration, types.ReasonConfigInvalid, "config", err)
}
