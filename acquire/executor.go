package acquire

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pithecene-io/courier/executor"
	"github.com/pithecene-io/courier/ipc"
	"github.com/pithecene-io/courier/poll"
	"github.com/pithecene-io/courier/types"
)

// ExecutorConfig configures the browser executor strategy.
type ExecutorConfig struct {
	// Service names the session store entry (default "source").
	Service  string
	RunID    string
	Username string
	Password string
	LoginURL string
	IndexURL string
	Locators Locators

	// Process holds the executor binary, arguments and environment.
	// Its Job is filled in per run.
	Process executor.Config
	// Factory creates the process (default executor.NewManager).
	Factory executor.Factory

	// ResolveTimeout bounds login, navigation and identifier resolution.
	ResolveTimeout time.Duration
	// DownloadTimeout bounds the download and the wait for staging to settle.
	DownloadTimeout time.Duration
	// Grace bounds the executor shutdown.
	Grace time.Duration

	Force bool
	Proxy *types.ProxyEndpoint
}

// Executor acquires artifacts through the external browser executor. The
// executor reports the identifier it found and waits; the ledger decision
// is made here and sent back as a control frame.
type Executor struct {
	cfg  ExecutorConfig
	deps Deps
}

// NewExecutor creates an executor-backed acquirer.
func NewExecutor(cfg ExecutorConfig, deps Deps) (*Executor, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.Process.Path == "" {
		return nil, errors.New("acquire: executor path is required")
	}
	if cfg.Service == "" {
		cfg.Service = "source"
	}
	if cfg.Locators == nil {
		cfg.Locators = DefaultLocators()
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 2 * time.Minute
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 2 * time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Second
	}
	return &Executor{cfg: cfg, deps: deps}, nil
}

// FetchLatest implements Acquirer.
func (e *Executor) FetchLatest(ctx context.Context) (*Result, error) {
	logger := e.deps.Logger
	collector := e.deps.Collector

	if purged, err := e.deps.Staging.PurgeInProgress(); err != nil {
		return nil, err
	} else if len(purged) > 0 {
		logger.Warn("removed interrupted downloads", map[string]any{"files": purged})
	}
	if err := e.deps.Staging.Ensure(); err != nil {
		return nil, err
	}

	procCfg := e.cfg.Process
	procCfg.Job = e.job()

	sess, err := executor.Open(ctx, e.cfg.Factory, &procCfg, logger.Named("executor"))
	if err != nil {
		collector.IncExecutorLaunchFailure()
		return nil, types.NewError(types.ErrTransfer, types.ReasonExecutorFailed, "acquire executor", err)
	}
	collector.IncExecutorLaunchSuccess()
	defer func() {
		res, err := sess.Close(e.cfg.Grace)
		if err != nil {
			logger.Warn("executor shutdown failed", map[string]any{"error": err.Error()})
			return
		}
		logger.Debug("executor exited", map[string]any{"status": res.Describe()})
	}()

	resolved, err := e.awaitResolved(ctx, sess)
	if err != nil {
		return nil, err
	}

	candidates := resolved.Candidates
	if len(candidates) == 0 {
		candidates = []string{resolved.ArtifactID}
	}
	id, err := resolveID("acquire resolve", candidates)
	if err != nil {
		_ = sess.Send(ipc.Abort(string(types.ReasonIdentifierUnresolvable)))
		return nil, err
	}
	if resolved.Locator != "" {
		logger.Info("resolved artifact", map[string]any{"artifact_id": id.String(), "locator": resolved.Locator})
	}

	delivered, err := alreadyDelivered(e.deps.History, id, e.cfg.Force)
	if err != nil {
		_ = sess.Send(ipc.Abort(string(types.ReasonLedgerUnreadable)))
		return nil, err
	}
	if delivered {
		logger.Info("artifact already delivered", map[string]any{"artifact_id": id.String()})
		_ = sess.Send(ipc.Abort(string(types.ReasonAlreadyDelivered)))
		return &Result{Status: StatusAlreadyProcessed, ID: id}, nil
	}
	if err := sess.Send(ipc.Proceed()); err != nil {
		return nil, types.NewError(types.ErrTransfer, types.ReasonExecutorFailed, "acquire proceed", err)
	}

	deadline := time.Now().Add(e.cfg.DownloadTimeout)
	name, err := e.awaitDownload(ctx, sess, e.cfg.DownloadTimeout)
	if err != nil {
		return nil, err
	}
	if err := e.deps.Staging.CheckName(name); err != nil {
		if derr := e.deps.Staging.Discard(name); derr != nil {
			logger.Warn("rejected download not removed", map[string]any{"name": name, "error": derr.Error()})
		}
		return nil, err
	}

	// Browsers may still be renaming the file when they report completion.
	settle := max(time.Until(deadline), time.Second)
	err = poll.Until(ctx, settle, poll.DefaultBackoff, func(context.Context) (bool, error) {
		inProgress, err := e.deps.Staging.InProgress()
		if err != nil {
			return false, err
		}
		if len(inProgress) > 0 {
			return false, nil
		}
		staged, err := e.deps.Staging.Scan()
		if err != nil {
			return false, err
		}
		return staged != nil && staged.Name == name, nil
	})
	if err != nil {
		if errors.Is(err, poll.ErrTimeout) {
			return nil, types.NewError(types.ErrTransfer, types.ReasonDownloadTimeout, "acquire settle", err)
		}
		if types.ReasonOf(err) != "" {
			return nil, err
		}
		return nil, types.NewError(types.ErrStateCorruption, types.ReasonStagingFailed, "acquire settle", err)
	}

	art, err := e.deps.Staging.Adopt(name, id)
	if err != nil {
		return nil, err
	}
	collector.AddBytesDownloaded(art.Size)
	logger.Info("artifact staged", map[string]any{
		"artifact_id": id.String(),
		"name":        art.Name,
		"size":        art.Size,
	})
	return &Result{Status: StatusAcquired, ID: id, Artifact: art}, nil
}

func (e *Executor) job() *executor.Job {
	job := &executor.Job{
		ContractVersion: types.ContractVersion,
		RunID:           e.cfg.RunID,
		Step:            executor.StepAcquire,
		Service:         e.cfg.Service,
		Credentials:     executor.Credentials{Username: e.cfg.Username, Password: e.cfg.Password},
		URLs:            map[string]string{"login": e.cfg.LoginURL, "index": e.cfg.IndexURL},
		StagingDir:      e.deps.Staging.Dir(),
		Proxy:           e.cfg.Proxy,
		Hints:           e.cfg.Locators,
		TimeoutsMs: map[string]int64{
			"resolve":  e.cfg.ResolveTimeout.Milliseconds(),
			"download": e.cfg.DownloadTimeout.Milliseconds(),
		},
	}

	state, err := e.deps.Sessions.Load(e.cfg.Service)
	if err != nil {
		e.deps.Logger.Warn("ignoring unreadable session", map[string]any{"error": err.Error()})
	} else if state != nil && state.Kind == types.SessionStorageState {
		job.StorageState = state.Data
	}
	return job
}

// awaitResolved reads frames until the executor reports an identifier.
func (e *Executor) awaitResolved(ctx context.Context, sess *executor.Session) (*ipc.ResolvedFrame, error) {
	deadline := time.Now().Add(e.cfg.ResolveTimeout)
	for {
		frame, err := sess.Next(ctx, time.Until(deadline))
		if err != nil {
			return nil, e.streamErr("acquire resolve", err, types.ReasonIndexNavigationFailed)
		}
		switch f := frame.(type) {
		case *ipc.ResolvedFrame:
			return f, nil
		case *ipc.SessionStateFrame:
			e.saveSession(f)
		case *ipc.ResultFrame:
			if f.OK() {
				return nil, types.NewError(types.ErrResolution, types.ReasonIdentifierUnresolvable, "acquire resolve",
					errors.New("executor finished without resolving an identifier"))
			}
			return nil, executor.ResultError("acquire resolve", f, types.ReasonExecutorFailed)
		default:
			e.deps.Logger.Debug("ignoring executor frame", map[string]any{"frame": fmt.Sprintf("%T", f)})
		}
	}
}

// awaitDownload reads frames until the executor reports a finished download.
func (e *Executor) awaitDownload(ctx context.Context, sess *executor.Session, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		frame, err := sess.Next(ctx, time.Until(deadline))
		if err != nil {
			return "", e.streamErr("acquire download", err, types.ReasonDownloadTimeout)
		}
		switch f := frame.(type) {
		case *ipc.DownloadCompleteFrame:
			if f.Name == "" {
				return "", types.NewError(types.ErrTransfer, types.ReasonDownloadFailed, "acquire download",
					errors.New("executor reported a download without a name"))
			}
			return filepath.Base(f.Name), nil
		case *ipc.SessionStateFrame:
			e.saveSession(f)
		case *ipc.ResultFrame:
			if f.OK() {
				return "", types.NewError(types.ErrTransfer, types.ReasonDownloadFailed, "acquire download",
					errors.New("executor finished without a download"))
			}
			return "", executor.ResultError("acquire download", f, types.ReasonDownloadFailed)
		default:
			e.deps.Logger.Debug("ignoring executor frame", map[string]any{"frame": fmt.Sprintf("%T", f)})
		}
	}
}

func (e *Executor) streamErr(op string, err error, timeoutReason types.Reason) error {
	if errors.Is(err, executor.ErrStreamClosed) {
		e.deps.Collector.IncExecutorCrash()
	}
	return executor.StreamError(op, err, timeoutReason)
}

// saveSession persists fresh browser state. Failing to save it does not
// fail the acquisition; the next run simply logs in again.
func (e *Executor) saveSession(f *ipc.SessionStateFrame) {
	err := e.deps.Sessions.Save(&types.SessionState{
		Service: e.cfg.Service,
		Kind:    types.SessionStorageState,
		Data:    f.Data,
		SavedAt: time.Now().UTC(),
	})
	if err != nil {
		e.deps.Logger.Warn("failed to persist executor session", map[string]any{"error": err.Error()})
	}
}
