package deliver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/courier/executor"
	"github.com/pithecene-io/courier/ipc"
	"github.com/pithecene-io/courier/locate"
	"github.com/pithecene-io/courier/log"
	"github.com/pithecene-io/courier/metrics"
	"github.com/pithecene-io/courier/types"
)

// ExecutorConfig configures the browser upload strategy.
type ExecutorConfig struct {
	// Service names the session store entry (default "destination").
	Service  string
	RunID    string
	Username string
	Password string
	// ReaderURL is the web reader's landing page.
	ReaderURL string
	Hints     map[string][]locate.Strategy

	Process executor.Config
	Factory executor.Factory

	// UploadTimeout bounds login and file selection.
	UploadTimeout time.Duration
	// ConfirmTimeout bounds the wait for the destination's confirmation.
	ConfirmTimeout time.Duration
	Grace          time.Duration

	Proxy *types.ProxyEndpoint
}

// Executor uploads through the destination's web reader, driven by the
// external browser executor.
type Executor struct {
	cfg       ExecutorConfig
	sessions  Sessions
	logger    *log.Logger
	collector *metrics.Collector
}

// NewExecutor creates an executor-backed deliverer.
func NewExecutor(cfg ExecutorConfig, sessions Sessions, logger *log.Logger, collector *metrics.Collector) (*Executor, error) {
	if sessions == nil {
		return nil, errors.New("deliver: session store is required")
	}
	if cfg.Process.Path == "" {
		return nil, errors.New("deliver: executor path is required")
	}
	if cfg.Service == "" {
		cfg.Service = "destination"
	}
	if cfg.Hints == nil {
		cfg.Hints = DefaultHints()
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 3 * time.Minute
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Second
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Executor{cfg: cfg, sessions: sessions, logger: logger, collector: collector}, nil
}

// Deliver implements Deliverer.
func (e *Executor) Deliver(ctx context.Context, art *types.StagedArtifact) (*Receipt, error) {
	procCfg := e.cfg.Process
	procCfg.Job = e.job(art)

	sess, err := executor.Open(ctx, e.cfg.Factory, &procCfg, e.logger.Named("executor"))
	if err != nil {
		e.collector.IncExecutorLaunchFailure()
		return nil, types.NewError(types.ErrTransfer, types.ReasonExecutorFailed, "deliver executor", err)
	}
	e.collector.IncExecutorLaunchSuccess()
	defer func() {
		res, err := sess.Close(e.cfg.Grace)
		if err != nil {
			e.logger.Warn("executor shutdown failed", map[string]any{"error": err.Error()})
			return
		}
		e.logger.Debug("executor exited", map[string]any{"status": res.Describe()})
	}()

	deadline := time.Now().Add(e.cfg.UploadTimeout + e.cfg.ConfirmTimeout)
	for {
		frame, err := sess.Next(ctx, time.Until(deadline))
		if err != nil {
			if errors.Is(err, executor.ErrStreamClosed) {
				e.collector.IncExecutorCrash()
			}
			// Without a confirmation the upload may or may not have landed.
			return nil, executor.StreamError("deliver upload", err, types.ReasonUploadUnconfirmed)
		}
		switch f := frame.(type) {
		case *ipc.UploadConfirmedFrame:
			e.collector.AddBytesUploaded(art.Size)
			e.logger.Info("upload confirmed", map[string]any{"detail": f.Detail})
			return &Receipt{
				Strategy:    "executor",
				Detail:      f.Detail,
				Bytes:       art.Size,
				ConfirmedAt: time.Now().UTC(),
			}, nil
		case *ipc.SessionStateFrame:
			e.saveSession(f)
		case *ipc.ResultFrame:
			if f.OK() {
				return nil, types.NewError(types.ErrTransfer, types.ReasonUploadUnconfirmed, "deliver upload",
					errors.New("executor finished without a confirmation"))
			}
			return nil, executor.ResultError("deliver upload", f, types.ReasonUploadFailed)
		default:
			e.logger.Debug("ignoring executor frame", map[string]any{"frame": fmt.Sprintf("%T", f)})
		}
	}
}

func (e *Executor) job(art *types.StagedArtifact) *executor.Job {
	job := &executor.Job{
		ContractVersion: types.ContractVersion,
		RunID:           e.cfg.RunID,
		Step:            executor.StepDeliver,
		Service:         e.cfg.Service,
		Credentials:     executor.Credentials{Username: e.cfg.Username, Password: e.cfg.Password},
		URLs:            map[string]string{"reader": e.cfg.ReaderURL},
		ArtifactPath:    art.Path,
		Proxy:           e.cfg.Proxy,
		Hints:           e.cfg.Hints,
		TimeoutsMs: map[string]int64{
			"upload":  e.cfg.UploadTimeout.Milliseconds(),
			"confirm": e.cfg.ConfirmTimeout.Milliseconds(),
		},
	}
	state, err := e.sessions.Load(e.cfg.Service)
	if err != nil {
		e.logger.Warn("ignoring unreadable session", map[string]any{"error": err.Error()})
	} else if state != nil && state.Kind == types.SessionStorageState {
		job.StorageState = state.Data
	}
	return job
}

func (e *Executor) saveSession(f *ipc.SessionStateFrame) {
	err := e.sessions.Save(&types.SessionState{
		Service: e.cfg.Service,
		Kind:    types.SessionStorageState,
		Data:    f.Data,
		SavedAt: time.Now().UTC(),
	})
	if err != nil {
		e.logger.Warn("failed to persist executor session", map[string]any{"error": err.Error()})
	}
}
