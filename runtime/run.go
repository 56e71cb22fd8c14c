// Package runtime runs the acquire-then-deliver pipeline once.
//
// A run moves through preflight (lock), staging (resume detection),
// acquire, deliver and record. The ledger is written only after the
// destination confirmed the upload, and the staged file is removed only
// after the ledger write succeeded. A failure at any stage leaves the
// staging area and the ledger as they were, so the next run can resume.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/courier/acquire"
	"github.com/pithecene-io/courier/adapter"
	"github.com/pithecene-io/courier/deliver"
	"github.com/pithecene-io/courier/lode"
	"github.com/pithecene-io/courier/log"
	"github.com/pithecene-io/courier/metrics"
	"github.com/pithecene-io/courier/types"
)

// Ledger is the delivery history consulted and written by a run.
type Ledger interface {
	Read() (*types.HistoryRecord, error)
	Record(entry types.DeliveredEntry) error
}

// Staging is the single-slot area holding the artifact between acquire
// and deliver.
type Staging interface {
	Scan() (*types.StagedArtifact, error)
	Remove(art *types.StagedArtifact) error
}

// Journal receives the audit record of a run and, optionally, a copy of
// the delivered binary.
type Journal interface {
	WriteRun(ctx context.Context, rec *lode.RunRecord) error
	Archive(ctx context.Context, day string, art *types.StagedArtifact) (string, error)
}

// defaultSideEffectTimeout bounds journal, archive and notification work
// after the outcome is decided.
const defaultSideEffectTimeout = 30 * time.Second

// RunConfig configures a single run.
type RunConfig struct {
	// RunID identifies the run in logs, journal records and notifications.
	RunID string

	Acquirer  acquire.Acquirer
	Deliverer deliver.Deliverer
	Ledger    Ledger
	Staging   Staging

	// LockPath is the run lock file. Empty disables locking.
	LockPath string

	// Journal is optional. When nil no run record is written.
	Journal Journal
	// Archive copies the delivered binary into the journal store before
	// the staged file is removed.
	Archive bool

	// Adapter is optional. When nil no notification is published.
	Adapter adapter.Adapter
	// SideEffectTimeout bounds post-run journal and notification work.
	SideEffectTimeout time.Duration

	// Logger defaults to a logger carrying RunID.
	Logger *log.Logger
	// Collector is the metrics collector for this run.
	// If nil, no metrics are recorded (all Collector methods are nil-safe).
	Collector *metrics.Collector
}

// RunResult represents the result of a run.
type RunResult struct {
	RunID string
	// Outcome is the run outcome.
	Outcome *types.RunOutcome
	// Artifact is the artifact the run worked on, if any.
	Artifact *types.StagedArtifact
	// Receipt is the destination's confirmation for delivered runs.
	Receipt *deliver.Receipt
	// Resumed is set when the artifact was found in staging.
	Resumed bool
	// ArchivePath is where the delivered binary was archived.
	ArchivePath string
	StartedAt   time.Time
	// Duration is the total run duration.
	Duration time.Duration
}

// RunOrchestrator orchestrates a single run.
type RunOrchestrator struct {
	config    *RunConfig
	logger    *log.Logger
	startTime time.Time
}

// NewRunOrchestrator creates a new run orchestrator.
// Returns error if a required collaborator is missing.
func NewRunOrchestrator(config *RunConfig) (*RunOrchestrator, error) {
	switch {
	case config == nil:
		return nil, errors.New("run config is required")
	case config.RunID == "":
		return nil, errors.New("run id is required")
	case config.Acquirer == nil:
		return nil, errors.New("acquirer is required")
	case config.Deliverer == nil:
		return nil, errors.New("deliverer is required")
	case config.Ledger == nil:
		return nil, errors.New("ledger is required")
	case config.Staging == nil:
		return nil, errors.New("staging area is required")
	}
	if config.SideEffectTimeout <= 0 {
		config.SideEffectTimeout = defaultSideEffectTimeout
	}

	logger := config.Logger
	if logger == nil {
		logger = log.NewLogger(config.RunID)
	}

	return &RunOrchestrator{
		config: config,
		logger: logger.Named("runtime"),
	}, nil
}

// Execute executes the run end-to-end.
// The returned error is reserved for programming errors; every pipeline
// failure is reported through the outcome.
//
// Execution flow:
//  1. Take the run lock
//  2. Scan staging; a staged artifact is resumed instead of acquired
//  3. Acquire the newest artifact unless resuming
//  4. Deliver, record in the ledger, then clear staging
//  5. Journal, archive and notify (best effort)
func (r *RunOrchestrator) Execute(ctx context.Context) (*RunResult, error) {
	r.startTime = time.Now()
	r.config.Collector.IncRunStarted()
	r.logger.Info("starting run", nil)

	result := &RunResult{RunID: r.config.RunID, StartedAt: r.startTime.UTC()}
	result.Outcome = r.run(ctx, result)
	r.finish(ctx, result)
	return result, nil
}

func (r *RunOrchestrator) run(ctx context.Context, result *RunResult) *types.RunOutcome {
	if r.config.LockPath != "" {
		lock, err := AcquireLock(r.config.LockPath)
		if err != nil {
			return failed(types.StagePreflight, err, types.ReasonLocked)
		}
		defer func() {
			if err := lock.Release(); err != nil {
				r.logger.Warn("failed to release run lock", map[string]any{"error": err.Error()})
			}
		}()
	}

	staged, err := r.config.Staging.Scan()
	if err != nil {
		return failed(types.StageStaging, err, types.ReasonStagingFailed)
	}

	art := staged
	if staged != nil {
		result.Resumed = true
		result.Artifact = staged
		r.config.Collector.IncRunResumed()
		r.logger.Info("resuming staged artifact", map[string]any{
			"artifact": staged.Name,
			"id":       staged.ID.String(),
		})

		if outcome := r.checkLeftover(staged); outcome != nil {
			return outcome
		}
	} else {
		res, err := r.config.Acquirer.FetchLatest(ctx)
		if err != nil {
			return failed(types.StageAcquire, err, types.ReasonDownloadFailed)
		}
		if res.Status == acquire.StatusAlreadyProcessed {
			r.logger.Info("newest artifact already delivered", map[string]any{"id": res.ID.String()})
			return skipped(types.StageAcquire, fmt.Sprintf("%s already delivered", res.ID))
		}
		if res.Artifact == nil {
			return failed(types.StageAcquire,
				errors.New("acquirer reported success without an artifact"), types.ReasonStagingFailed)
		}
		art = res.Artifact
		if !art.ID.Known() && res.ID.Known() {
			art.ID = res.ID
		}
		result.Artifact = art
	}

	if !art.ID.Known() {
		r.logger.Warn("artifact identifier unknown; delivery will not be recorded", map[string]any{
			"artifact": art.Name,
		})
	}

	receipt, err := r.config.Deliverer.Deliver(ctx, art)
	if err != nil {
		r.logger.Error("delivery failed; artifact kept in staging", map[string]any{
			"artifact": art.Name,
			"error":    err.Error(),
		})
		return failed(types.StageDeliver, err, types.ReasonUploadFailed)
	}
	result.Receipt = receipt

	if art.ID.Known() {
		err := r.config.Ledger.Record(types.DeliveredEntry{
			ID:     art.ID,
			Name:   art.Name,
			Digest: art.Digest,
			At:     receipt.ConfirmedAt,
		})
		if err != nil {
			r.logger.Error("delivered but ledger write failed; staging left in place", map[string]any{
				"artifact": art.Name,
				"error":    err.Error(),
			})
			return failed(types.StageRecord, err, types.ReasonLedgerWriteFailed)
		}
	}

	result.ArchivePath = r.archive(ctx, art)

	if err := r.config.Staging.Remove(art); err != nil {
		// The ledger already names this artifact; the next run drops the leftover.
		r.logger.Warn("failed to clear staging", map[string]any{"error": err.Error()})
	}

	r.logger.Info("artifact delivered", map[string]any{
		"artifact": art.Name,
		"id":       art.ID.String(),
		"strategy": receipt.Strategy,
	})
	return delivered(fmt.Sprintf("%s delivered", art.Name))
}

// checkLeftover returns a skipped outcome when the staged artifact is the
// one the ledger already records, after removing it. A nil outcome means
// the artifact still needs delivery.
func (r *RunOrchestrator) checkLeftover(staged *types.StagedArtifact) *types.RunOutcome {
	if !staged.ID.Known() {
		return nil
	}
	hist, err := r.config.Ledger.Read()
	if err != nil {
		return failed(types.StageStaging, err, types.ReasonLedgerUnreadable)
	}
	if !hist.AlreadyDelivered(staged.ID) {
		return nil
	}

	r.logger.Info("staged artifact already delivered; removing leftover", map[string]any{
		"artifact": staged.Name,
		"id":       staged.ID.String(),
	})
	if err := r.config.Staging.Remove(staged); err != nil {
		return failed(types.StageStaging, err, types.ReasonStagingFailed)
	}
	return skipped(types.StageStaging, fmt.Sprintf("%s already delivered", staged.ID))
}

func (r *RunOrchestrator) archive(ctx context.Context, art *types.StagedArtifact) string {
	if r.config.Journal == nil || !r.config.Archive {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.SideEffectTimeout)
	defer cancel()

	p, err := r.config.Journal.Archive(ctx, lode.DeriveDay(r.startTime), art)
	if err != nil {
		r.logger.Warn("failed to archive artifact", map[string]any{"error": err.Error(), "kind": lode.KindOf(err)})
		return ""
	}
	return p
}

// finish records metrics and runs the best-effort side effects.
// Nothing here changes the outcome.
func (r *RunOrchestrator) finish(ctx context.Context, result *RunResult) {
	result.Duration = time.Since(r.startTime)

	switch result.Outcome.Status {
	case types.OutcomeDelivered:
		r.config.Collector.IncRunDelivered()
	case types.OutcomeSkipped:
		r.config.Collector.IncRunSkipped()
	default:
		r.config.Collector.IncRunFailed()
	}

	fields := map[string]any{
		"status":      result.Outcome.Status,
		"duration_ms": result.Duration.Milliseconds(),
	}
	if result.Outcome.Reason != "" {
		fields["stage"] = result.Outcome.Stage
		fields["reason"] = result.Outcome.Reason
	}
	r.logger.Info("run finished", fields)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.SideEffectTimeout)
	defer cancel()

	if r.config.Journal != nil {
		if err := r.config.Journal.WriteRun(ctx, r.runRecord(result)); err != nil {
			r.logger.Warn("failed to write journal record", map[string]any{"error": err.Error(), "kind": lode.KindOf(err)})
		}
	}
	if r.config.Adapter != nil {
		if err := r.config.Adapter.Publish(ctx, RunCompletedEvent(result)); err != nil {
			r.logger.Warn("failed to publish run notification", map[string]any{"error": err.Error()})
		}
	}
}

func (r *RunOrchestrator) runRecord(result *RunResult) *lode.RunRecord {
	snap := r.config.Collector.Snapshot()
	rec := &lode.RunRecord{
		RunID:       result.RunID,
		StartedAt:   result.StartedAt,
		CompletedAt: result.StartedAt.Add(result.Duration),
		DurationMs:  result.Duration.Milliseconds(),
		Status:      result.Outcome.Status,
		Stage:       result.Outcome.Stage,
		Reason:      result.Outcome.Reason,
		Message:     result.Outcome.Message,
		Resumed:     result.Resumed,
		ArchivePath: result.ArchivePath,
		Metrics:     &snap,
	}
	if art := result.Artifact; art != nil {
		rec.ArtifactID = art.ID.String()
		rec.ArtifactName = art.Name
		rec.ArtifactSize = art.Size
		rec.ArtifactDigest = art.Digest
	}
	return rec
}

// RunCompletedEvent builds the notification payload for result.
func RunCompletedEvent(result *RunResult) *adapter.RunCompletedEvent {
	ev := &adapter.RunCompletedEvent{
		ContractVersion: types.ContractVersion,
		EventType:       adapter.EventTypeRunCompleted,
		RunID:           result.RunID,
		Status:          string(result.Outcome.Status),
		Stage:           string(result.Outcome.Stage),
		Reason:          string(result.Outcome.Reason),
		Message:         result.Outcome.Message,
		NeedsOperator:   result.Outcome.NeedsOperator(),
		Resumed:         result.Resumed,
		ArchivePath:     result.ArchivePath,
		Timestamp:       result.StartedAt.Add(result.Duration).UTC().Format(time.RFC3339),
		DurationMs:      result.Duration.Milliseconds(),
	}
	if art := result.Artifact; art != nil {
		ev.ArtifactID = art.ID.String()
		ev.ArtifactName = art.Name
	}
	return ev
}
