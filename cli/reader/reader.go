package reader

import (
	"context"
	"errors"
	"fmt"

	"github.com/pithecene-io/courier/lode"
	"github.com/pithecene-io/courier/runtime"
	"github.com/pithecene-io/courier/session"
	"github.com/pithecene-io/courier/staging"
	"github.com/pithecene-io/courier/types"
)

// History reads the ledger.
type History interface {
	Read() (*types.HistoryRecord, error)
	Path() string
}

// Sessions lists stored sessions.
type Sessions interface {
	List() ([]session.Summary, error)
}

// Journal lists run records, most recent first.
type Journal interface {
	Runs(ctx context.Context, limit int) ([]lode.RunRecord, error)
}

// Sources are the state locations `courier status` inspects.
type Sources struct {
	Ledger   History
	Staging  *staging.Area
	Sessions Sessions
	LockPath string
}

// Status gathers a read-only view of local state. Problems with one
// source are reported in the response rather than failing the call.
func Status(src Sources) *StatusResponse {
	resp := &StatusResponse{Sessions: []SessionStatus{}}

	resp.Ledger.Path = src.Ledger.Path()
	if rec, err := src.Ledger.Read(); err != nil {
		resp.Ledger.Error = err.Error()
		resp.Attention = append(resp.Attention, "ledger is unreadable; repair or remove "+resp.Ledger.Path)
	} else {
		resp.Ledger.LastDeliveredID = rec.LastDeliveredID.String()
		resp.Ledger.LastDeliveredAt = rec.LastDeliveredAt
		resp.Ledger.Delivered = len(rec.Delivered)
	}

	resp.Staging.Dir = src.Staging.Dir()
	if art, err := src.Staging.Scan(); err != nil {
		resp.Staging.Error = err.Error()
		if types.ReasonOf(err) == types.ReasonStagingMultiple {
			resp.Attention = append(resp.Attention,
				"staging holds more than one artifact; keep one and remove the rest from "+resp.Staging.Dir)
		}
	} else {
		resp.Staging.Artifact = art
	}
	if inProgress, err := src.Staging.InProgress(); err == nil {
		resp.Staging.InProgress = inProgress
	}

	if src.Sessions != nil {
		if list, err := src.Sessions.List(); err == nil {
			for _, s := range list {
				resp.Sessions = append(resp.Sessions, SessionStatus(s))
			}
		} else {
			resp.Attention = append(resp.Attention, fmt.Sprintf("session store: %v", err))
		}
	}

	resp.Lock.Path = src.LockPath
	if src.LockPath != "" {
		if info, err := runtime.ProbeLock(src.LockPath); err == nil {
			resp.Lock.Held = info.Held
			resp.Lock.PID = info.PID
		}
	}
	return resp
}

// Runs returns up to limit journal records as list rows.
func Runs(ctx context.Context, j Journal, limit int) ([]RunItem, error) {
	if j == nil {
		return nil, errors.New("journal is not enabled")
	}
	recs, err := j.Runs(ctx, limit)
	if err != nil {
		return nil, err
	}
	items := make([]RunItem, 0, len(recs))
	for _, r := range recs {
		items = append(items, RunItem{
			RunID:      r.RunID,
			StartedAt:  r.StartedAt,
			Status:     r.Status,
			Stage:      r.Stage,
			Reason:     r.Reason,
			ArtifactID: r.ArtifactID,
			Resumed:    r.Resumed,
			DurationMs: r.DurationMs,
		})
	}
	return items, nil
}

// Stats aggregates every journal record.
func Stats(ctx context.Context, j Journal) (*RunStats, error) {
	if j == nil {
		return nil, errors.New("journal is not enabled")
	}
	recs, err := j.Runs(ctx, 0)
	if err != nil {
		return nil, err
	}

	stats := &RunStats{FailuresByReason: make(map[types.Reason]int)}
	for i, r := range recs {
		stats.Total++
		switch r.Status {
		case types.OutcomeDelivered:
			stats.Delivered++
		case types.OutcomeSkipped:
			stats.Skipped++
		case types.OutcomeFailed:
			stats.Failed++
			stats.FailuresByReason[r.Reason]++
		}
		if r.Resumed {
			stats.Resumed++
		}
		if r.Metrics != nil {
			stats.BytesUploaded += r.Metrics.BytesUploaded
			if i == 0 {
				stats.Latest = r.Metrics
			}
		}
	}
	return stats, nil
}
