// Package reader provides the read-side data access layer for the courier CLI.
//
// This package isolates all read operations from runtime internals. Nothing
// here creates, locks or rewrites state files; `courier status` is safe to
// run while a pipeline run is in progress.
package reader

import (
	"time"

	"github.com/pithecene-io/courier/metrics"
	"github.com/pithecene-io/courier/types"
)

// StatusResponse is the payload of `courier status`.
type StatusResponse struct {
	Ledger   LedgerStatus    `json:"ledger" yaml:"ledger"`
	Staging  StagingStatus   `json:"staging" yaml:"staging"`
	Sessions []SessionStatus `json:"sessions" yaml:"sessions"`
	Lock     LockStatus      `json:"lock" yaml:"lock"`
	// Attention lists conditions an operator must clear before runs succeed.
	Attention []string `json:"attention,omitempty" yaml:"attention,omitempty"`
}

// LedgerStatus summarises the history ledger.
type LedgerStatus struct {
	Path            string     `json:"path" yaml:"path"`
	LastDeliveredID string     `json:"last_delivered_id,omitempty" yaml:"last_delivered_id,omitempty"`
	LastDeliveredAt *time.Time `json:"last_delivered_at,omitempty" yaml:"last_delivered_at,omitempty"`
	Delivered       int        `json:"delivered" yaml:"delivered"`
	Error           string     `json:"error,omitempty" yaml:"error,omitempty"`
}

// StagingStatus summarises the staging area.
type StagingStatus struct {
	Dir        string                `json:"dir" yaml:"dir"`
	Artifact   *types.StagedArtifact `json:"artifact,omitempty" yaml:"artifact,omitempty"`
	InProgress []string              `json:"in_progress,omitempty" yaml:"in_progress,omitempty"`
	Error      string                `json:"error,omitempty" yaml:"error,omitempty"`
}

// SessionStatus describes one stored session.
type SessionStatus struct {
	Service string    `json:"service" yaml:"service"`
	Sealed  bool      `json:"sealed" yaml:"sealed"`
	SavedAt time.Time `json:"saved_at" yaml:"saved_at"`
	Bytes   int64     `json:"bytes" yaml:"bytes"`
}

// LockStatus describes the run lock.
type LockStatus struct {
	Path string `json:"path" yaml:"path"`
	Held bool   `json:"held" yaml:"held"`
	PID  int    `json:"pid,omitempty" yaml:"pid,omitempty"`
}

// RunItem is one row of `courier runs`.
type RunItem struct {
	RunID      string              `json:"run_id" yaml:"run_id"`
	StartedAt  time.Time           `json:"started_at" yaml:"started_at"`
	Status     types.OutcomeStatus `json:"status" yaml:"status"`
	Stage      types.Stage         `json:"stage" yaml:"stage"`
	Reason     types.Reason        `json:"reason" yaml:"reason"`
	ArtifactID string              `json:"artifact_id" yaml:"artifact_id"`
	Resumed    bool                `json:"resumed" yaml:"resumed"`
	DurationMs int64               `json:"duration_ms" yaml:"duration_ms"`
}

// RunStats aggregates journal records.
type RunStats struct {
	Total     int `json:"total" yaml:"total"`
	Delivered int `json:"delivered" yaml:"delivered"`
	Skipped   int `json:"skipped" yaml:"skipped"`
	Failed    int `json:"failed" yaml:"failed"`
	Resumed   int `json:"resumed" yaml:"resumed"`

	BytesUploaded int64 `json:"bytes_uploaded" yaml:"bytes_uploaded"`
	// FailuresByReason counts failed runs per reason code.
	FailuresByReason map[types.Reason]int `json:"failures_by_reason,omitempty" yaml:"failures_by_reason,omitempty"`
	// Latest is the metrics snapshot of the most recent run, if journaled.
	Latest *metrics.Snapshot `json:"latest,omitempty" yaml:"latest,omitempty"`
}
