package lode

import (
	"encoding/json"
	"time"

	"github.com/pithecene-io/courier/metrics"
	"github.com/pithecene-io/courier/types"
)

// RecordKindRun discriminates run records in the dataset.
const RecordKindRun = "run"

// DeriveDay computes the partition day from the run start time (YYYY-MM-DD, UTC).
func DeriveDay(startTime time.Time) string {
	return startTime.UTC().Format("2006-01-02")
}

// RunRecord is the journal entry for one pipeline run.
type RunRecord struct {
	RecordKind string `json:"record_kind"`
	RunID      string `json:"run_id"`
	Day        string `json:"day"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMs  int64     `json:"duration_ms"`

	Status  types.OutcomeStatus `json:"status"`
	Stage   types.Stage         `json:"stage,omitempty"`
	Reason  types.Reason        `json:"reason,omitempty"`
	Message string              `json:"message,omitempty"`
	Resumed bool                `json:"resumed"`

	ArtifactID     string `json:"artifact_id,omitempty"`
	ArtifactName   string `json:"artifact_name,omitempty"`
	ArtifactSize   int64  `json:"artifact_size,omitempty"`
	ArtifactDigest string `json:"artifact_digest,omitempty"`
	// ArchivePath is the store path of the archived binary, if archived.
	ArchivePath string `json:"archive_path,omitempty"`

	Metrics *metrics.Snapshot `json:"metrics,omitempty"`
}

// toMap converts a record to the map form the Hive layout partitions on.
func (r *RunRecord) toMap() (map[string]any, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// fromMap decodes a record read back through the JSONL codec.
// ok is false for items that are not run records.
func fromMap(item any) (*RunRecord, bool) {
	m, isMap := item.(map[string]any)
	if !isMap || m["record_kind"] != RecordKindRun {
		return nil, false
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, false
	}
	var r RunRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, false
	}
	return &r, true
}
