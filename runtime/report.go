package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pithecene-io/courier/deliver"
	"github.com/pithecene-io/courier/metrics"
	"github.com/pithecene-io/courier/types"
)

// RunReport is the structured JSON report written by --report.
type RunReport struct {
	RunID         string              `json:"run_id"`
	Outcome       types.OutcomeStatus `json:"outcome"`
	Stage         types.Stage         `json:"stage,omitempty"`
	Reason        types.Reason        `json:"reason,omitempty"`
	Message       string              `json:"message"`
	NeedsOperator bool                `json:"needs_operator"`
	ExitCode      int                 `json:"exit_code"`
	DurationMs    int64               `json:"duration_ms"`
	Resumed       bool                `json:"resumed"`

	Artifact    *types.StagedArtifact `json:"artifact,omitempty"`
	Receipt     *deliver.Receipt      `json:"receipt,omitempty"`
	ArchivePath string                `json:"archive_path,omitempty"`

	Metrics *metrics.Snapshot `json:"metrics"`
}

// BuildRunReport composes a RunReport from a RunResult and metrics snapshot.
// The exitCode is the process exit code that will be returned to the caller.
func BuildRunReport(result *RunResult, snap metrics.Snapshot, exitCode int) *RunReport {
	return &RunReport{
		RunID:         result.RunID,
		Outcome:       result.Outcome.Status,
		Stage:         result.Outcome.Stage,
		Reason:        result.Outcome.Reason,
		Message:       result.Outcome.Message,
		NeedsOperator: result.Outcome.NeedsOperator(),
		ExitCode:      exitCode,
		DurationMs:    result.Duration.Milliseconds(),
		Resumed:       result.Resumed,
		Artifact:      result.Artifact,
		Receipt:       result.Receipt,
		ArchivePath:   result.ArchivePath,
		Metrics:       &snap,
	}
}

// WriteRunReport writes the report as JSON to the specified path.
// If path is "-", writes to stderr.
func WriteRunReport(report *RunReport, path string) error {
	if path == "" {
		return errors.New("report path must not be empty")
	}
	if path == "-" {
		if err := writeRunReportTo(report, os.Stderr); err != nil {
			return fmt.Errorf("failed to write report to stderr: %w", err)
		}
		return nil
	}

	data, err := encodeReport(report)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report to %s: %w", path, err)
	}
	return nil
}

// writeRunReportTo writes report JSON to any writer.
func writeRunReportTo(report *RunReport, w io.Writer) error {
	data, err := encodeReport(report)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func encodeReport(report *RunReport) ([]byte, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	return append(data, '\n'), nil
}
