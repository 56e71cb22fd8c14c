// Package types defines core domain types for the courier pipeline.
//
//nolint:revive // types is a common Go package naming convention
package types

import "time"

// ArtifactID names one unit of source content (one periodical issue).
// Two resolutions of the same unpublished-since issue yield equal IDs.
type ArtifactID string

// String returns the identifier as a plain string.
func (id ArtifactID) String() string { return string(id) }

// Known reports whether the identifier was resolved.
// Manually staged files whose name carries no date have an unknown ID.
func (id ArtifactID) Known() bool { return id != "" }

// StagedArtifact is the acquired binary sitting in the staging area,
// awaiting delivery. At most one exists at any time.
type StagedArtifact struct {
	// Path is the absolute or config-relative path of the file.
	Path string `json:"path"`
	// Name is the base filename.
	Name string `json:"name"`
	// ID is the resolved identifier. Empty when it could not be recovered.
	ID ArtifactID `json:"id,omitempty"`
	// Size is the file size in bytes.
	Size int64 `json:"size"`
	// Digest is the blake3 hex digest of the file content.
	Digest string `json:"digest,omitempty"`
	// AcquiredAt is when the download completed.
	AcquiredAt time.Time `json:"acquired_at"`
}
