// Package staging manages the single-artifact hand-off directory between
// acquisition and delivery.
//
// A staged artifact is a complete file plus an optional sidecar manifest
// (<name>.courier.json) carrying its identifier and digest. In-progress
// downloads use marker suffixes and are never reported as staged.
package staging

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/pithecene-io/courier/iox"
	"github.com/pithecene-io/courier/types"
)

// PartSuffix marks a download written by this process that has not completed.
const PartSuffix = ".part"

// sidecarSuffix names the manifest stored next to a staged artifact.
const sidecarSuffix = ".courier.json"

// inProgressSuffixes are markers left by browsers and by Commit while a
// transfer is still running.
var inProgressSuffixes = []string{PartSuffix, ".crdownload", ".download", ".tmp"}

// manifest is the sidecar content.
type manifest struct {
	ID         types.ArtifactID `json:"id,omitempty"`
	Digest     string           `json:"digest,omitempty"`
	Size       int64            `json:"size"`
	AcquiredAt time.Time        `json:"acquired_at"`
}

// Area is a staging directory.
type Area struct {
	dir  string
	exts []string
}

// New returns a staging area rooted at dir. When exts is non-empty only
// files with one of those extensions (e.g. ".epub") count as artifacts.
func New(dir string, exts ...string) *Area {
	norm := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(e)
		if e != "" && !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if e != "" {
			norm = append(norm, e)
		}
	}
	return &Area{dir: dir, exts: norm}
}

// Dir returns the staging directory.
func (a *Area) Dir() string {
	return a.dir
}

// Ensure creates the staging directory if needed.
func (a *Area) Ensure() error {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return types.NewError(types.ErrStateCorruption, types.ReasonStagingFailed, "staging ensure", err)
	}
	return nil
}

// IsInProgress reports whether name carries a transfer-in-progress marker.
func IsInProgress(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range inProgressSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

func (a *Area) isCandidate(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, sidecarSuffix) || IsInProgress(name) {
		return false
	}
	if len(a.exts) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range a.exts {
		if ext == e {
			return true
		}
	}
	return false
}

// CheckName fails with download_failed when a file called name would
// not be reported by Scan: wrong extension, an in-progress marker, a
// sidecar or a hidden file.
func (a *Area) CheckName(name string) error {
	if a.isCandidate(name) {
		return nil
	}
	msg := fmt.Sprintf("%q is not a stageable artifact", name)
	if len(a.exts) > 0 {
		msg += " (want " + strings.Join(a.exts, ", ") + ")"
	}
	return types.NewError(types.ErrTransfer, types.ReasonDownloadFailed, "staging check", errors.New(msg))
}

// Discard removes a file Scan would not report, such as a download
// rejected by CheckName. Only the base name is used.
func (a *Area) Discard(name string) error {
	err := os.Remove(filepath.Join(a.dir, filepath.Base(name)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return types.NewError(types.ErrStateCorruption, types.ReasonStagingFailed, "staging discard", err)
	}
	return nil
}

// listing splits the directory into complete artifact names and
// in-progress names. A missing directory is empty.
func (a *Area) listing() (complete, inProgress []string, err error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		switch {
		case IsInProgress(name):
			inProgress = append(inProgress, name)
		case a.isCandidate(name):
			complete = append(complete, name)
		}
	}
	sort.Strings(complete)
	sort.Strings(inProgress)
	return complete, inProgress, nil
}

// Scan returns the staged artifact, or nil when the area holds none.
// More than one complete artifact is state corruption and nothing is touched.
func (a *Area) Scan() (*types.StagedArtifact, error) {
	complete, _, err := a.listing()
	if err != nil {
		return nil, types.NewError(types.ErrStateCorruption, types.ReasonStagingFailed, "staging scan", err)
	}

	switch len(complete) {
	case 0:
		return nil, nil
	case 1:
		return a.Describe(complete[0])
	default:
		return nil, types.NewError(types.ErrStateCorruption, types.ReasonStagingMultiple, "staging scan",
			fmt.Errorf("%d artifacts in %s: %s", len(complete), a.dir, strings.Join(complete, ", ")))
	}
}

// InProgress lists files whose transfer has not completed.
func (a *Area) InProgress() ([]string, error) {
	_, inProgress, err := a.listing()
	return inProgress, err
}

// PurgeInProgress removes abandoned partial downloads and returns their names.
// Callers must only invoke it when no transfer is running.
func (a *Area) PurgeInProgress() ([]string, error) {
	_, inProgress, err := a.listing()
	if err != nil {
		return nil, err
	}
	for _, name := range inProgress {
		if err := os.Remove(filepath.Join(a.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return inProgress, nil
}

// Describe builds the StagedArtifact for a complete file in the area.
// The identifier comes from the sidecar, falling back to the filename.
func (a *Area) Describe(name string) (*types.StagedArtifact, error) {
	path := filepath.Join(a.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return nil, types.NewError(types.ErrStateCorruption, types.ReasonStagingFailed, "staging describe", err)
	}

	art := &types.StagedArtifact{
		Path:       path,
		Name:       name,
		Size:       info.Size(),
		AcquiredAt: info.ModTime().UTC(),
	}

	if m, err := a.readManifest(name); err == nil {
		art.ID = m.ID
		art.AcquiredAt = m.AcquiredAt
		if m.Size == info.Size() {
			art.Digest = m.Digest
		}
	}
	if !art.ID.Known() {
		art.ID = types.ArtifactIDFromName(name)
	}
	if art.Digest == "" {
		digest, err := Digest(path)
		if err != nil {
			return nil, types.NewError(types.ErrStateCorruption, types.ReasonStagingFailed, "staging digest", err)
		}
		art.Digest = digest
	}
	return art, nil
}

// Commit streams r into the area under name. Data is written to an
// in-progress file and renamed only once fully written, so an interrupted
// transfer never appears as staged.
func (a *Area) Commit(name string, id types.ArtifactID, r io.Reader) (*types.StagedArtifact, error) {
	name = filepath.Base(filepath.Clean(name))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return nil, types.NewError(types.ErrTransfer, types.ReasonStagingFailed, "staging commit",
			errors.New("empty artifact name"))
	}
	if err := a.CheckName(name); err != nil {
		return nil, err
	}
	if err := a.Ensure(); err != nil {
		return nil, err
	}

	final := filepath.Join(a.dir, name)
	part := final + PartSuffix

	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, types.NewError(types.ErrStateCorruption, types.ReasonStagingFailed, "staging commit", err)
	}

	hasher := blake3.New()
	n, copyErr := io.Copy(io.MultiWriter(f, hasher), r)
	syncErr := f.Sync()
	closeErr := f.Close()
	if err := errors.Join(copyErr, syncErr, closeErr); err != nil {
		_ = os.Remove(part)
		return nil, types.NewError(types.ErrTransfer, types.ReasonDownloadFailed, "staging commit", err)
	}

	if err := os.Rename(part, final); err != nil {
		_ = os.Remove(part)
		return nil, types.NewError(types.ErrStateCorruption, types.ReasonStagingFailed, "staging commit", err)
	}

	if !id.Known() {
		id = types.ArtifactIDFromName(name)
	}
	art := &types.StagedArtifact{
		Path:       final,
		Name:       name,
		ID:         id,
		Size:       n,
		Digest:     hex.EncodeToString(hasher.Sum(nil)),
		AcquiredAt: time.Now().UTC(),
	}
	if err := a.writeManifest(art); err != nil {
		return nil, err
	}
	return art, nil
}

// Adopt records the identifier for a file that another process placed in
// the area (the executor download path) and returns its description.
func (a *Area) Adopt(name string, id types.ArtifactID) (*types.StagedArtifact, error) {
	if err := a.CheckName(name); err != nil {
		return nil, err
	}
	art, err := a.Describe(name)
	if err != nil {
		return nil, err
	}
	if id.Known() {
		art.ID = id
	}
	if err := a.writeManifest(art); err != nil {
		return nil, err
	}
	return art, nil
}

// Remove deletes a staged artifact and its sidecar.
func (a *Area) Remove(art *types.StagedArtifact) error {
	if err := os.Remove(art.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return types.NewError(types.ErrStateCorruption, types.ReasonStagingFailed, "staging remove", err)
	}
	if err := os.Remove(art.Path + sidecarSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return types.NewError(types.ErrStateCorruption, types.ReasonStagingFailed, "staging remove", err)
	}
	return nil
}

func (a *Area) readManifest(name string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(a.dir, name+sidecarSuffix))
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (a *Area) writeManifest(art *types.StagedArtifact) error {
	data, err := json.MarshalIndent(manifest{
		ID:         art.ID,
		Digest:     art.Digest,
		Size:       art.Size,
		AcquiredAt: art.AcquiredAt,
	}, "", "  ")
	if err != nil {
		return types.NewError(types.ErrStateCorruption, types.ReasonStagingFailed, "staging manifest", err)
	}
	if err := os.WriteFile(art.Path+sidecarSuffix, data, 0o644); err != nil {
		return types.NewError(types.ErrStateCorruption, types.ReasonStagingFailed, "staging manifest", err)
	}
	return nil
}

// Digest returns the blake3 hex digest of the file at path.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer iox.DiscardClose(f)

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
