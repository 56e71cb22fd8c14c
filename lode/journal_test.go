package lode

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/courier/metrics"
	"github.com/pithecene-io/courier/types"
)

// sharedFactory hands out one store so writes and reads see the same state.
func sharedFactory(store lode.Store) lode.StoreFactory {
	return func() (lode.Store, error) { return store, nil }
}

// failingStore fails every Put.
type failingStore struct {
	putErr error
}

func (s *failingStore) Put(context.Context, string, io.Reader) error { return s.putErr }
func (s *failingStore) Get(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("not found")
}
func (s *failingStore) Exists(context.Context, string) (bool, error)  { return false, nil }
func (s *failingStore) List(context.Context, string) ([]string, error) { return nil, nil }
func (s *failingStore) Delete(context.Context, string) error           { return nil }
func (s *failingStore) ReadRange(context.Context, string, int64, int64) ([]byte, error) {
	return nil, errors.New("not implemented")
}
func (s *failingStore) ReaderAt(context.Context, string) (io.ReaderAt, error) {
	return nil, errors.New("not implemented")
}

var _ lode.Store = (*failingStore)(nil)

func runRecord(runID string, started time.Time, status types.OutcomeStatus) *RunRecord {
	return &RunRecord{
		RunID:       runID,
		StartedAt:   started,
		CompletedAt: started.Add(3 * time.Second),
		DurationMs:  3000,
		Status:      status,
		ArtifactID:  "31.12.2024",
	}
}

func TestJournal_WriteAndListRuns(t *testing.T) {
	collector := metrics.NewCollector("portal", "api", "memory", "run-3")
	j, err := New("", sharedFactory(lode.NewMemory()), WithCollector(collector))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if j.Dataset() != DefaultDataset {
		t.Errorf("Dataset = %q", j.Dataset())
	}

	base := time.Date(2025, 1, 2, 6, 0, 0, 0, time.UTC)
	failed := runRecord("run-2", base.Add(24*time.Hour), types.OutcomeFailed)
	failed.Stage = types.StageDeliver
	failed.Reason = types.ReasonUploadUnconfirmed
	failed.Metrics = &metrics.Snapshot{RunsStarted: 1, RunsFailed: 1, RunID: "run-2"}

	for _, rec := range []*RunRecord{
		runRecord("run-1", base, types.OutcomeDelivered),
		failed,
		runRecord("run-3", base.Add(48*time.Hour), types.OutcomeSkipped),
	} {
		if err := j.WriteRun(t.Context(), rec); err != nil {
			t.Fatalf("WriteRun(%s): %v", rec.RunID, err)
		}
	}

	runs, err := j.Runs(t.Context(), 0)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}
	if runs[0].RunID != "run-3" || runs[2].RunID != "run-1" {
		t.Errorf("order = %s, %s, %s; want most recent first", runs[0].RunID, runs[1].RunID, runs[2].RunID)
	}
	got := runs[1]
	if got.Day != "2025-01-03" || got.Reason != types.ReasonUploadUnconfirmed || got.Stage != types.StageDeliver {
		t.Errorf("failed run = %+v", got)
	}
	if got.Metrics == nil || got.Metrics.RunsFailed != 1 {
		t.Errorf("metrics = %+v", got.Metrics)
	}

	limited, err := j.Runs(t.Context(), 2)
	if err != nil || len(limited) != 2 {
		t.Fatalf("Runs(limit 2) = %d, %v", len(limited), err)
	}
	if snap := collector.Snapshot(); snap.LodeWriteSuccess != 3 || snap.LodeWriteFailure != 0 {
		t.Errorf("lode writes = %d/%d", snap.LodeWriteSuccess, snap.LodeWriteFailure)
	}
}

func TestJournal_RunsEmpty(t *testing.T) {
	j, err := New("courier", sharedFactory(lode.NewMemory()))
	if err != nil {
		t.Fatal(err)
	}
	runs, err := j.Runs(t.Context(), 10)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("got %d runs from an empty journal", len(runs))
	}
}

func TestJournal_WriteRunRequiresID(t *testing.T) {
	j, err := New("courier", sharedFactory(lode.NewMemory()))
	if err != nil {
		t.Fatal(err)
	}
	if err := j.WriteRun(t.Context(), &RunRecord{}); err == nil {
		t.Fatal("expected error for a record without run_id")
	}
}

func TestJournal_Archive(t *testing.T) {
	store := lode.NewMemory()
	j, err := New("courier", sharedFactory(store))
	if err != nil {
		t.Fatal(err)
	}

	src := filepath.Join(t.TempDir(), "die_zeit_2024_53.epub")
	if err := os.WriteFile(src, []byte("epub bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	art := &types.StagedArtifact{Path: src, Name: "die_zeit_2024_53.epub", ID: "31.12.2024"}

	p, err := j.Archive(t.Context(), "2025-01-02", art)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	want := "datasets/courier/archive/day=2025-01-02/31.12.2024/die_zeit_2024_53.epub"
	if p != want {
		t.Errorf("path = %q, want %q", p, want)
	}

	rc, err := store.Get(t.Context(), p)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "epub bytes" {
		t.Errorf("archived content = %q", data)
	}
}

func TestJournal_ArchiveUnknownIDUsesDigest(t *testing.T) {
	j, err := New("courier", sharedFactory(lode.NewMemory()))
	if err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(t.TempDir(), "manual.epub")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := j.Archive(t.Context(), "2025-01-02", &types.StagedArtifact{Path: src, Name: "manual.epub", Digest: "abc123"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(p, "/abc123/manual.epub") {
		t.Errorf("path = %q, want the digest as key", p)
	}
}

func TestJournal_WriteFailuresAreClassified(t *testing.T) {
	collector := metrics.NewCollector("portal", "api", "fs", "run-1")
	store := &failingStore{putErr: errors.New("write datasets/courier: no space left on device")}
	j, err := New("courier", sharedFactory(store), WithCollector(collector))
	if err != nil {
		t.Fatal(err)
	}

	err = j.WriteRun(t.Context(), runRecord("run-1", time.Now(), types.OutcomeDelivered))
	if !errors.Is(err, ErrDiskFull) {
		t.Errorf("WriteRun err = %v, want ErrDiskFull", err)
	}

	src := filepath.Join(t.TempDir(), "a.epub")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = j.Archive(t.Context(), "2025-01-02", &types.StagedArtifact{Path: src, Name: "a.epub", ID: "02.01.2025"})
	var se *StorageError
	if !errors.As(err, &se) || se.Op != "write" {
		t.Errorf("Archive err = %v, want a write StorageError", err)
	}
	if got := collector.Snapshot().LodeWriteFailure; got != 2 {
		t.Errorf("LodeWriteFailure = %d, want 2", got)
	}
}

func TestParseS3Path(t *testing.T) {
	tests := []struct {
		in, bucket, prefix string
	}{
		{"archive", "archive", ""},
		{"archive/courier", "archive", "courier"},
		{"archive/a/b", "archive", "a/b"},
	}
	for _, tt := range tests {
		b, p := ParseS3Path(tt.in)
		if b != tt.bucket || p != tt.prefix {
			t.Errorf("ParseS3Path(%q) = %q, %q", tt.in, b, p)
		}
	}
}

func TestS3Config_Validate(t *testing.T) {
	if err := (&S3Config{}).Validate(); err == nil {
		t.Error("expected error without bucket")
	}
	if err := (&S3Config{Bucket: "b"}).Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}
