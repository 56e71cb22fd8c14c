package acquire

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pithecene-io/courier/executor"
	"github.com/pithecene-io/courier/executor/executortest"
	"github.com/pithecene-io/courier/ipc"
	"github.com/pithecene-io/courier/ledger"
	"github.com/pithecene-io/courier/log"
	"github.com/pithecene-io/courier/metrics"
	"github.com/pithecene-io/courier/session"
	"github.com/pithecene-io/courier/staging"
	"github.com/pithecene-io/courier/types"
)

const stagedName = "die_zeit_2024_53.epub"

type executorFixture struct {
	area      *staging.Area
	ledger    *ledger.Ledger
	sessions  *session.Store
	collector *metrics.Collector
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()
	dir := t.TempDir()
	return &executorFixture{
		area:      staging.New(filepath.Join(dir, "temp"), ".epub"),
		ledger:    ledger.New(filepath.Join(dir, "state.json")),
		sessions:  session.New(filepath.Join(dir, "sessions")),
		collector: metrics.NewCollector("executor", "api", "fs", "run-1"),
	}
}

func (f *executorFixture) acquirer(t *testing.T, proc *executortest.Process, mutate func(*ExecutorConfig)) *Executor {
	t.Helper()
	cfg := ExecutorConfig{
		RunID:           "run-1",
		Username:        testUser,
		Password:        testPassword,
		LoginURL:        "https://login.example.com/",
		IndexURL:        "https://epaper.example.com/abo/",
		Process:         executor.Config{Path: "courier-executor"},
		Factory:         proc.Factory(),
		ResolveTimeout:  time.Second,
		DownloadTimeout: time.Second,
		Grace:           50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewExecutor(cfg, Deps{
		Staging:   f.area,
		History:   f.ledger,
		Sessions:  f.sessions,
		Logger:    log.Nop(),
		Collector: f.collector,
	})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	return e
}

// writeDownload simulates the browser saving a file into staging.
func writeDownload(cfg *executor.Config) error {
	return os.WriteFile(filepath.Join(cfg.Job.StagingDir, stagedName), []byte(epubBody), 0o644)
}

func TestExecutor_FetchLatest_Acquired(t *testing.T) {
	f := newExecutorFixture(t)
	prior := &types.SessionState{Service: "source", Kind: types.SessionStorageState, Data: []byte(`{"cookies":["old"]}`)}
	if err := f.sessions.Save(prior); err != nil {
		t.Fatal(err)
	}

	proc := executortest.New(
		&ipc.SessionStateFrame{Type: ipc.TypeSessionState, Service: "source", Data: []byte(`{"cookies":["new"]}`)},
		&ipc.ResolvedFrame{Type: ipc.TypeResolved, ArtifactID: "31.12.2024", Locator: "zur-aktuellen-ausgabe"},
		&ipc.DownloadCompleteFrame{Type: ipc.TypeDownloadComplete, Name: stagedName},
		&ipc.ResultFrame{Type: ipc.TypeResult, Status: "ok"},
	)
	proc.OnStart = writeDownload

	res, err := f.acquirer(t, proc, nil).FetchLatest(context.Background())
	if err != nil {
		t.Fatalf("FetchLatest: %v", err)
	}
	if res.Status != StatusAcquired || res.ID != "31.12.2024" {
		t.Fatalf("result = %+v", res)
	}
	if res.Artifact.Name != stagedName || res.Artifact.Size != int64(len(epubBody)) {
		t.Errorf("artifact = %+v", res.Artifact)
	}

	job := proc.Config().Job
	if job.Step != executor.StepAcquire || job.StagingDir != f.area.Dir() {
		t.Errorf("job = %+v", job)
	}
	if string(job.StorageState) != `{"cookies":["old"]}` {
		t.Errorf("job storage state = %s", job.StorageState)
	}
	if len(job.Hints[RoleDownload]) == 0 {
		t.Error("job should carry locator hints")
	}

	controls := proc.Controls()
	if len(controls) != 1 || controls[0].Type != ipc.TypeProceed {
		t.Errorf("controls = %+v, want a single proceed", controls)
	}

	state, err := f.sessions.Load("source")
	if err != nil || string(state.Data) != `{"cookies":["new"]}` {
		t.Errorf("session = %+v, %v", state, err)
	}

	// The identifier must survive a restart via the sidecar.
	staged, err := f.area.Scan()
	if err != nil || staged == nil || staged.ID != "31.12.2024" {
		t.Errorf("Scan = %+v, %v", staged, err)
	}
}

func TestExecutor_FetchLatest_RejectsUnexpectedFileType(t *testing.T) {
	f := newExecutorFixture(t)
	const pdf = "die_zeit_31_12_2024.pdf"
	proc := executortest.New(
		&ipc.ResolvedFrame{Type: ipc.TypeResolved, ArtifactID: "31.12.2024"},
		&ipc.DownloadCompleteFrame{Type: ipc.TypeDownloadComplete, Name: pdf},
		&ipc.ResultFrame{Type: ipc.TypeResult, Status: "ok"},
	)
	proc.OnStart = func(cfg *executor.Config) error {
		return os.WriteFile(filepath.Join(cfg.Job.StagingDir, pdf), []byte("%PDF-1.7"), 0o644)
	}

	_, err := f.acquirer(t, proc, nil).FetchLatest(context.Background())
	if got := types.ReasonOf(err); got != types.ReasonDownloadFailed {
		t.Fatalf("reason = %q, want %q (err: %v)", got, types.ReasonDownloadFailed, err)
	}
	if _, err := os.Stat(filepath.Join(f.area.Dir(), pdf)); !os.IsNotExist(err) {
		t.Error("rejected download should be removed from staging")
	}
}

func TestExecutor_FetchLatest_AlreadyDelivered(t *testing.T) {
	f := newExecutorFixture(t)
	if err := f.ledger.Record(types.DeliveredEntry{ID: "31.12.2024", At: time.Now()}); err != nil {
		t.Fatal(err)
	}
	proc := executortest.New(&ipc.ResolvedFrame{Type: ipc.TypeResolved, ArtifactID: "31.12.2024"})

	res, err := f.acquirer(t, proc, nil).FetchLatest(context.Background())
	if err != nil {
		t.Fatalf("FetchLatest: %v", err)
	}
	if res.Status != StatusAlreadyProcessed {
		t.Errorf("Status = %s", res.Status)
	}
	controls := proc.Controls()
	if len(controls) != 1 || controls[0].Type != ipc.TypeAbort || controls[0].Reason != "already_delivered" {
		t.Errorf("controls = %+v, want abort(already_delivered)", controls)
	}
}

func TestExecutor_FetchLatest_Failures(t *testing.T) {
	tests := []struct {
		name        string
		frames      []any
		hang        bool
		reason      types.Reason
		kind        error
		wantAbort   bool
		wantCrashes int64
	}{
		{
			name: "ambiguous candidates",
			frames: []any{&ipc.ResolvedFrame{
				Type: ipc.TypeResolved, ArtifactID: "31.12.2024",
				Candidates: []string{"31.12.2024", "24.12.2024"},
			}},
			reason:    types.ReasonIdentifierUnresolvable,
			kind:      types.ErrResolution,
			wantAbort: true,
		},
		{
			name:   "executor reports login failure",
			frames: []any{&ipc.ResultFrame{Type: ipc.TypeResult, Status: "error", Reason: "auth_failed", Message: "login form rejected"}},
			reason: types.ReasonAuthFailed,
			kind:   types.ErrAuthentication,
		},
		{
			name:        "executor exits without frames",
			reason:      types.ReasonExecutorFailed,
			kind:        types.ErrTransfer,
			wantCrashes: 1,
		},
		{
			name:   "download never completes",
			frames: []any{&ipc.ResolvedFrame{Type: ipc.TypeResolved, ArtifactID: "31.12.2024"}},
			hang:   true,
			reason: types.ReasonDownloadTimeout,
			kind:   types.ErrTransfer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newExecutorFixture(t)
			proc := executortest.New(tt.frames...)
			proc.Hang = tt.hang

			_, err := f.acquirer(t, proc, func(c *ExecutorConfig) {
				c.DownloadTimeout = 100 * time.Millisecond
			}).FetchLatest(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			if got := types.ReasonOf(err); got != tt.reason {
				t.Errorf("reason = %q, want %q (err: %v)", got, tt.reason, err)
			}
			if !errors.Is(err, tt.kind) {
				t.Errorf("expected %v, got %v", tt.kind, err)
			}
			aborted := false
			for _, c := range proc.Controls() {
				aborted = aborted || c.Type == ipc.TypeAbort
			}
			if aborted != tt.wantAbort {
				t.Errorf("aborted = %v, want %v", aborted, tt.wantAbort)
			}
			if got := f.collector.Snapshot().ExecutorCrash; got != tt.wantCrashes {
				t.Errorf("ExecutorCrash = %d, want %d", got, tt.wantCrashes)
			}
		})
	}
}

func TestExecutor_LaunchFailure(t *testing.T) {
	f := newExecutorFixture(t)
	proc := executortest.New()
	proc.StartErr = errors.New("exec: not found")

	_, err := f.acquirer(t, proc, nil).FetchLatest(context.Background())
	if types.ReasonOf(err) != types.ReasonExecutorFailed {
		t.Fatalf("expected executor_failed, got %v", err)
	}
	if got := f.collector.Snapshot().ExecutorLaunchFailure; got != 1 {
		t.Errorf("ExecutorLaunchFailure = %d, want 1", got)
	}
}
