// Package executor manages the external browser automation process.
//
// courier starts the executor, writes one JSON job line on its stdin and
// keeps stdin open for control frames. The executor reports progress as
// ipc frames on stdout; stderr is captured for diagnostics.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/pithecene-io/courier/ipc"
	"github.com/pithecene-io/courier/locate"
	"github.com/pithecene-io/courier/types"
)

// maxStderrBytes bounds the captured stderr tail.
const maxStderrBytes = 64 * 1024

// defaultWaitDelay bounds how long Wait keeps draining output after the
// executor exited while a descendant still holds its stderr.
const defaultWaitDelay = 2 * time.Second

// Step names the work an executor invocation performs.
type Step string

const (
	StepAcquire Step = "acquire"
	StepDeliver Step = "deliver"
)

// Credentials are the account details for the target service.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Job is the JSON document written to the executor's stdin.
type Job struct {
	ContractVersion string               `json:"contract_version"`
	RunID           string               `json:"run_id"`
	Step            Step                 `json:"step"`
	Service         string               `json:"service"`
	Credentials     Credentials          `json:"credentials"`
	URLs            map[string]string    `json:"urls"`
	StagingDir      string               `json:"staging_dir,omitempty"`
	ArtifactPath    string               `json:"artifact_path,omitempty"`
	StorageState    json.RawMessage      `json:"storage_state,omitempty"`
	Proxy           *types.ProxyEndpoint `json:"proxy,omitempty"`
	// Hints are locator fallback lists keyed by element role
	// (e.g. "current_issue", "upload_button").
	Hints map[string][]locate.Strategy `json:"hints,omitempty"`
	// TimeoutsMs are per-step bounds the executor must honour.
	TimeoutsMs map[string]int64 `json:"timeouts_ms,omitempty"`
}

// Config configures one executor process.
type Config struct {
	// Path is the executor binary.
	Path string
	// Args are extra arguments (typically the automation script path).
	Args []string
	// Env are extra KEY=VALUE entries layered over the inherited environment.
	Env []string
	// Job is written to stdin after start.
	Job *Job
	// WaitDelay bounds output draining after exit (default 2s). Processes
	// the executor left behind are killed when it expires.
	WaitDelay time.Duration
}

// Result is the process exit status.
type Result struct {
	// ExitCode is the process exit code.
	ExitCode int
	// StderrBytes is the captured stderr tail.
	StderrBytes []byte
}

// Process abstracts executor process lifecycle for testing.
type Process interface {
	Start(ctx context.Context) error
	Stdout() io.Reader
	Control(frame *ipc.ControlFrame) error
	CloseInput() error
	Wait() (*Result, error)
	Kill() error
}

// Factory creates a Process. Used for test injection.
type Factory func(cfg *Config) Process

// Manager is the os/exec backed Process.
type Manager struct {
	config *Config
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	ctrl   *ipc.FrameEncoder

	stderr *stderrTail

	closeOnce sync.Once
	closeErr  error
}

// NewManager creates a new executor manager.
func NewManager(cfg *Config) Process {
	return &Manager{config: cfg}
}

// Start starts the process and writes the job line.
func (m *Manager) Start(ctx context.Context) error {
	if m.config.Path == "" {
		return errors.New("executor path is empty")
	}
	if m.config.Job == nil {
		return errors.New("executor job is nil")
	}

	m.cmd = exec.CommandContext(ctx, m.config.Path, m.config.Args...)
	if len(m.config.Env) > 0 {
		m.cmd.Env = deduplicateEnv(append(os.Environ(), m.config.Env...))
	}
	// The executor leads its own process group so Kill reaches the
	// browser and helpers it spawned.
	m.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	m.cmd.Cancel = m.Kill
	m.cmd.WaitDelay = m.config.WaitDelay
	if m.cmd.WaitDelay <= 0 {
		m.cmd.WaitDelay = defaultWaitDelay
	}
	m.stderr = &stderrTail{}
	m.cmd.Stderr = m.stderr

	stdin, err := m.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	m.stdin = stdin
	m.ctrl = ipc.NewFrameEncoder(stdin)

	stdout, err := m.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	m.stdout = stdout

	if err := m.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start executor: %w", err)
	}

	line, err := json.Marshal(m.config.Job)
	if err != nil {
		_ = m.Kill()
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if _, err := stdin.Write(append(line, '\n')); err != nil {
		_ = m.Kill()
		return fmt.Errorf("failed to write job: %w", err)
	}

	return nil
}

// Stdout returns the stdout reader for frame reading.
func (m *Manager) Stdout() io.Reader {
	return m.stdout
}

// Control writes a control frame to the executor's stdin.
func (m *Manager) Control(frame *ipc.ControlFrame) error {
	if m.ctrl == nil {
		return errors.New("executor not started")
	}
	return m.ctrl.WriteFrame(frame)
}

// CloseInput closes stdin, signalling that no more control frames follow.
func (m *Manager) CloseInput() error {
	m.closeOnce.Do(func() {
		if m.stdin != nil {
			m.closeErr = m.stdin.Close()
		}
	})
	return m.closeErr
}

// Wait waits for the executor to exit and returns the result.
// Callers must finish reading Stdout first: Wait closes the pipes.
func (m *Manager) Wait() (*Result, error) {
	if m.cmd == nil {
		return nil, errors.New("executor not started")
	}
	_ = m.CloseInput()

	err := m.cmd.Wait()
	result := &Result{StderrBytes: m.stderr.Bytes()}

	if errors.Is(err, exec.ErrWaitDelay) {
		// The executor exited cleanly but left descendants holding its
		// output; they do not outlive it.
		m.killGroup()
		err = nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				result.ExitCode = status.ExitStatus()
			} else {
				result.ExitCode = -1
			}
		} else {
			return nil, fmt.Errorf("executor wait failed: %w", err)
		}
	}

	return result, nil
}

// Kill terminates the executor and every process in its group.
func (m *Manager) Kill() error {
	if m.cmd == nil || m.cmd.Process == nil {
		return nil
	}
	m.killGroup()
	return m.cmd.Process.Kill()
}

func (m *Manager) killGroup() {
	if m.cmd == nil || m.cmd.Process == nil {
		return
	}
	// ESRCH means the group is already gone.
	_ = unix.Kill(-m.cmd.Process.Pid, unix.SIGKILL)
}

// stderrTail is the executor's stderr. exec copies into it, so the copy
// is bounded by WaitDelay.
type stderrTail struct {
	mu   sync.Mutex
	tail tailBuffer
}

func (s *stderrTail) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.tail.Write(p)
	s.mu.Unlock()
	return len(p), nil
}

func (s *stderrTail) Bytes() []byte {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tail.Bytes()
}

// tailBuffer keeps the last maxStderrBytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) {
	t.buf.Write(p)
	if over := t.buf.Len() - maxStderrBytes; over > 0 {
		t.buf.Next(over)
	}
}

func (t *tailBuffer) Bytes() []byte {
	return bytes.Clone(t.buf.Bytes())
}

// deduplicateEnv keeps the last occurrence of each env var key so that
// configured values win over inherited duplicates from os.Environ().
func deduplicateEnv(env []string) []string {
	seen := make(map[string]int, len(env))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		seen[key] = i
	}
	result := make([]string, 0, len(seen))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		if seen[key] == i {
			result = append(result, entry)
		}
	}
	return result
}
