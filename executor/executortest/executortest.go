// Package executortest provides a scripted executor process for tests.
package executortest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/pithecene-io/courier/executor"
	"github.com/pithecene-io/courier/ipc"
)

// Process is a scripted executor.Process. On Start it encodes Frames onto
// its stdout. With Hang set, stdout stays open after the scripted frames
// and Wait blocks until Kill is called.
type Process struct {
	// Frames are emitted in order on Start.
	Frames []any
	// OnStart runs before frames are emitted (e.g. to drop a download
	// into the staging directory).
	OnStart func(cfg *executor.Config) error
	// StartErr fails Start.
	StartErr error
	// ExitCode is reported by Wait.
	ExitCode int
	// Hang keeps the process alive until killed.
	Hang bool

	mu          sync.Mutex
	cfg         *executor.Config
	stdout      io.Reader
	killed      chan struct{}
	killOnce    sync.Once
	controls    []*ipc.ControlFrame
	started     bool
	inputClosed bool
}

// New returns a scripted process emitting frames.
func New(frames ...any) *Process {
	return &Process{Frames: frames, killed: make(chan struct{})}
}

// Factory returns an executor.Factory that always hands out p.
func (p *Process) Factory() executor.Factory {
	return func(cfg *executor.Config) executor.Process {
		p.mu.Lock()
		p.cfg = cfg
		p.mu.Unlock()
		return p
	}
}

// Start implements executor.Process.
func (p *Process) Start(_ context.Context) error {
	if p.StartErr != nil {
		return p.StartErr
	}
	p.mu.Lock()
	cfg := p.cfg
	p.started = true
	p.mu.Unlock()

	if p.OnStart != nil {
		if err := p.OnStart(cfg); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	enc := ipc.NewFrameEncoder(&buf)
	for _, f := range p.Frames {
		if err := enc.WriteFrame(f); err != nil {
			return err
		}
	}
	if p.Hang {
		p.stdout = io.MultiReader(&buf, &blockingReader{done: p.killed})
	} else {
		p.stdout = &buf
	}
	return nil
}

// Stdout implements executor.Process.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// Control implements executor.Process.
func (p *Process) Control(frame *ipc.ControlFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inputClosed {
		return errors.New("stdin closed")
	}
	p.controls = append(p.controls, frame)
	return nil
}

// CloseInput implements executor.Process.
func (p *Process) CloseInput() error {
	p.mu.Lock()
	p.inputClosed = true
	p.mu.Unlock()
	return nil
}

// Wait implements executor.Process.
func (p *Process) Wait() (*executor.Result, error) {
	if p.Hang {
		<-p.killed
		return &executor.Result{ExitCode: -1}, nil
	}
	return &executor.Result{ExitCode: p.ExitCode}, nil
}

// Kill implements executor.Process.
func (p *Process) Kill() error {
	p.killOnce.Do(func() { close(p.killed) })
	return nil
}

// Config returns the configuration the process was created with.
func (p *Process) Config() *executor.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Controls returns the control frames received so far.
func (p *Process) Controls() []*ipc.ControlFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*ipc.ControlFrame(nil), p.controls...)
}

// Killed reports whether Kill was called.
func (p *Process) Killed() bool {
	select {
	case <-p.killed:
		return true
	default:
		return false
	}
}

// Started reports whether Start was called successfully.
func (p *Process) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

type blockingReader struct {
	done <-chan struct{}
}

func (r *blockingReader) Read([]byte) (int, error) {
	<-r.done
	return 0, io.EOF
}
