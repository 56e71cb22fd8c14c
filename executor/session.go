package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pithecene-io/courier/ipc"
	"github.com/pithecene-io/courier/log"
	"github.com/pithecene-io/courier/poll"
)

// ErrStreamClosed is returned by Next once the executor's stdout ended.
var ErrStreamClosed = errors.New("executor stream closed")

// Session is a running executor with a frame reader attached.
// Log frames are forwarded to the logger and never surface from Next.
type Session struct {
	proc   Process
	logger *log.Logger

	frames chan any
	stop   chan struct{}
	done   chan struct{}
	// readErr is written by the reader before done is closed.
	readErr error

	result  *Result
	closing chan struct{}
}

// Open starts an executor and begins reading its frames.
func Open(ctx context.Context, factory Factory, cfg *Config, logger *log.Logger) (*Session, error) {
	if factory == nil {
		factory = NewManager
	}
	if logger == nil {
		logger = log.Nop()
	}
	proc := factory(cfg)
	if err := proc.Start(ctx); err != nil {
		return nil, err
	}

	s := &Session{
		proc:    proc,
		logger:  logger,
		frames:  make(chan any),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		closing: make(chan struct{}, 1),
	}
	go s.read(ipc.NewFrameDecoder(proc.Stdout()))
	return s, nil
}

func (s *Session) read(dec *ipc.FrameDecoder) {
	defer close(s.done)
	for {
		frame, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.readErr = ErrStreamClosed
				return
			}
			if ipc.IsFatalFrameError(err) {
				s.readErr = err
				return
			}
			var frameErr *ipc.FrameError
			if errors.As(err, &frameErr) {
				s.logger.Warn("skipping executor frame", map[string]any{"error": err.Error()})
				continue
			}
			s.readErr = err
			return
		}

		if lf, ok := frame.(*ipc.LogFrame); ok {
			s.forward(lf)
			continue
		}

		select {
		case s.frames <- frame:
		case <-s.stop:
			return
		}
	}
}

func (s *Session) forward(lf *ipc.LogFrame) {
	fields := map[string]any{"source": "executor"}
	for k, v := range lf.Fields {
		fields[k] = v
	}
	switch lf.Level {
	case "debug":
		s.logger.Debug(lf.Message, fields)
	case "warn":
		s.logger.Warn(lf.Message, fields)
	case "error":
		s.logger.Error(lf.Message, fields)
	default:
		s.logger.Info(lf.Message, fields)
	}
}

// Next returns the next non-log frame. It fails with an error wrapping
// poll.ErrTimeout when nothing arrives within timeout, with ErrStreamClosed
// when the executor's output ended, or with the context error.
func (s *Session) Next(ctx context.Context, timeout time.Duration) (any, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-s.frames:
		return frame, nil
	case <-s.done:
		// A frame may have been handed over just before the reader exited.
		select {
		case frame := <-s.frames:
			return frame, nil
		default:
		}
		return nil, s.readErr
	case <-timer.C:
		return nil, fmt.Errorf("executor: no frame after %s: %w", timeout, poll.ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send writes a control frame to the executor.
func (s *Session) Send(frame *ipc.ControlFrame) error {
	return s.proc.Control(frame)
}

// Close ends the session: stdin is closed, the process is given grace to
// exit on its own and is killed afterwards. Close is idempotent.
func (s *Session) Close(grace time.Duration) (*Result, error) {
	select {
	case s.closing <- struct{}{}:
	default:
		return s.result, nil
	}

	_ = s.proc.CloseInput()
	close(s.stop)

	type waited struct {
		res *Result
		err error
	}
	ch := make(chan waited, 1)
	go func() {
		res, err := s.proc.Wait()
		ch <- waited{res, err}
	}()

	var w waited
	timer := time.NewTimer(grace)
	select {
	case w = <-ch:
		timer.Stop()
	case <-timer.C:
		s.logger.Warn("executor did not exit in time, killing", map[string]any{"grace": grace.String()})
		_ = s.proc.Kill()
		w = <-ch
	}
	<-s.done

	s.result = w.res
	return w.res, w.err
}

func isTimeout(err error) bool {
	return errors.Is(err, poll.ErrTimeout)
}
