package executor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pithecene-io/courier/executor"
	"github.com/pithecene-io/courier/executor/executortest"
	"github.com/pithecene-io/courier/ipc"
	"github.com/pithecene-io/courier/log"
	"github.com/pithecene-io/courier/poll"
)

func openSession(t *testing.T, p *executortest.Process) *executor.Session {
	t.Helper()
	s, err := executor.Open(context.Background(), p.Factory(), &executor.Config{Path: "fake", Job: &executor.Job{}}, log.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestSession_SkipsLogFrames(t *testing.T) {
	p := executortest.New(
		&ipc.LogFrame{Type: ipc.TypeLog, Level: "info", Message: "navigating"},
		&ipc.ResolvedFrame{Type: ipc.TypeResolved, ArtifactID: "31.12.2024"},
		&ipc.LogFrame{Type: ipc.TypeLog, Level: "debug", Message: "clicking"},
		&ipc.ResultFrame{Type: ipc.TypeResult, Status: "ok"},
	)
	s := openSession(t, p)
	defer s.Close(time.Second)

	ctx := context.Background()
	first, err := s.Next(ctx, time.Second)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if rf, ok := first.(*ipc.ResolvedFrame); !ok || rf.ArtifactID != "31.12.2024" {
		t.Errorf("first = %#v", first)
	}

	second, err := s.Next(ctx, time.Second)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if res, ok := second.(*ipc.ResultFrame); !ok || !res.OK() {
		t.Errorf("second = %#v", second)
	}

	if _, err := s.Next(ctx, time.Second); !errors.Is(err, executor.ErrStreamClosed) {
		t.Errorf("expected ErrStreamClosed, got %v", err)
	}
}

func TestSession_NextTimesOut(t *testing.T) {
	p := executortest.New()
	p.Hang = true
	s := openSession(t, p)

	_, err := s.Next(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, poll.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	res, err := s.Close(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !p.Killed() {
		t.Error("hung executor should be killed after grace")
	}
	if res.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", res.ExitCode)
	}
}

func TestSession_NextCanceled(t *testing.T) {
	p := executortest.New()
	p.Hang = true
	s := openSession(t, p)
	defer s.Close(time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Next(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSession_SendAndClose(t *testing.T) {
	p := executortest.New(&ipc.ResolvedFrame{Type: ipc.TypeResolved, ArtifactID: "01.01.2025"})
	p.ExitCode = 0
	s := openSession(t, p)

	if err := s.Send(ipc.Abort("already_delivered")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	res, err := s.Close(time.Second)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if res.ExitCode != 0 || p.Killed() {
		t.Errorf("clean exit expected, got code %d killed=%v", res.ExitCode, p.Killed())
	}

	controls := p.Controls()
	if len(controls) != 1 || controls[0].Type != ipc.TypeAbort || controls[0].Reason != "already_delivered" {
		t.Errorf("controls = %+v", controls)
	}

	// Second close is a no-op.
	if _, err := s.Close(time.Second); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := s.Send(ipc.Proceed()); err == nil {
		t.Error("Send after Close should fail")
	}
}

func TestOpen_StartError(t *testing.T) {
	p := executortest.New()
	p.StartErr = errors.New("no such file")
	_, err := executor.Open(context.Background(), p.Factory(), &executor.Config{}, nil)
	if err == nil {
		t.Fatal("expected start error")
	}
}
