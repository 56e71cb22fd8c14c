package runtime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/pithecene-io/courier/types"
)

// RunLock is an exclusive advisory lock held for the duration of a run.
// It guards the staging area and the ledger against overlapping invocations.
type RunLock struct {
	file *os.File
}

// AcquireLock takes a non-blocking exclusive flock on path.
// A lock held by another process fails with reason locked.
func AcquireLock(path string) (*RunLock, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, types.NewError(types.ErrStateCorruption, types.ReasonLocked, "lock", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, types.NewError(types.ErrStateCorruption, types.ReasonLocked, "lock open", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, types.NewError(types.ErrStateCorruption, types.ReasonLocked, "lock",
				fmt.Errorf("another run holds %s", path))
		}
		return nil, types.NewError(types.ErrStateCorruption, types.ReasonLocked, "lock", err)
	}

	// Holder pid, for operators inspecting a stuck lock.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &RunLock{file: f}, nil
}

// Release unlocks and closes the lock file. The file itself is kept.
func (l *RunLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

// LockInfo describes the run lock as seen by a read-only observer.
type LockInfo struct {
	Path string `json:"path"`
	Held bool   `json:"held"`
	// PID is the last recorded holder; only meaningful while Held.
	PID int `json:"pid,omitempty"`
}

// ProbeLock reports whether another process holds the run lock without
// creating or modifying the lock file.
func ProbeLock(path string) (*LockInfo, error) {
	info := &LockInfo{Path: path}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return info, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	err = unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB)
	switch {
	case err == nil:
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		return info, nil
	case errors.Is(err, unix.EWOULDBLOCK):
		info.Held = true
	default:
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			info.PID = pid
		}
	}
	return info, nil
}
