package lode

import (
	"errors"
	"fmt"
	"strings"
)

// Storage failure kinds. A *StorageError matches its kind with errors.Is.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrDiskFull         = errors.New("no space left on device")
	ErrTimeout          = errors.New("operation timed out")
	ErrThrottled        = errors.New("rate limited")
	// ErrAuth means the store rejected or never received credentials.
	ErrAuth = errors.New("authentication failed")
	// ErrAccessDenied means the credentials were accepted but lack permission.
	ErrAccessDenied = errors.New("access denied")
	ErrNetwork      = errors.New("network error")
	ErrUnclassified = errors.New("storage error")
)

// StorageError is a journal or archive failure with its classified kind.
type StorageError struct {
	Kind error
	// Op is one of "write", "read", "init".
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is matches the kind sentinel in addition to the wrapped chain.
func (e *StorageError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// NewStorageError creates a classified storage error.
func NewStorageError(kind error, op, path string, err error) *StorageError {
	return &StorageError{Kind: kind, Op: op, Path: path, Err: err}
}

func wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return NewStorageError(classifyError(err), op, path, err)
}

// WrapWriteError classifies err as a failed write. Nil stays nil.
func WrapWriteError(err error, path string) error { return wrap("write", path, err) }

// WrapReadError classifies err as a failed read. Nil stays nil.
func WrapReadError(err error, path string) error { return wrap("read", path, err) }

// WrapInitError classifies err as a failed dataset or store open. Nil stays nil.
func WrapInitError(err error, dataset string) error { return wrap("init", dataset, err) }

// KindOf returns the short kind label of a storage error for log fields,
// or "" when err is not one.
func KindOf(err error) string {
	var se *StorageError
	if !errors.As(err, &se) || se.Kind == nil {
		return ""
	}
	return se.Kind.Error()
}

// classifyRule maps message fragments to a kind. Rules are tried in order,
// so the AWS access-denied forms sit ahead of the generic permission rule.
type classifyRule struct {
	kind      error
	fragments []string
}

var classifyRules = []classifyRule{
	{ErrAccessDenied, []string{"AccessDenied", "Forbidden", "403"}},
	{ErrPermissionDenied, []string{"permission denied", "EACCES"}},
	{ErrNotFound, []string{"no such file", "does not exist", "not found", "ENOENT", "404", "NoSuchKey", "NoSuchBucket"}},
	{ErrDiskFull, []string{"no space left", "disk full", "ENOSPC", "quota exceeded"}},
	{ErrTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{ErrThrottled, []string{"SlowDown", "rate exceeded", "throttl", "429", "TooManyRequests"}},
	{ErrAuth, []string{"NoCredentialProviders", "credentials", "InvalidAccessKeyId",
		"SignatureDoesNotMatch", "ExpiredToken", "401", "Unauthorized"}},
	{ErrNetwork, []string{"connection refused", "no route to host", "network unreachable",
		"no such host", "dial tcp"}},
}

func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return ErrTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range classifyRules {
		for _, frag := range rule.fragments {
			if strings.Contains(msg, strings.ToLower(frag)) {
				return rule.kind
			}
		}
	}
	return ErrUnclassified
}
