// Package session persists reusable authentication material per external
// service. Each service owns exactly one file; with a passphrase configured
// files are sealed with an age scrypt recipient.
package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"filippo.io/age"

	"github.com/pithecene-io/courier/iox"
	"github.com/pithecene-io/courier/types"
)

const (
	plainSuffix  = ".json"
	sealedSuffix = ".json.age"
)

// servicePattern restricts service names to safe filenames.
var servicePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Store is a directory of per-service session files.
type Store struct {
	dir        string
	passphrase string
	workFactor int
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPassphrase seals session files with age scrypt encryption.
func WithPassphrase(passphrase string) Option {
	return func(s *Store) { s.passphrase = passphrase }
}

// WithWorkFactor sets the scrypt work factor (log2 N) used when sealing.
// Zero keeps the age default.
func WithWorkFactor(logN int) Option {
	return func(s *Store) { s.workFactor = logN }
}

// New returns a store rooted at dir.
func New(dir string, opts ...Option) *Store {
	s := &Store{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sealed reports whether the store encrypts session files.
func (s *Store) Sealed() bool {
	return s.passphrase != ""
}

func (s *Store) path(service string) string {
	if s.Sealed() {
		return filepath.Join(s.dir, service+sealedSuffix)
	}
	return filepath.Join(s.dir, service+plainSuffix)
}

// stalePath is the file Save supersedes when the store's sealing mode
// changed since the state was last written.
func (s *Store) stalePath(service string) string {
	if s.Sealed() {
		return filepath.Join(s.dir, service+plainSuffix)
	}
	return filepath.Join(s.dir, service+sealedSuffix)
}

func storeErr(op string, err error) error {
	return types.NewError(types.ErrStateCorruption, types.ReasonSessionStoreFailed, op, err)
}

func validService(service string) error {
	if !servicePattern.MatchString(service) {
		return fmt.Errorf("invalid service name %q", service)
	}
	return nil
}

// Load returns the stored state for service, or nil when none exists.
// Undecodable or undecryptable files are reported as errors; callers treat
// them as absent and re-authenticate.
func (s *Store) Load(service string) (*types.SessionState, error) {
	if err := validService(service); err != nil {
		return nil, storeErr("session load", err)
	}

	data, err := os.ReadFile(s.path(service))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, storeErr("session load", err)
	}

	if s.Sealed() {
		data, err = s.open(data)
		if err != nil {
			return nil, storeErr("session unseal", err)
		}
	}

	var state types.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, storeErr("session decode", err)
	}
	if state.Service != service {
		return nil, storeErr("session decode", fmt.Errorf("file for %q holds service %q", service, state.Service))
	}
	return &state, nil
}

// Save replaces the stored state for state.Service.
// Files are written atomically with mode 0600 inside a 0700 directory.
// A copy in the other sealing mode is removed, so enabling a passphrase
// leaves no plaintext session behind.
func (s *Store) Save(state *types.SessionState) error {
	if state == nil {
		return storeErr("session save", errors.New("nil session state"))
	}
	if err := validService(state.Service); err != nil {
		return storeErr("session save", err)
	}
	if state.SavedAt.IsZero() {
		state.SavedAt = s.now().UTC()
	}

	data, err := json.Marshal(state)
	if err != nil {
		return storeErr("session encode", err)
	}
	if s.Sealed() {
		data, err = s.seal(data)
		if err != nil {
			return storeErr("session seal", err)
		}
	}

	if err := iox.WriteFileAtomic(s.path(state.Service), data, 0o600, 0o700); err != nil {
		return storeErr("session save", err)
	}
	if err := os.Remove(s.stalePath(state.Service)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return storeErr("session save", err)
	}
	return nil
}

// Clear removes any stored state for service, sealed or not.
func (s *Store) Clear(service string) error {
	if err := validService(service); err != nil {
		return storeErr("session clear", err)
	}
	for _, suffix := range []string{plainSuffix, sealedSuffix} {
		err := os.Remove(filepath.Join(s.dir, service+suffix))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return storeErr("session clear", err)
		}
	}
	return nil
}

// Summary describes a stored session without exposing its material.
type Summary struct {
	Service string    `json:"service"`
	Sealed  bool      `json:"sealed"`
	SavedAt time.Time `json:"saved_at"`
	Bytes   int64     `json:"bytes"`
}

// List summarizes the session files present in the store directory.
func (s *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, storeErr("session list", err)
	}

	var out []Summary
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		var service string
		var sealed bool
		switch {
		case strings.HasSuffix(name, sealedSuffix):
			service, sealed = strings.TrimSuffix(name, sealedSuffix), true
		case strings.HasSuffix(name, plainSuffix):
			service = strings.TrimSuffix(name, plainSuffix)
		default:
			continue
		}
		if validService(service) != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Summary{
			Service: service,
			Sealed:  sealed,
			SavedAt: info.ModTime().UTC(),
			Bytes:   info.Size(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out, nil
}

func (s *Store) seal(plaintext []byte) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt recipient: %w", err)
	}
	if s.workFactor > 0 {
		recipient.SetWorkFactor(s.workFactor)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Store) open(ciphertext []byte) ([]byte, error) {
	identity, err := age.NewScryptIdentity(s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return plaintext, nil
}
