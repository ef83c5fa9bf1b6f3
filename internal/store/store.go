package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	licenseErrors "github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/errors"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/infrastructure"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/security"
)

// CurrentVersion is the envelope version written by Save. Files with a
// higher version are still read if their checksum verifies.
const CurrentVersion = 1

const corruptSuffix = ".corrupt"

// Store persists ActivationState in a single integrity-protected file.
// Store is not safe for concurrent writers; the controller serializes
// access.
type Store struct {
	path        string
	fingerprint string
	key         []byte
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = infrastructure.WithComponent(logger, "store")
	}
}

// WithSecret overrides the compiled-in integrity secret
func WithSecret(secret []byte) Option {
	return func(s *Store) {
		s.key = secret
	}
}

// WithClock sets the time source for written_at
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New returns a store for the file at path, bound to fingerprint
func New(path, fingerprint string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("state file path is required")
	}
	s := &Store{
		path:        path,
		fingerprint: fingerprint,
		key:         []byte(security.IntegritySecret),
		logger:      infrastructure.WithComponent(nil, "store"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	key, err := security.DeriveIntegrityKey(s.key, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive store key: %w", err)
	}
	s.key = key
	return s, nil
}

// Path returns the state file location
func (s *Store) Path() string {
	return s.path
}

// Load reads and verifies the state file. Every failure yields an error
// wrapping ErrNotActivated; damaged files additionally wrap
// ErrLocalStorageCorrupt and are moved aside.
func (s *Store) Load(ctx context.Context) (*ActivationState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, licenseErrors.ErrNotActivated
		}
		s.logger.WarnContext(ctx, "Activation state unreadable",
			slog.String("path", s.path),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %w: %v", licenseErrors.ErrNotActivated, licenseErrors.ErrLocalStorageCorrupt, err)
	}

	state, reason := s.decode(data)
	if reason != "" {
		s.quarantine(ctx, reason)
		return nil, fmt.Errorf("%w: %w: %s", licenseErrors.ErrNotActivated, licenseErrors.ErrLocalStorageCorrupt, reason)
	}
	return state, nil
}

// decode returns a non-empty reason when data cannot be trusted
func (s *Store) decode(data []byte) (*ActivationState, string) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, "envelope parse failed"
	}
	if env.Version < 1 {
		return nil, fmt.Sprintf("unsupported version %d", env.Version)
	}
	if len(env.State) == 0 || env.Checksum == "" {
		return nil, "missing state or checksum"
	}
	if !security.VerifyChecksum(s.key, env.State, env.Checksum) {
		return nil, "checksum mismatch"
	}

	var state ActivationState
	if err := json.Unmarshal(env.State, &state); err != nil {
		return nil, "state parse failed"
	}
	if state.License == "" {
		return nil, "state has no license"
	}
	if state.Fingerprint != s.fingerprint {
		return nil, "fingerprint mismatch"
	}
	return &state, ""
}

// quarantine moves a damaged file aside so the next Load starts clean
func (s *Store) quarantine(ctx context.Context, reason string) {
	target := s.path + corruptSuffix
	attrs := []any{
		slog.String("path", s.path),
		slog.String("reason", reason),
	}
	if err := os.Rename(s.path, target); err != nil {
		attrs = append(attrs, slog.String("quarantine_error", err.Error()))
	} else {
		attrs = append(attrs, slog.String("moved_to", target))
	}
	s.logger.WarnContext(ctx, "Activation state corrupt", attrs...)
}

// Save atomically replaces the state file
func (s *Store) Save(ctx context.Context, state *ActivationState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("state is nil")
	}

	// Compact encoding on both levels keeps the raw state bytes stable.
	stateBytes, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	data, err := json.Marshal(envelope{
		Version:   CurrentVersion,
		WrittenAt: s.now().UTC(),
		State:     stateBytes,
		Checksum:  security.Checksum(s.key, stateBytes),
	})
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	if err := writeFileAtomic(dir, s.path, data); err != nil {
		return err
	}

	s.logger.DebugContext(ctx, "Activation state saved",
		slog.String("path", s.path),
		slog.String("license_id", state.LicenseID),
		slog.String("cached_status", string(state.CachedStatus)))
	return nil
}

// Clear deletes the state file. A missing file is not an error.
func (s *Store) Clear(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove activation state: %w", err)
	}
	s.logger.DebugContext(ctx, "Activation state cleared", slog.String("path", s.path))
	return nil
}

func writeFileAtomic(dir, path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if err = tmp.Chmod(0o600); err != nil && !isUnsupported(err) {
		return fmt.Errorf("failed to set temp file permissions: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	syncDir(dir)
	return nil
}

// syncDir flushes the rename to disk where the platform allows it
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func isUnsupported(err error) bool {
	return errors.Is(err, errors.ErrUnsupported)
}
