package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/percolation-labs/percolate/internal/config"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
)

// Store is the file-backed persistence layer under the data directory
// (~/.percolate by default). The directory is guarded by a file lock so two
// daemon instances cannot interleave writes; individual documents are written
// atomically so readers never observe a torn file.
type Store struct {
	base string
	lock *flock.Flock
}

// LockConfig controls acquisition of the data-directory lock.
type LockConfig struct {
	Timeout  time.Duration
	Retry    time.Duration
	MaxRetry int
}

// LockConfigFrom builds a lock config from the store configuration section.
func LockConfigFrom(cfg config.StoreConfig) LockConfig {
	timeout, _ := config.DurationOrDefault(cfg.LockTimeout, config.DefaultStoreLockTimeout)
	retry, _ := config.DurationOrDefault(cfg.LockRetry, config.DefaultStoreLockRetry)
	maxRetry := cfg.LockMaxRetry
	if maxRetry <= 0 {
		maxRetry = config.DefaultStoreLockMaxRetry
	}
	return LockConfig{Timeout: timeout, Retry: retry, MaxRetry: maxRetry}
}

// Open creates the data directory if needed and acquires its lock.
func Open(base string, cfg LockConfig) (*Store, error) {
	if base == "" {
		return nil, fmt.Errorf("store: base path required")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("store: create %s: %w", base, err)
	}

	lock := flock.New(filepath.Join(base, "percolate.lock"))
	if err := acquireWithRetry(lock, cfg); err != nil {
		return nil, err
	}

	slog.Info("Store opened", "path", base)
	return &Store{base: base, lock: lock}, nil
}

func acquireWithRetry(lock *flock.Flock, cfg LockConfig) error {
	deadline := time.Now().Add(cfg.Timeout)
	for i := 0; i < cfg.MaxRetry; i++ {
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("store: attempt lock: %w", err)
		}
		if locked {
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(cfg.Retry)
	}
	return fmt.Errorf("store: %s is locked by another instance (timeout after %v)", lock.Path(), cfg.Timeout)
}

// Close releases the directory lock.
func (s *Store) Close() {
	if s.lock == nil {
		return
	}
	if err := s.lock.Unlock(); err != nil {
		slog.Error("Failed to release store lock", "path", s.lock.Path(), "error", err)
	}
	s.lock = nil
}

// Base returns the data directory path.
func (s *Store) Base() string {
	return s.base
}

// Path joins path elements under the data directory.
func (s *Store) Path(elem ...string) string {
	return filepath.Join(append([]string{s.base}, elem...)...)
}

// WriteJSON atomically writes a document at the given relative path, creating
// parent directories as needed.
func (s *Store) WriteJSON(value any, elem ...string) error {
	path := s.Path(elem...)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: create dir for %s: %w", path, err)
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", path, err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("store: write %s: %w", path, err)
	}
	return nil
}

// ReadJSON loads a document from the given relative path.
func (s *Store) ReadJSON(value any, elem ...string) error {
	path := s.Path(elem...)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, value)
}

// Exists reports whether a document is present.
func (s *Store) Exists(elem ...string) bool {
	_, err := os.Stat(s.Path(elem...))
	return err == nil
}

// PruneOlderThan removes entries directly under the given subdirectory whose
// modification time predates the cutoff. Returns the number removed.
func (s *Store) PruneOlderThan(subdir string, maxAge time.Duration) (int, error) {
	dir := s.Path(subdir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			slog.Warn("Failed to prune store entry", "path", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
