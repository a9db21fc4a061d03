// Package state persists a Computer's configuration between runs: server
// configs, input definitions, and the resolved input-value cache, as one
// JSON document with advisory locking and atomic replacement. The format
// is not part of the wire protocol.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/a2c-smcp/smcp/internal/domain/inputs"
	"github.com/a2c-smcp/smcp/internal/domain/upstream"
)

// ComputerState is the persisted document.
type ComputerState struct {
	Version    string                       `json:"version"`
	Servers    []*upstream.ServerConfig     `json:"servers"`
	Inputs     []inputs.Definition          `json:"inputs"`
	InputCache map[string]inputs.CacheItem  `json:"input_cache,omitempty"`
	CreatedAt  time.Time                    `json:"created_at"`
	UpdatedAt  time.Time                    `json:"updated_at"`
}

// Store reads and writes the computer state file. Writes are atomic
// (write-tmp-fsync-rename) under an in-process mutex plus a cross-process
// flock; input cache values may hold secrets, so the file stays 0600.
type Store struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewStore creates a store for the given file path.
func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Load reads and parses the state file. A missing file yields an empty
// default state; invalid JSON is an error.
func (s *Store) Load() (*ComputerState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("state file not found, starting empty", "path", s.path)
			return defaultState(), nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	if runtime.GOOS != "windows" {
		if info, statErr := os.Stat(s.path); statErr == nil {
			if mode := info.Mode().Perm(); mode&0077 != 0 {
				s.logger.Warn("state file has too-open permissions, should be 0600",
					"path", s.path, "current_mode", fmt.Sprintf("%04o", mode))
			}
		}
	}

	var st ComputerState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	for _, cfg := range st.Servers {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("state file: %w", err)
		}
	}
	for _, def := range st.Inputs {
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("state file: %w", err)
		}
	}
	return &st, nil
}

// Save writes the state atomically, keeping a .bak of the previous file.
func (s *Store) Save(st *ComputerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st.UpdatedAt = time.Now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = st.UpdatedAt
	}
	if st.Version == "" {
		st.Version = "1"
	}

	lockFile, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()
	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	if current, readErr := os.ReadFile(s.path); readErr == nil {
		if writeErr := os.WriteFile(s.path+".bak", current, 0600); writeErr != nil {
			s.logger.Warn("failed to create backup", "error", writeErr)
		}
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	if err := s.writeAtomic(data); err != nil {
		return err
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		s.logger.Warn("failed to set permissions on state file", "error", err)
	}

	s.logger.Debug("state saved", "path", s.path)
	return nil
}

// writeAtomic writes data to a temp file, fsyncs, and renames it over the
// target. The temp file is removed on any error.
func (s *Store) writeAtomic(data []byte) error {
	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}
	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to state: %w", err)
	}
	return nil
}

// Exists reports whether the state file is present on disk.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Path returns the configured file path.
func (s *Store) Path() string { return s.path }

func defaultState() *ComputerState {
	now := time.Now().UTC()
	return &ComputerState{
		Version:   "1",
		Servers:   []*upstream.ServerConfig{},
		Inputs:    []inputs.Definition{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}
