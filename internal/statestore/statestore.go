// Package statestore persists hosts added dynamically during a run
// (orchestrator.Orchestrator.AddHost) to a JSON file, so a subsequent run of
// the driver picks them back up without re-declaring them in the
// static inventory (spec.md §4.12).
//
// Every mutating call flushes to disk and fsyncs before returning, so
// a crash immediately after a successful Add/Remove/MergeInto call
// never loses that write.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/forgewire/ftl/internal/domain"
)

// Store is a JSON-file-backed map of host name to domain.HostSpec.
type Store struct {
	mu   sync.RWMutex
	path string
	data map[string]domain.HostSpec
}

// Open loads the store from path, creating an empty one if the file
// does not yet exist.
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: map[string]domain.HostSpec{}}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return s, nil
}

// Has reports whether a host with the given name is tracked.
func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[name]
	return ok
}

// Get returns the tracked host spec, if any.
func (s *Store) Get(name string) (domain.HostSpec, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.data[name]
	return h, ok
}

// All returns a copy of every tracked host.
func (s *Store) All() map[string]domain.HostSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.HostSpec, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// Add inserts or overwrites a host and durably persists the change.
func (s *Store) Add(h domain.HostSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[h.Name] = h
	return s.flushLocked()
}

// Remove deletes a host and durably persists the change. Removing a
// host that isn't present is not an error.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, name)
	return s.flushLocked()
}

// MergeInto applies vars onto an existing host's Vars map (creating
// entries as needed) and durably persists the change.
func (s *Store) MergeInto(name string, vars map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.data[name]
	if !ok {
		return fmt.Errorf("merge into unknown host %q", name)
	}
	if h.Vars == nil {
		h.Vars = map[string]string{}
	}
	for k, v := range vars {
		h.Vars[k] = v
	}
	s.data[name] = h
	return s.flushLocked()
}

// flushLocked writes the full state atomically: write to a temp file
// in the same directory, fsync it, then rename over the target path,
// so a reader never observes a partially written file.
func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".statestore-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename temp state file: %w", err)
	}
	return nil
}
