package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/mimolo/operations/internal/agent"
)

// Store is the runtime's single mutable handle on Config: every read
// goes through Current, every write goes through ApplyMonitorSettings or
// PersistAgents, both of which persist to path before returning (§4.9
// guarantee b: "config writes are serialized and persisted before
// responding").
type Store struct {
	mu   sync.RWMutex
	cfg  Config
	path string
}

// NewStore wraps an already-loaded Config, remembering the file path it
// was loaded from so later writes round-trip back to the same file.
func NewStore(cfg Config, path string) *Store {
	return &Store{cfg: cfg, path: path}
}

// Current returns a copy of the live config.
func (s *Store) Current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// ApplyMonitorSettings validates and applies next's whitelisted fields,
// persisting the result. On validation failure the store is left
// unchanged (§A.2: "old config remains active").
func (s *Store) ApplyMonitorSettings(next MonitorConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidate := s.cfg
	ApplyHotReloadable(&candidate, Config{Monitor: next})

	if err := Validate(&candidate); err != nil {
		return err
	}
	if err := writeAtomic(s.path, candidate); err != nil {
		return err
	}
	s.cfg = candidate
	return nil
}

// PersistAgents replaces the agent instance list and persists the
// result, used by add/duplicate/remove/update_agent_instance (§4.8).
func (s *Store) PersistAgents(agents []agent.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidate := s.cfg
	candidate.Agents = agents
	if err := Validate(&candidate); err != nil {
		return err
	}
	if err := writeAtomic(s.path, candidate); err != nil {
		return err
	}
	s.cfg = candidate
	return nil
}

// ReloadFromDisk re-reads path and applies only the hot-reloadable keys
// onto the live config, used by the SIGHUP handler (§A.2). The old
// config is kept on any read or validation failure.
func (s *Store) ReloadFromDisk() error {
	next, err := Load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ApplyHotReloadable(&s.cfg, *next)
	return nil
}

// writeAtomic marshals cfg as YAML and writes it to path via
// write-temp-then-rename, matching the atomic pattern used by the
// current-segment cache sink.
func writeAtomic(path string, cfg Config) error {
	if path == "" {
		return nil
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".ops-config-*.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("config: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("config: rename into place: %w", err)
	}
	return nil
}
