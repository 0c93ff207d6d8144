package plugin

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// enabledSetFile is the on-disk form of config/plugins.json.
type enabledSetFile struct {
	EnabledPlugins []string `json:"enabled_plugins"`
}

// EnabledSet persists the list of plugin ids the user wants auto-started.
// Writers serialize through the store's mutex; the file is re-read on every
// access so external edits are picked up.
type EnabledSet struct {
	mu   sync.Mutex
	path string
}

// NewEnabledSet binds the store to its file path.
func NewEnabledSet(path string) *EnabledSet {
	return &EnabledSet{path: path}
}

// List returns the persisted ids. A missing or corrupt file reads as empty.
func (s *EnabledSet) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked().EnabledPlugins
}

// Contains reports whether id is persisted.
func (s *EnabledSet) Contains(id string) bool {
	for _, got := range s.List() {
		if got == id {
			return true
		}
	}
	return false
}

// Add persists id. Idempotent.
func (s *EnabledSet) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.loadLocked()
	for _, got := range cfg.EnabledPlugins {
		if got == id {
			return
		}
	}
	cfg.EnabledPlugins = append(cfg.EnabledPlugins, id)
	s.saveLocked(cfg)
}

// Remove drops id. Idempotent.
func (s *EnabledSet) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.loadLocked()
	kept := cfg.EnabledPlugins[:0]
	for _, got := range cfg.EnabledPlugins {
		if got != id {
			kept = append(kept, got)
		}
	}
	cfg.EnabledPlugins = kept
	s.saveLocked(cfg)
}

// Retain keeps only the ids the predicate accepts and returns the survivors.
// Used to self-heal the file when plugin directories disappear.
func (s *EnabledSet) Retain(keep func(id string) bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.loadLocked()
	kept := make([]string, 0, len(cfg.EnabledPlugins))
	pruned := false
	for _, id := range cfg.EnabledPlugins {
		if keep(id) {
			kept = append(kept, id)
		} else {
			pruned = true
		}
	}
	if pruned {
		cfg.EnabledPlugins = kept
		s.saveLocked(cfg)
	}
	return kept
}

func (s *EnabledSet) loadLocked() enabledSetFile {
	var cfg enabledSetFile
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return cfg
	}
	_ = json.Unmarshal(raw, &cfg)
	return cfg
}

func (s *EnabledSet) saveLocked(cfg enabledSetFile) {
	if cfg.EnabledPlugins == nil {
		cfg.EnabledPlugins = []string{}
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return
	}
	_ = os.MkdirAll(filepath.Dir(s.path), 0o755)
	_ = os.WriteFile(s.path, raw, 0o644)
}
