package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Version is the state file schema version.
const Version = 1

type fileState struct {
	Version     int                   `json:"version"`
	LastUpdated time.Time             `json:"last_updated"`
	Sites       map[string]*SiteState `json:"sites"`
}

// Store is the on-disk state file. Single-writer: it is loaded once at
// process start and committed once at process end, so no locking beyond
// an atomic write at commit is needed.
type Store struct {
	path string
	data *fileState
	now  func() time.Time
}

// Load reads the state file at path. A missing file yields an empty store.
func Load(path string) (*Store, error) {
	s := &Store{
		path: path,
		data: &fileState{Version: Version, Sites: make(map[string]*SiteState)},
		now:  time.Now,
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: read %s: %w", path, err)
	}

	if err := json.Unmarshal(raw, s.data); err != nil {
		return nil, fmt.Errorf("state: parse %s: %w", path, err)
	}
	if s.data.Sites == nil {
		s.data.Sites = make(map[string]*SiteState)
	}
	return s, nil
}

// Site returns the state for a site, creating it lazily on first access.
func (s *Store) Site(id string) *SiteState {
	st, ok := s.data.Sites[id]
	if !ok {
		st = &SiteState{}
		s.data.Sites[id] = st
	}
	return st
}

// SiteIDs returns the ids of all sites with persisted state.
func (s *Store) SiteIDs() []string {
	ids := make([]string, 0, len(s.data.Sites))
	for id := range s.data.Sites {
		ids = append(ids, id)
	}
	return ids
}

// Commit writes the state file atomically (temp file + rename).
func (s *Store) Commit() error {
	s.data.Version = Version
	s.data.LastUpdated = s.now()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("state: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("state: temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("state: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: rename: %w", err)
	}
	return nil
}
