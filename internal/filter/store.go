package filter

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists the caller's filter across sessions.
type Store interface {
	// Load returns the saved spec. ok is false when nothing was saved.
	Load() (spec Spec, ok bool, err error)
	Save(spec Spec) error
}

// FileStore keeps a spec as a JSON file.
type FileStore struct {
	path string
}

// NewFileStore returns a store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the saved spec.
func (s *FileStore) Load() (Spec, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return New(), false, nil
	}
	if err != nil {
		return New(), false, fmt.Errorf("read filter state: %w", err)
	}

	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return New(), false, fmt.Errorf("parse filter state: %w", err)
	}
	return spec, true, nil
}

// Save writes the spec atomically.
func (s *FileStore) Save(spec Spec) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encode filter state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create filter state directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write filter state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace filter state: %w", err)
	}
	return nil
}
