package checksum

import (
	"fmt"
	"path/filepath"

	"github.com/jmagar/transdock/internal/fsatomic"
)

// Store keeps manifests content-addressed by aggregate hash so job records
// can reference them without embedding the full file map.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Save persists m and returns its reference (the aggregate hash).
func (s *Store) Save(m *Manifest) (string, error) {
	if m.Aggregate == "" {
		return "", fmt.Errorf("manifest has no aggregate hash")
	}
	if err := fsatomic.SaveJSON(s.path(m.Aggregate), m, 0o600); err != nil {
		return "", fmt.Errorf("save manifest %s: %w", m.Aggregate, err)
	}
	return m.Aggregate, nil
}

// Load resolves a manifest reference back to the manifest.
func (s *Store) Load(ref string) (*Manifest, error) {
	var m Manifest
	ok, err := fsatomic.LoadJSON(s.path(ref), &m)
	if err != nil {
		return nil, fmt.Errorf("load manifest %s: %w", ref, err)
	}
	if !ok {
		return nil, fmt.Errorf("manifest %s not found", ref)
	}
	return &m, nil
}

func (s *Store) path(ref string) string {
	return filepath.Join(s.dir, "manifests", ref+".json")
}
