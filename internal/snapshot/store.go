package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmagar/transdock/internal/fsatomic"
)

// recordStore persists rollback point records as one JSON file per record so
// the sweeper and resume both survive daemon restarts.
type recordStore struct {
	dir string
}

func newRecordStore(dir string) *recordStore {
	return &recordStore{dir: dir}
}

func (s *recordStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *recordStore) save(rec *Record) error {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return err
	}
	return fsatomic.SaveJSON(s.path(rec.ID), rec, 0o600)
}

func (s *recordStore) get(id string) (*Record, error) {
	var rec Record
	ok, err := fsatomic.LoadJSON(s.path(id), &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("snapshot record %s not found", id)
	}
	return &rec, nil
}

func (s *recordStore) list() ([]*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := s.get(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *recordStore) remove(id string) error {
	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
