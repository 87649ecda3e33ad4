package migration

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jmagar/transdock/internal/fsatomic"
)

// JobStore persists job records so Resume works across process restarts.
type JobStore interface {
	SaveJob(job *Job) error
	LoadJob(id string) (*Job, error)
	ListJobs() ([]*Job, error)
}

// FileStore keeps one JSON record per job, written atomically.
type FileStore struct {
	dir string
}

func NewFileStore(stateDir string) *FileStore {
	return &FileStore{dir: filepath.Join(stateDir, "jobs")}
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) SaveJob(job *Job) error {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return err
	}
	return fsatomic.SaveJSON(s.path(job.ID), job, 0o600)
}

func (s *FileStore) LoadJob(id string) (*Job, error) {
	var job Job
	ok, err := fsatomic.LoadJSON(s.path(id), &job)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return &job, nil
}

func (s *FileStore) ListJobs() ([]*Job, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var jobs []*Job
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		job, err := s.LoadJob(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}
