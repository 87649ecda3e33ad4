package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jmagar/transdock/internal/config"
	"github.com/jmagar/transdock/internal/migration"
	"github.com/jmagar/transdock/internal/probe"
	"github.com/jmagar/transdock/internal/ratelimit"
	"github.com/jmagar/transdock/internal/remote"
)

type stubMigrations struct {
	job      *migration.Job
	startErr error
	getErr   error
	cancelE  error
	resumeE  error
}

func (s *stubMigrations) Start(req migration.Request) (*migration.Job, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	return s.job, nil
}

func (s *stubMigrations) GetStatus(id string) (*migration.Job, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.job, nil
}

func (s *stubMigrations) List() ([]*migration.Job, error) {
	return []*migration.Job{s.job}, nil
}

func (s *stubMigrations) Cancel(id string) error { return s.cancelE }

func (s *stubMigrations) Resume(id string) (*migration.Job, error) {
	if s.resumeE != nil {
		return nil, s.resumeE
	}
	return s.job, nil
}

type stubProber struct{}

func (stubProber) Probe(ctx context.Context, exec remote.Executor) (*probe.HostCapabilities, error) {
	return &probe.HostCapabilities{Host: "local", DockerOK: true}, nil
}

func (stubProber) ProbePaths(ctx context.Context, exec remote.Executor, caps *probe.HostCapabilities, paths []string) {
	for _, p := range paths {
		caps.Paths = append(caps.Paths, probe.PathInfo{Path: p, Writable: true})
	}
}

func newTestRouter(t *testing.T, jobs Migrations) http.Handler {
	t.Helper()
	logger := zerolog.Nop()
	return NewRouter(Deps{
		Config:     &config.Config{MetricsEnabled: true},
		Logger:     &logger,
		Migrations: jobs,
		Prober:     stubProber{},
		NewExecutor: func(host string) (remote.Executor, error) {
			return remote.Local{}, nil
		},
	})
}

func TestHealth(t *testing.T) {
	h := newTestRouter(t, &stubMigrations{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["ok"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestStartMigration(t *testing.T) {
	stub := &stubMigrations{job: &migration.Job{ID: "job-1", Status: migration.StatusInitializing}}
	h := newTestRouter(t, stub)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/migrations",
		strings.NewReader(`{"unit_id":"sonarr","dest_base_path":"/mnt/tank"}`))
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var job migration.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatal(err)
	}
	if job.ID != "job-1" {
		t.Fatalf("id = %q", job.ID)
	}
}

func TestStartMigrationRejectsMalformedBody(t *testing.T) {
	h := newTestRouter(t, &stubMigrations{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/migrations", strings.NewReader("{not json")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", migration.ErrValidation, http.StatusBadRequest},
		{"duplicate", migration.ErrDuplicateJob, http.StatusConflict},
		{"unreachable", remote.ErrUnreachable, http.StatusBadGateway},
		{"permission", remote.ErrPermission, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestRouter(t, &stubMigrations{startErr: tc.err})
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/migrations",
				strings.NewReader(`{"unit_id":"x","dest_base_path":"/d"}`))
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestGetMigrationNotFound(t *testing.T) {
	h := newTestRouter(t, &stubMigrations{getErr: migration.ErrJobNotFound})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/migrations/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCancelMigration(t *testing.T) {
	h := newTestRouter(t, &stubMigrations{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/migrations/job-1/cancel", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestResumeNotResumable(t *testing.T) {
	h := newTestRouter(t, &stubMigrations{resumeE: migration.ErrNotResumable})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/migrations/job-1/resume", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestListMigrations(t *testing.T) {
	stub := &stubMigrations{job: &migration.Job{ID: "job-1"}}
	h := newTestRouter(t, stub)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/migrations", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Migrations []migration.Job `json:"migrations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Migrations) != 1 || body.Migrations[0].ID != "job-1" {
		t.Fatalf("body = %+v", body)
	}
}

func TestHostCapabilities(t *testing.T) {
	h := newTestRouter(t, &stubMigrations{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/hosts/capabilities?paths=/a,/b", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var caps probe.HostCapabilities
	if err := json.Unmarshal(rec.Body.Bytes(), &caps); err != nil {
		t.Fatal(err)
	}
	if !caps.DockerOK || len(caps.Paths) != 2 {
		t.Fatalf("caps = %+v", caps)
	}
}

func TestStartMigrationRateLimited(t *testing.T) {
	stub := &stubMigrations{job: &migration.Job{ID: "job-1"}}
	logger := zerolog.Nop()
	h := NewRouter(Deps{
		Config:      &config.Config{},
		Logger:      &logger,
		Migrations:  stub,
		Prober:      stubProber{},
		NewExecutor: func(string) (remote.Executor, error) { return remote.Local{}, nil },
		Limiter:     ratelimit.New(filepath.Join(t.TempDir(), "ratelimit.json")),
	})

	body := `{"unit_id":"sonarr","dest_base_path":"/mnt/tank"}`
	last := 0
	for i := 0; i < 31; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/migrations", strings.NewReader(body)))
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", last)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestRouter(t, &stubMigrations{})
	// Prime the request counter so the scrape has at least one series.
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/health", nil))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "transdock_http_requests_total") {
		t.Fatalf("metrics body missing counter")
	}
}
