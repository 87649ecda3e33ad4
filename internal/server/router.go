package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jmagar/transdock/internal/config"
	"github.com/jmagar/transdock/internal/migration"
	"github.com/jmagar/transdock/internal/ratelimit"
	"github.com/jmagar/transdock/internal/remote"
	"github.com/jmagar/transdock/pkg/httpx"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Migrations is the job surface the HTTP layer needs. Satisfied by
// *migration.Manager.
type Migrations interface {
	Start(req migration.Request) (*migration.Job, error)
	GetStatus(id string) (*migration.Job, error)
	List() ([]*migration.Job, error)
	Cancel(id string) error
	Resume(id string) (*migration.Job, error)
}

// Deps carries everything the router serves.
type Deps struct {
	Config      *config.Config
	Logger      *zerolog.Logger
	Migrations  Migrations
	Prober      migration.CapabilityProber
	NewExecutor func(host string) (remote.Executor, error)

	// Limiter, when set, rate-limits migration starts per client address.
	Limiter *ratelimit.Store
}

func Logger(cfg *config.Config) *zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	logger := log.Logger.Level(cfg.LogLevel).With().Timestamp().Logger()
	return &logger
}

func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = Logger(deps.Config)
	}
	if deps.NewExecutor == nil {
		deps.NewExecutor = func(host string) (remote.Executor, error) {
			if host == "" {
				return remote.Local{}, nil
			}
			return remote.NewSSH(host, remote.StaticResolver{})
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(zerologMiddleware(deps.Logger))

	if deps.Config.CORSOrigin != "" {
		c := cors.New(cors.Options{
			AllowedOrigins:   []string{deps.Config.CORSOrigin},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		})
		r.Use(c.Handler)
	}

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, map[string]any{"ok": true, "version": Version})
	})

	r.Route("/api/migrations", func(r chi.Router) {
		r.Post("/", limitStarts(deps.Limiter, handleStartMigration(deps.Migrations)))
		r.Get("/", handleListMigrations(deps.Migrations))
		r.Get("/{id}", handleGetMigration(deps.Migrations))
		r.Post("/{id}/cancel", handleCancelMigration(deps.Migrations))
		r.Post("/{id}/resume", handleResumeMigration(deps.Migrations))
	})

	r.Get("/api/hosts/capabilities", handleHostCapabilities(deps))

	if deps.Config.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}
