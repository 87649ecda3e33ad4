package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmagar/transdock/internal/migration"
	"github.com/jmagar/transdock/internal/ratelimit"
	"github.com/jmagar/transdock/internal/remote"
	"github.com/jmagar/transdock/pkg/httpx"
)

// limitStarts caps migration starts per client address. A start stops a
// workload and snapshots its data, so retry loops are throttled hard.
func limitStarts(limiter *ratelimit.Store, next http.HandlerFunc) http.HandlerFunc {
	if limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ok, _, resetAt := limiter.Allow("start:"+host, 30, time.Minute)
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(resetAt).Seconds())+1))
			httpx.WriteTypedError(w, http.StatusTooManyRequests, "migration.rate_limited",
				"too many migration starts, retry later", nil)
			return
		}
		next(w, r)
	}
}

func handleStartMigration(jobs Migrations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req migration.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.WriteTypedError(w, http.StatusBadRequest, "validation.invalid_body", "invalid JSON body", nil)
			return
		}
		job, err := jobs.Start(req)
		if err != nil {
			writeMigrationError(w, err)
			return
		}
		migrationsStarted.Inc()
		w.WriteHeader(http.StatusAccepted)
		httpx.WriteJSON(w, job)
	}
}

func handleListMigrations(jobs Migrations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := jobs.List()
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		httpx.WriteJSON(w, map[string]any{"migrations": list})
	}
}

func handleGetMigration(jobs Migrations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := jobs.GetStatus(chi.URLParam(r, "id"))
		if err != nil {
			writeMigrationError(w, err)
			return
		}
		httpx.WriteJSON(w, job)
	}
}

func handleCancelMigration(jobs Migrations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := jobs.Cancel(chi.URLParam(r, "id")); err != nil {
			writeMigrationError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleResumeMigration(jobs Migrations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := jobs.Resume(chi.URLParam(r, "id"))
		if err != nil {
			writeMigrationError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		httpx.WriteJSON(w, job)
	}
}

// writeMigrationError maps domain errors onto HTTP statuses and stable
// error codes.
func writeMigrationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, migration.ErrValidation):
		httpx.WriteTypedError(w, http.StatusBadRequest, "validation.failed", err.Error(), nil)
	case errors.Is(err, migration.ErrJobNotFound):
		httpx.WriteTypedError(w, http.StatusNotFound, "migration.not_found", err.Error(), nil)
	case errors.Is(err, migration.ErrDuplicateJob):
		httpx.WriteTypedError(w, http.StatusConflict, "migration.duplicate", err.Error(), nil)
	case errors.Is(err, migration.ErrNotResumable):
		httpx.WriteTypedError(w, http.StatusConflict, "migration.not_resumable", err.Error(), nil)
	case errors.Is(err, remote.ErrPermission):
		httpx.WriteTypedError(w, http.StatusForbidden, "host.permission", err.Error(), nil)
	case errors.Is(err, remote.ErrUnreachable):
		httpx.WriteTypedError(w, http.StatusBadGateway, "host.unreachable", err.Error(), nil)
	default:
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
