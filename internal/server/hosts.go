package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/jmagar/transdock/internal/remote"
	"github.com/jmagar/transdock/pkg/httpx"
)

// handleHostCapabilities probes one host on demand. An empty host query
// parameter probes the local machine; a paths parameter adds per-path
// free-space and writability checks.
func handleHostCapabilities(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host := r.URL.Query().Get("host")
		exec, err := deps.NewExecutor(host)
		if err != nil {
			httpx.WriteTypedError(w, http.StatusBadRequest, "host.invalid", err.Error(), nil)
			return
		}
		caps, err := deps.Prober.Probe(r.Context(), exec)
		if err != nil {
			switch {
			case errors.Is(err, remote.ErrPermission):
				httpx.WriteTypedError(w, http.StatusForbidden, "host.permission", err.Error(), nil)
			case errors.Is(err, remote.ErrUnreachable):
				httpx.WriteTypedError(w, http.StatusBadGateway, "host.unreachable", err.Error(), nil)
			default:
				httpx.WriteError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		paths := deps.Config.DataRoots
		if raw := r.URL.Query().Get("paths"); raw != "" {
			paths = strings.Split(raw, ",")
		}
		if len(paths) > 0 {
			deps.Prober.ProbePaths(r.Context(), exec, caps, paths)
		}
		httpx.WriteJSON(w, caps)
	}
}
