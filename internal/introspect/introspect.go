// Package introspect exposes a small local-only chi-routed HTTP server for
// operational visibility: a liveness probe, a Prometheus scrape endpoint,
// and a debug dump of currently known sessions. Grounded on the teacher's
// server/internal/api/router.go chi mounting style and response.go's
// envelope helpers, scaled down to this daemon's three read-only routes.
package introspect

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hostbridge/agentd/internal/model"
	"github.com/hostbridge/agentd/internal/telemetry"
)

// SessionLister is satisfied by the daemon orchestrator; introspect never
// mutates session state, only reads a snapshot for /debug/sessions.
type SessionLister interface {
	Sessions() []model.LocalSession
}

// StatusFunc reports the orchestrator's current FSM state for /healthz.
type StatusFunc func() string

// envelope mirrors the teacher's {"data": ...} / {"error": {...}} response
// shape (server/internal/api/response.go), reused here since it's the only
// JSON-API convention the pack demonstrates.
type envelope map[string]any

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// NewRouter builds the introspection HTTP handler.
func NewRouter(status StatusFunc, sessions SessionLister, reg *telemetry.Registry, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		state := status()
		httpStatus := http.StatusOK
		if state == "Error" || state == "Stopped" {
			httpStatus = http.StatusServiceUnavailable
		}
		writeJSON(w, httpStatus, envelope{"data": envelope{"state": state}})
	})

	r.Handle("/metrics", promhttp.HandlerFor(reg.Registerer, promhttp.HandlerOpts{}))

	r.Get("/debug/sessions", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, envelope{"data": sessions.Sessions()})
	})

	return r
}
