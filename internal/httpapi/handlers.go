// Package httpapi is the caller surface: a thin HTTP layer over the session
// manager and the ticket orchestrator. Business rules live below; handlers
// only decode, delegate and map errors to status codes.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"sirebridge.pe/internal/artifact"
	"sirebridge.pe/internal/events"
	"sirebridge.pe/internal/obs"
	"sirebridge.pe/internal/session"
	"sirebridge.pe/internal/sunat"
	"sirebridge.pe/internal/ticket"
)

// ReadyProbe checks the durable backend before reporting ready.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	sessions   *session.Manager
	orch       *ticket.Orchestrator
	artifacts  *artifact.Store
	stream     *events.Stream
}

func New(rp ReadyProbe, version string, sessions *session.Manager, orch *ticket.Orchestrator, artifacts *artifact.Store, stream *events.Stream) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		sessions:   sessions,
		orch:       orch,
		artifacts:  artifacts,
		stream:     stream,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// auth
	a.mux.HandleFunc("/v1/auth/login", a.AuthLogin)
	a.mux.HandleFunc("/v1/auth/revoke", a.AuthRevoke)
	a.mux.HandleFunc("/v1/auth/status", a.AuthStatus)

	// tickets
	a.mux.HandleFunc("/v1/tickets", a.Tickets)
	a.mux.HandleFunc("/v1/tickets/stats", a.TicketStats)
	a.mux.HandleFunc("/v1/tickets/events", a.Stream)
	a.mux.HandleFunc("/v1/tickets/", a.TicketByID)

	// maintenance entry points for an external scheduler
	a.mux.HandleFunc("/v1/maintenance/sweep", a.MaintenanceSweep)
	a.mux.HandleFunc("/v1/maintenance/recover", a.MaintenanceRecover)
	a.mux.HandleFunc("/v1/maintenance/cleanup", a.MaintenanceCleanup)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the instrumented http.Handler for the server.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.mux)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "sirebridge-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "sirebridge-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to status codes and the taxonomy code.
func writeError(w http.ResponseWriter, err error) {
	var valErr *ticket.ValidationError
	switch {
	case errors.As(err, &valErr):
		writeJSON(w, http.StatusBadRequest, errorBody(sunat.CodeValidation, err))
	case errors.Is(err, ticket.ErrNotFound), errors.Is(err, session.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody(sunat.CodeNotFound, err))
	case sunat.IsAuth(err):
		writeJSON(w, http.StatusUnauthorized, errorBody(sunat.ErrorCode(err), err))
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody(sunat.ErrorCode(err), err))
	}
}

func errorBody(code string, err error) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": err.Error(),
		},
	}
}
