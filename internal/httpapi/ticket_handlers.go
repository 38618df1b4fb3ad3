package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sirebridge.pe/internal/audit"
	"sirebridge.pe/internal/ticket"
)

type createTicketRequest struct {
	TenantID  string         `json:"tenant_id"`
	Operation string         `json:"operation"`
	Period    string         `json:"period"`
	Priority  string         `json:"priority,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Tickets handles the collection endpoint: create and list.
func (a *API) Tickets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createTicket(w, r)
	case http.MethodGet:
		a.listTickets(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) createTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("VALIDATION_ERROR", errors.New("invalid request body")))
		return
	}
	priority := ticket.Priority(req.Priority)
	if req.Priority == "" {
		priority = ticket.PriorityNormal
	}
	ctx := audit.WithTenantID(r.Context(), req.TenantID)
	t, err := a.orch.CreateTicket(ctx, req.TenantID,
		ticket.OperationType(req.Operation),
		ticket.Params{Period: req.Period, Extra: req.Extra},
		priority)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ticketView(t, time.Now().UTC()))
}

func (a *API) listTickets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := q.Get("tenant_id")
	if tenantID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("VALIDATION_ERROR", errors.New("tenant_id is required")))
		return
	}
	f := ticket.Filter{
		Status:    ticket.Status(q.Get("status")),
		Operation: ticket.OperationType(q.Get("operation")),
	}
	if v := q.Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if v := q.Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}
	tickets, err := a.orch.ListByTenant(r.Context(), tenantID, f)
	if err != nil {
		writeError(w, err)
		return
	}
	now := time.Now().UTC()
	views := make([]map[string]any, 0, len(tickets))
	for _, t := range tickets {
		views = append(views, ticketView(t, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickets": views, "count": len(views)})
}

// TicketStats aggregates counts per status.
func (a *API) TicketStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := a.orch.Stats(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// TicketByID routes /v1/tickets/{id}[/file|/cancel|/retry].
func (a *API) TicketByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/tickets/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		a.getTicket(w, r, id)
	case action == "file" && r.Method == http.MethodGet:
		a.downloadTicketFile(w, r, id)
	case action == "cancel" && r.Method == http.MethodPost:
		a.cancelTicket(w, r, id)
	case action == "retry" && r.Method == http.MethodPost:
		a.retryTicket(w, r, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) getTicket(w http.ResponseWriter, r *http.Request, id string) {
	t, err := a.orch.GetTicket(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticketView(t, time.Now().UTC()))
}

func (a *API) downloadTicketFile(w http.ResponseWriter, r *http.Request, id string) {
	t, err := a.orch.GetTicket(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if t.Status != ticket.StatusDone || t.Output.FileName == "" {
		writeJSON(w, http.StatusConflict, errorBody("VALIDATION_ERROR",
			errors.New("ticket has no downloadable result")))
		return
	}
	if a.artifacts == nil {
		http.Error(w, "artifact storage disabled", http.StatusServiceUnavailable)
		return
	}
	data, err := a.artifacts.Open(t.TicketID, t.Output.FileName)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", t.Output.FileType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+t.Output.FileName+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *API) cancelTicket(w http.ResponseWriter, r *http.Request, id string) {
	t, err := a.orch.CancelTicket(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticketView(t, time.Now().UTC()))
}

func (a *API) retryTicket(w http.ResponseWriter, r *http.Request, id string) {
	t, err := a.orch.Retry(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ticketView(t, time.Now().UTC()))
}

// MaintenanceSweep expires non-terminal tickets past their window. Entry
// point for an external scheduler.
func (a *API) MaintenanceSweep(w http.ResponseWriter, r *http.Request) {
	a.maintenance(w, r, "sweep", a.orch.Sweep)
}

// MaintenanceRecover fails stalled PROCESSING tickets.
func (a *API) MaintenanceRecover(w http.ResponseWriter, r *http.Request) {
	a.maintenance(w, r, "recover", a.orch.RecoverStalled)
}

// MaintenanceCleanup removes terminal tickets past retention, plus expired
// sessions across tiers.
func (a *API) MaintenanceCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	removed, err := a.orch.CleanupOld(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	sessions, err := a.sessions.CleanupExpired(r.Context(), "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickets_removed": removed, "sessions_removed": sessions})
}

func (a *API) maintenance(w http.ResponseWriter, r *http.Request, name string, fn func(ctx context.Context) (int, error)) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n, err := fn(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{name: n})
}

// ticketView is the caller-facing ticket shape with derived timing fields.
func ticketView(t *ticket.Ticket, now time.Time) map[string]any {
	view := map[string]any{
		"ticket_id":         t.TicketID,
		"tenant_id":         t.TenantID,
		"operation":         string(t.Operation),
		"period":            t.Params.Period,
		"status":            string(t.Status),
		"priority":          string(t.Priority),
		"progress":          t.Progress,
		"created_at":        t.CreatedAt,
		"updated_at":        t.UpdatedAt,
		"expires_at":        t.ExpiresAt,
		"retry_count":       t.RetryCount,
		"estimated_seconds": t.EstimatedSeconds,
		"elapsed_seconds":   t.ElapsedSeconds(now),
		"remaining_seconds": t.RemainingSeconds(now),
	}
	if t.StatusMessage != "" {
		view["status_message"] = t.StatusMessage
	}
	if t.RemoteTicketID != "" {
		view["remote_ticket_id"] = t.RemoteTicketID
	}
	if t.ErrorCode != "" {
		view["error_code"] = t.ErrorCode
		view["error_message"] = t.ErrorMessage
	}
	if t.Output.FileName != "" {
		view["output"] = t.Output
	}
	return view
}
