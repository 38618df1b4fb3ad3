package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"sirebridge.pe/internal/audit"
	"sirebridge.pe/internal/session"
)

type authRequest struct {
	TenantID string `json:"tenant_id"`
}

// AuthLogin performs the full password-grant login for a tenant using its
// stored credentials and caches the resulting session across tiers.
func (a *API) AuthLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TenantID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("VALIDATION_ERROR", errors.New("tenant_id is required")))
		return
	}
	ctx := audit.WithTenantID(r.Context(), req.TenantID)
	tok, err := a.sessions.Authenticate(ctx, req.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	audit.LogEvent(ctx, "auth.login", map[string]any{"session_id": tok.SessionID})
	writeJSON(w, http.StatusOK, sessionView(tok))
}

// AuthRevoke deactivates every active session for the tenant.
func (a *API) AuthRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TenantID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("VALIDATION_ERROR", errors.New("tenant_id is required")))
		return
	}
	ctx := audit.WithTenantID(r.Context(), req.TenantID)
	revoked, err := a.sessions.Revoke(ctx, req.TenantID)
	if err != nil && !revoked {
		writeError(w, err)
		return
	}
	audit.LogEvent(ctx, "auth.revoke", map[string]any{"revoked": revoked})
	writeJSON(w, http.StatusOK, map[string]any{"revoked": revoked})
}

// AuthStatus reports whether the tenant currently holds a usable session,
// without triggering renewal.
func (a *API) AuthStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("VALIDATION_ERROR", errors.New("tenant_id is required")))
		return
	}
	tok, err := a.sessions.GetActiveToken(r.Context(), tenantID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"tenant_id": tenantID, "authenticated": false})
		return
	}
	view := sessionView(tok)
	view["authenticated"] = true
	if info, err := a.sessions.TokenInfo(r.Context(), tenantID); err == nil {
		view["token_subject"] = info.Subject
		view["token_scope"] = info.Scope
	}
	writeJSON(w, http.StatusOK, view)
}

// sessionView is the caller-facing session shape. The raw tokens never leave
// the service.
func sessionView(tok *session.Token) map[string]any {
	return map[string]any{
		"session_id": tok.SessionID,
		"tenant_id":  tok.TenantID,
		"issued_at":  tok.IssuedAt.Format(time.RFC3339),
		"expires_at": tok.ExpiresAt.Format(time.RFC3339),
		"active":     tok.Active,
	}
}
