// Package sunat wraps all calls to the SUNAT SIRE platform: OAuth token
// issuance and refresh, report generation requests, remote-ticket polling and
// artifact download. The wire behavior follows Manual SIRE v25; everything
// above HTTP is expressed through the error taxonomy in errors.go.
package sunat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sirebridge.pe/internal/credential"
	"sirebridge.pe/internal/obs"
)

const (
	defaultBaseURL = "https://api-sire.sunat.gob.pe/v1"
	defaultAuthURL = "https://api-seguridad.sunat.gob.pe/v1/clientessol"
	defaultTimeout = 30 * time.Second
	userAgent      = "sirebridge/1.0"
)

// TokenData is the auth endpoint response shape.
type TokenData struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Client talks to the SIRE platform. Safe for concurrent use.
type Client struct {
	baseURL string
	authURL string
	http    *http.Client
	retry   Backoff
}

// Option configures Client behavior.
type Option func(*Client)

// WithBaseURL overrides the report API base URL (e.g. the testing platform).
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithAuthURL overrides the OAuth endpoint base.
func WithAuthURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.authURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithRetry overrides the transport retry policy.
func WithRetry(b Backoff) Option {
	return func(c *Client) { c.retry = b }
}

// NewClient constructs a Client with production defaults.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL: defaultBaseURL,
		authURL: defaultAuthURL,
		http:    &http.Client{Timeout: defaultTimeout},
		retry:   DefaultBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authenticate performs the password grant and returns fresh token data.
func (c *Client) Authenticate(ctx context.Context, creds credential.Credentials) (TokenData, error) {
	form := url.Values{
		"grant_type":    {"password"},
		"scope":         {"https://api-sire.sunat.gob.pe"},
		"client_id":     {creds.ClientID},
		"client_secret": {creds.ClientSecret},
		"username":      {creds.Username()},
		"password":      {creds.SolPassword},
	}
	return c.tokenRequest(ctx, fmt.Sprintf("%s/%s/oauth2/token/", c.authURL, creds.ClientID), form)
}

// Refresh exchanges a refresh token for fresh token data. When the platform
// does not return a new refresh token the old one is carried over.
func (c *Client) Refresh(ctx context.Context, refreshToken string, creds credential.Credentials) (TokenData, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {creds.ClientID},
		"client_secret": {creds.ClientSecret},
	}
	tok, err := c.tokenRequest(ctx, fmt.Sprintf("%s/%s/oauth2/token/", c.authURL, creds.ClientID), form)
	if err != nil {
		return TokenData{}, err
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}

func (c *Client) tokenRequest(ctx context.Context, endpoint string, form url.Values) (TokenData, error) {
	var tok TokenData
	err := c.retry.Retry(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", userAgent)

		resp, err := c.http.Do(req)
		if err != nil {
			obs.RemoteCalls.WithLabelValues("network_error").Inc()
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

		if resp.StatusCode == http.StatusUnauthorized {
			obs.RemoteCalls.WithLabelValues("auth_rejected").Inc()
			return Permanent(&AuthError{Detail: oauthErrorDetail(body)})
		}
		if resp.StatusCode >= 400 {
			obs.RemoteCalls.WithLabelValues("api_error").Inc()
			return Permanent(&APIError{StatusCode: resp.StatusCode, Body: string(body)})
		}
		if err := json.Unmarshal(body, &tok); err != nil {
			return Permanent(fmt.Errorf("sunat: decode token response: %w", err))
		}
		if tok.AccessToken == "" || tok.ExpiresIn <= 0 {
			return Permanent(&APIError{StatusCode: resp.StatusCode, Body: "token response missing access_token/expires_in"})
		}
		obs.RemoteCalls.WithLabelValues("ok").Inc()
		return nil
	})
	if err != nil {
		return TokenData{}, err
	}
	return tok, nil
}

func oauthErrorDetail(body []byte) string {
	var payload struct {
		ErrorDescription string `json:"error_description"`
		Message          string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.ErrorDescription != "" {
			return payload.ErrorDescription
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(body))
}

// do performs one authenticated call with transport retries. 401 responses
// and HTTP errors are permanent; network failures and timeouts are retried
// under the client's Backoff.
func (c *Client) do(ctx context.Context, method, path, token string, payload any) ([]byte, error) {
	var reqBody []byte
	if payload != nil {
		var err error
		reqBody, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}

	var out []byte
	err := c.retry.Retry(ctx, func(ctx context.Context) error {
		var rd io.Reader
		if reqBody != nil {
			rd = bytes.NewReader(reqBody)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Authorization", "Bearer "+token)
		if reqBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			obs.RemoteCalls.WithLabelValues("network_error").Inc()
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}

		if resp.StatusCode == http.StatusUnauthorized {
			obs.RemoteCalls.WithLabelValues("auth_rejected").Inc()
			return Permanent(&AuthError{})
		}
		if resp.StatusCode >= 400 {
			obs.RemoteCalls.WithLabelValues("api_error").Inc()
			return Permanent(&APIError{StatusCode: resp.StatusCode, Body: string(body)})
		}
		obs.RemoteCalls.WithLabelValues("ok").Inc()
		out = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SubmitRequest asks the platform to start one report operation.
type SubmitRequest struct {
	TenantID  string
	Period    string // YYYYMM
	Operation string // platform operation code, see internal/ticket
	Params    map[string]any
}

// SubmitResult is either an inline payload (small synchronous responses) or a
// remote ticket id to poll.
type SubmitResult struct {
	RemoteTicketID string
	Inline         []byte
}

// SubmitOperation posts the operation request and classifies the response as
// synchronous (inline bytes) or asynchronous (remote ticket id).
func (c *Client) SubmitOperation(ctx context.Context, token string, req SubmitRequest) (SubmitResult, error) {
	payload := map[string]any{
		"ruc":        req.TenantID,
		"periodo":    req.Period,
		"operacion":  req.Operation,
		"parametros": req.Params,
	}
	body, err := c.do(ctx, http.MethodPost, operationPath(req.Operation, req.Period), token, payload)
	if err != nil {
		return SubmitResult{}, err
	}

	var envelope struct {
		Ticket    string `json:"ticket"`
		TicketID  string `json:"ticketId"`
		NumTicket string `json:"numTicket"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if id := firstNonEmpty(envelope.Ticket, envelope.TicketID, envelope.NumTicket); id != "" {
			return SubmitResult{RemoteTicketID: id}, nil
		}
	}
	return SubmitResult{Inline: body}, nil
}

// RemoteStatus is the poll-status endpoint response.
type RemoteStatus struct {
	RemoteTicketID string  `json:"ticket"`
	State          string  `json:"estado"` // "0" pending .. "4" cancelled
	Percent        float64 `json:"porcentaje_avance"`
	Message        string  `json:"mensaje"`
	FileName       string  `json:"nombre_archivo"`
	FileSize       int64   `json:"tamano_archivo"`
	FileHash       string  `json:"hash_archivo"`
	ErrorCode      string  `json:"codigo_error"`
	ErrorDetail    string  `json:"detalle_error"`
}

// Remote ticket states as published by the platform.
const (
	remoteStatePending    = "0"
	remoteStateProcessing = "1"
	remoteStateDone       = "2"
	remoteStateError      = "3"
	remoteStateCancelled  = "4"
)

// TicketStatus polls one remote ticket.
func (c *Client) TicketStatus(ctx context.Context, token, remoteTicketID string) (RemoteStatus, error) {
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/contribuyente/migeigv/ticket/%s/estado", url.PathEscape(remoteTicketID)), token, nil)
	if err != nil {
		return RemoteStatus{}, err
	}
	var st RemoteStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return RemoteStatus{}, fmt.Errorf("sunat: decode ticket status: %w", err)
	}
	if st.RemoteTicketID == "" {
		st.RemoteTicketID = remoteTicketID
	}
	return st, nil
}

// Download fetches the artifact produced by a completed remote ticket.
func (c *Client) Download(ctx context.Context, token, remoteTicketID, fileName string) ([]byte, error) {
	path := fmt.Sprintf("/contribuyente/migeigv/ticket/%s/archivo/%s",
		url.PathEscape(remoteTicketID), url.PathEscape(fileName))
	return c.do(ctx, http.MethodGet, path, token, nil)
}

// operationPath maps a platform operation code to its submit endpoint. The
// period is embedded in download-style paths, mirroring the manual.
func operationPath(operation, period string) string {
	switch operation {
	case "RVIE_PROPUESTA_DESCARGA":
		return fmt.Sprintf("/contribuyente/migeigv/libros/rvie/propuesta/web/propuesta/%s/exportapropuesta", period)
	case "RVIE_PROPUESTA_ACEPTAR":
		return fmt.Sprintf("/contribuyente/migeigv/libros/rvie/propuesta/web/propuesta/%s/aceptapropuesta", period)
	case "RVIE_PROPUESTA_REEMPLAZAR":
		return "/contribuyente/migeigv/libros/rvie/propuesta/web/reemplazarpropuesta"
	case "RVIE_PRELIMINAR_REGISTRAR":
		return "/contribuyente/migeigv/libros/rvie/preliminar/web/preliminarregistrado"
	case "RVIE_INCONSISTENCIAS_DESCARGA":
		return "/contribuyente/migeigv/libros/rvie/inconsistencias/web/inconsistenciascomprobantes"
	case "RVIE_RESUMEN_GENERAR":
		return fmt.Sprintf("/contribuyente/migeigv/libros/rvie/resumen/web/resumencomprobantes/%s/1/1", period)
	default:
		return "/contribuyente/migeigv/libros/rvie/operacion"
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
