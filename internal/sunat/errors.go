package sunat

import (
	"errors"
	"fmt"
)

// Error taxonomy codes surfaced on tickets and API responses.
const (
	CodeAuthRequired   = "AUTH_REQUIRED"
	CodeAuthExpired    = "AUTH_EXPIRED"
	CodeRemoteAPIError = "REMOTE_API_ERROR"
	CodeRemoteTimeout  = "REMOTE_TIMEOUT"
	CodeValidation     = "VALIDATION_ERROR"
	CodeStalled        = "STALLED"
	CodeNotFound       = "NOT_FOUND"
	CodeProcessing     = "PROCESSING_ERROR"
)

// ErrAuthRequired signals that no active session exists for the tenant.
var ErrAuthRequired = errors.New("sunat: no active session")

// ErrPollTimeout signals that the remote-ticket polling budget was exhausted
// without the ticket reaching a terminal state. Distinct from a remote-side
// failure, which is reported as TicketFailedError.
var ErrPollTimeout = errors.New("sunat: polling budget exhausted")

// ErrTimeout signals a transport timeout after all retries were consumed.
var ErrTimeout = errors.New("sunat: request timed out")

// AuthError is an HTTP 401 from the platform: the bearer token is expired or
// invalid. Never retried without re-fetching credentials.
type AuthError struct {
	Detail string
}

func (e *AuthError) Error() string {
	if e.Detail == "" {
		return "sunat: token rejected (401)"
	}
	return fmt.Sprintf("sunat: token rejected (401): %s", e.Detail)
}

// APIError is a non-401 HTTP error, carrying status and body for diagnostics.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sunat: http %d: %s", e.StatusCode, e.Body)
}

// TicketFailedError reports a remote ticket that reached the platform's ERROR
// state while being polled.
type TicketFailedError struct {
	RemoteTicketID string
	Code           string
	Detail         string
}

func (e *TicketFailedError) Error() string {
	return fmt.Sprintf("sunat: remote ticket %s failed (%s): %s", e.RemoteTicketID, e.Code, e.Detail)
}

// ErrorCode maps any error produced by this package (or wrapping one of its
// errors) to a taxonomy code.
func ErrorCode(err error) string {
	var authErr *AuthError
	var apiErr *APIError
	var ticketErr *TicketFailedError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthRequired):
		return CodeAuthRequired
	case errors.As(err, &authErr):
		return CodeAuthExpired
	case errors.Is(err, ErrPollTimeout), errors.Is(err, ErrTimeout):
		return CodeRemoteTimeout
	case errors.As(err, &ticketErr), errors.As(err, &apiErr):
		return CodeRemoteAPIError
	default:
		return CodeProcessing
	}
}

// IsAuth reports whether the error belongs to the auth class, which must not
// consume an orchestrator retry.
func IsAuth(err error) bool {
	code := ErrorCode(err)
	return code == CodeAuthRequired || code == CodeAuthExpired
}
