// Package session owns the SUNAT token lifecycle per tenant: multi-tier
// storage, expiry-aware lookup and serialized renewal. All mutation of
// session records goes through the Manager; callers only read.
package session

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a tenant has no usable session.
var ErrNotFound = errors.New("session: no active session")

// Token is one stored session record. At most one record per tenant with
// Active=true and a future ExpiresAt is treated as authoritative; older
// records stay around in the durable tier for audit.
type Token struct {
	SessionID             string    `json:"session_id"`
	TenantID              string    `json:"tenant_id"`
	AccessToken           string    `json:"access_token"`
	RefreshToken          string    `json:"refresh_token,omitempty"`
	TokenType             string    `json:"token_type,omitempty"`
	Scope                 string    `json:"scope,omitempty"`
	CredentialFingerprint string    `json:"credential_fingerprint,omitempty"`
	IssuedAt              time.Time `json:"issued_at"`
	ExpiresAt             time.Time `json:"expires_at"`
	LastUsedAt            time.Time `json:"last_used_at"`
	Active                bool      `json:"active"`
}

// Usable reports whether the record is active and unexpired at the instant.
func (t *Token) Usable(now time.Time) bool {
	return t != nil && t.Active && now.Before(t.ExpiresAt)
}

// Remaining returns the lifetime left at the instant; zero when expired.
func (t *Token) Remaining(now time.Time) time.Duration {
	if t == nil || !now.Before(t.ExpiresAt) {
		return 0
	}
	return t.ExpiresAt.Sub(now)
}

// clone returns a copy so callers never share the stored struct.
func (t *Token) clone() *Token {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
