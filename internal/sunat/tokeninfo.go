package sunat

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenInfo is the subset of SUNAT JWT claims useful for diagnostics. The
// signature cannot be verified locally (SUNAT does not publish the key), so
// claims are informational only; authoritative expiry lives on the stored
// session record.
type TokenInfo struct {
	Subject   string
	Scope     string
	ClientID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ParseTokenInfo decodes the claims of an access token without verifying the
// signature.
func ParseTokenInfo(raw string) (TokenInfo, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return TokenInfo{}, err
	}

	info := TokenInfo{}
	if sub, err := claims.GetSubject(); err == nil {
		info.Subject = sub
	}
	if scope, ok := claims["scope"].(string); ok {
		info.Scope = scope
	}
	if cid, ok := claims["client_id"].(string); ok {
		info.ClientID = cid
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		info.IssuedAt = iat.Time.UTC()
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time.UTC()
	}
	if info.ExpiresAt.IsZero() {
		return info, errors.New("sunat: token has no exp claim")
	}
	return info, nil
}

// TokenUsable reports whether the raw token is well-formed and not expired at
// the given instant. Tokens without an exp claim are rejected.
func TokenUsable(raw string, now time.Time) bool {
	info, err := ParseTokenInfo(raw)
	if err != nil {
		return false
	}
	return now.Before(info.ExpiresAt)
}
