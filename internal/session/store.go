package session

import (
	"context"
	"time"
)

// TokenStore is one tier in the session fallback chain. Implementations are
// ranked fastest-first by the Manager: reads short-circuit on the first
// usable hit while writes fan out to every reachable tier.
//
// FindActive must never return an expired or inactive record; tiers are free
// to drop such records proactively when they encounter them. A tenantID of
// "" in DeleteExpired means all tenants.
type TokenStore interface {
	// Put stores a new session record.
	Put(ctx context.Context, tok *Token) error
	// FindActive returns the most recent active, unexpired record for the
	// tenant, or ErrNotFound.
	FindActive(ctx context.Context, tenantID string, now time.Time) (*Token, error)
	// Touch updates last_used_at on a record. Missing records are not an error.
	Touch(ctx context.Context, sessionID string, usedAt time.Time) error
	// Deactivate marks one record inactive (or removes it, for cache tiers).
	Deactivate(ctx context.Context, sessionID string) error
	// DeactivateTenant marks all active records for the tenant inactive and
	// returns how many were affected.
	DeactivateTenant(ctx context.Context, tenantID string) (int, error)
	// DeleteExpired sweeps records with expires_at <= now and returns the count.
	DeleteExpired(ctx context.Context, tenantID string, now time.Time) (int, error)
	// Name identifies the tier in logs.
	Name() string
}
