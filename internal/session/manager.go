package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"sirebridge.pe/internal/credential"
	"sirebridge.pe/internal/ids"
	"sirebridge.pe/internal/obs"
	"sirebridge.pe/internal/sunat"
)

const defaultRenewBuffer = 300 * time.Second

// AuthClient is the slice of the platform client the Manager needs.
type AuthClient interface {
	Authenticate(ctx context.Context, creds credential.Credentials) (sunat.TokenData, error)
	Refresh(ctx context.Context, refreshToken string, creds credential.Credentials) (sunat.TokenData, error)
}

// Manager owns the session lifecycle per tenant. Reads check tiers
// fastest-first and short-circuit; writes fan out to every reachable tier so
// the chain never diverges. Renewal for one tenant is serialized through a
// single-flight group so concurrent callers share one remote round trip.
type Manager struct {
	tiers       []TokenStore // fastest first; tiers[0] is always the memory tier
	memory      *MemoryStore
	creds       credential.Store
	auth        AuthClient
	renewBuffer time.Duration
	now         func() time.Time
	renewGroup  singleflight.Group
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithSharedStore appends the shared cache tier (typically Redis).
func WithSharedStore(store TokenStore) ManagerOption {
	return func(m *Manager) {
		if store != nil {
			m.tiers = append(m.tiers, store)
		}
	}
}

// WithDurableStore appends the durable tier (typically Postgres).
func WithDurableStore(store TokenStore) ManagerOption {
	return func(m *Manager) {
		if store != nil {
			m.tiers = append(m.tiers, store)
		}
	}
}

// WithRenewBuffer overrides how long before expiry renewal kicks in.
func WithRenewBuffer(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.renewBuffer = d
		}
	}
}

// WithMemoryCap bounds the fast tier.
func WithMemoryCap(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.memory = NewMemoryStore(n)
			m.tiers[0] = m.memory
		}
	}
}

// WithClock overrides the time source (useful for tests). The clock is the
// single source of truth for every expiry comparison; values are normalized
// to UTC.
func WithClock(fn func() time.Time) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs a Manager. The in-memory tier always exists; shared
// and durable tiers are optional and the Manager keeps working when they are
// unreachable.
func NewManager(creds credential.Store, auth AuthClient, opts ...ManagerOption) *Manager {
	mem := NewMemoryStore(0)
	m := &Manager{
		tiers:       []TokenStore{mem},
		memory:      mem,
		creds:       creds,
		auth:        auth,
		renewBuffer: defaultRenewBuffer,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) clock() time.Time { return m.now().UTC() }

// StoreToken persists fresh token data for the tenant in every tier,
// deactivating whatever active record existed before. The memory tier write
// must succeed; failures in slower tiers degrade gracefully with a warning.
func (m *Manager) StoreToken(ctx context.Context, tenantID string, data sunat.TokenData, fingerprint string) (string, error) {
	if tenantID == "" {
		return "", errors.New("session: tenant id is required")
	}
	if data.AccessToken == "" || data.ExpiresIn <= 0 {
		return "", errors.New("session: token data is incomplete")
	}
	now := m.clock()
	tok := &Token{
		SessionID:             fmt.Sprintf("sire_session_%s_%s", tenantID, ids.New()),
		TenantID:              tenantID,
		AccessToken:           data.AccessToken,
		RefreshToken:          data.RefreshToken,
		TokenType:             data.TokenType,
		Scope:                 data.Scope,
		CredentialFingerprint: fingerprint,
		IssuedAt:              now,
		ExpiresAt:             now.Add(time.Duration(data.ExpiresIn) * time.Second),
		LastUsedAt:            now,
		Active:                true,
	}

	for _, tier := range m.tiers {
		if _, err := tier.DeactivateTenant(ctx, tenantID); err != nil {
			obs.Warn("session: deactivate previous failed", map[string]any{"tier": tier.Name(), "tenant": tenantID, "error": err.Error()})
		}
	}
	for i, tier := range m.tiers {
		if err := tier.Put(ctx, tok); err != nil {
			if i == 0 {
				return "", fmt.Errorf("session: store in %s: %w", tier.Name(), err)
			}
			obs.Warn("session: tier write failed", map[string]any{"tier": tier.Name(), "tenant": tenantID, "error": err.Error()})
		}
	}
	obs.Info("session: token stored", map[string]any{"tenant": tenantID, "session_id": tok.SessionID, "expires_at": tok.ExpiresAt.Format(time.RFC3339)})
	return tok.SessionID, nil
}

// GetValidToken returns a usable token for the tenant, renewing it first when
// its remaining lifetime is below the renewal buffer. Failure to renew
// deactivates the record and reports ErrNotFound.
func (m *Manager) GetValidToken(ctx context.Context, tenantID string) (*Token, error) {
	now := m.clock()
	tok, err := m.findActive(ctx, tenantID, now)
	if err != nil {
		return nil, err
	}
	if tok.Remaining(now) < m.renewBuffer {
		renewed, err := m.renew(ctx, tenantID, tok)
		if err != nil {
			return nil, err
		}
		tok = renewed
	}
	m.touch(ctx, tok)
	return tok, nil
}

// GetActiveToken is the non-renewing variant used by in-flight operations
// that must not block on the renewal path. Expired records found on the way
// are proactively deactivated by the tiers.
func (m *Manager) GetActiveToken(ctx context.Context, tenantID string) (*Token, error) {
	return m.findActive(ctx, tenantID, m.clock())
}

// Authenticate performs the full password-grant login for the tenant and
// stores the resulting token across tiers.
func (m *Manager) Authenticate(ctx context.Context, tenantID string) (*Token, error) {
	creds, err := m.creds.Lookup(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("session: credentials for %s: %w", tenantID, err)
	}
	data, err := m.auth.Authenticate(ctx, creds)
	if err != nil {
		return nil, err
	}
	if _, err := m.StoreToken(ctx, tenantID, data, creds.Fingerprint()); err != nil {
		return nil, err
	}
	return m.findActive(ctx, tenantID, m.clock())
}

// Revoke deactivates every active record for the tenant across all tiers.
// Idempotent: revoking an already-revoked tenant reports false, nil.
func (m *Manager) Revoke(ctx context.Context, tenantID string) (bool, error) {
	total := 0
	var firstErr error
	for _, tier := range m.tiers {
		n, err := tier.DeactivateTenant(ctx, tenantID)
		if err != nil {
			obs.Warn("session: revoke tier failed", map[string]any{"tier": tier.Name(), "tenant": tenantID, "error": err.Error()})
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		total += n
	}
	if total > 0 {
		obs.Info("session: revoked", map[string]any{"tenant": tenantID, "records": total})
		return true, nil
	}
	return false, firstErr
}

// CleanupExpired sweeps expired records in every tier. An empty tenantID
// sweeps all tenants.
func (m *Manager) CleanupExpired(ctx context.Context, tenantID string) (int, error) {
	now := m.clock()
	total := 0
	var firstErr error
	for _, tier := range m.tiers {
		n, err := tier.DeleteExpired(ctx, tenantID, now)
		if err != nil {
			obs.Warn("session: cleanup tier failed", map[string]any{"tier": tier.Name(), "error": err.Error()})
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		total += n
	}
	return total, firstErr
}

// TokenInfo exposes the unverified JWT claims of the tenant's current access
// token for diagnostics.
func (m *Manager) TokenInfo(ctx context.Context, tenantID string) (sunat.TokenInfo, error) {
	tok, err := m.GetActiveToken(ctx, tenantID)
	if err != nil {
		return sunat.TokenInfo{}, err
	}
	return sunat.ParseTokenInfo(tok.AccessToken)
}

// findActive checks tiers fastest-first, short-circuits on the first usable
// hit, and promotes hits from slower tiers into the memory tier.
func (m *Manager) findActive(ctx context.Context, tenantID string, now time.Time) (*Token, error) {
	for i, tier := range m.tiers {
		tok, err := tier.FindActive(ctx, tenantID, now)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			obs.Warn("session: tier read failed", map[string]any{"tier": tier.Name(), "tenant": tenantID, "error": err.Error()})
			continue
		}
		if i > 0 {
			if err := m.memory.Put(ctx, tok); err != nil {
				obs.Warn("session: promote to memory failed", map[string]any{"tenant": tenantID, "error": err.Error()})
			}
		}
		return tok, nil
	}
	return nil, ErrNotFound
}

// renew refreshes the tenant's token under a per-tenant single-flight guard.
// A second caller arriving mid-renewal waits for and shares the result
// instead of issuing its own remote call.
func (m *Manager) renew(ctx context.Context, tenantID string, stale *Token) (*Token, error) {
	result, err, _ := m.renewGroup.Do(tenantID, func() (any, error) {
		now := m.clock()
		// Another caller may have renewed while this one waited on the group.
		if current, err := m.findActive(ctx, tenantID, now); err == nil && current.Remaining(now) >= m.renewBuffer {
			return current, nil
		}

		if stale.RefreshToken == "" || m.auth == nil {
			m.deactivateEverywhere(ctx, tenantID)
			obs.TokenRenewals.WithLabelValues("unsupported").Inc()
			return nil, ErrNotFound
		}
		creds, err := m.creds.Lookup(ctx, tenantID)
		if err != nil {
			m.deactivateEverywhere(ctx, tenantID)
			obs.TokenRenewals.WithLabelValues("no_credentials").Inc()
			return nil, ErrNotFound
		}
		data, err := m.auth.Refresh(ctx, stale.RefreshToken, creds)
		if err != nil {
			obs.TokenRenewals.WithLabelValues("failed").Inc()
			obs.Warn("session: renewal failed", map[string]any{"tenant": tenantID, "error": err.Error()})
			m.deactivateEverywhere(ctx, tenantID)
			return nil, ErrNotFound
		}
		if _, err := m.StoreToken(ctx, tenantID, data, stale.CredentialFingerprint); err != nil {
			obs.TokenRenewals.WithLabelValues("failed").Inc()
			return nil, err
		}
		obs.TokenRenewals.WithLabelValues("ok").Inc()
		return m.findActive(ctx, tenantID, m.clock())
	})
	if err != nil {
		return nil, err
	}
	return result.(*Token), nil
}

func (m *Manager) deactivateEverywhere(ctx context.Context, tenantID string) {
	for _, tier := range m.tiers {
		if _, err := tier.DeactivateTenant(ctx, tenantID); err != nil {
			obs.Warn("session: deactivate failed", map[string]any{"tier": tier.Name(), "tenant": tenantID, "error": err.Error()})
		}
	}
}

// touch updates last_used_at best effort on the memory and durable tiers.
func (m *Manager) touch(ctx context.Context, tok *Token) {
	usedAt := m.clock()
	for _, tier := range m.tiers {
		if err := tier.Touch(ctx, tok.SessionID, usedAt); err != nil {
			obs.Warn("session: touch failed", map[string]any{"tier": tier.Name(), "error": err.Error()})
		}
	}
}
