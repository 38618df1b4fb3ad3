// Package credential holds the per-tenant SIRE credentials used to obtain
// tokens from the SUNAT auth endpoint. The durable storage of credentials
// belongs to the surrounding application; this package only defines the
// boundary plus a static implementation fed from configuration.
package credential

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
)

// ErrNotFound is returned when a tenant has no registered credentials.
var ErrNotFound = errors.New("credential: not found")

// Credentials identifies one tenant against the SUNAT OAuth endpoint.
type Credentials struct {
	TenantID     string // RUC
	ClientID     string
	ClientSecret string
	SolUser      string
	SolPassword  string
}

// Username builds the OAuth username field: RUC concatenated with the SOL
// user, no separator. SUNAT rejects any other format.
func (c Credentials) Username() string {
	return c.TenantID + c.SolUser
}

// Fingerprint returns a stable hash of the credentials so a stored session
// can be tied to the credentials that produced it without retaining them.
func (c Credentials) Fingerprint() string {
	sum := sha256.Sum256([]byte(c.TenantID + "|" + c.ClientID + "|" + c.SolUser + "|" + c.SolPassword))
	return hex.EncodeToString(sum[:])
}

// Store resolves credentials per tenant.
type Store interface {
	Lookup(ctx context.Context, tenantID string) (Credentials, error)
}

// StaticStore is an in-memory Store, loaded once at startup.
type StaticStore struct {
	mu    sync.RWMutex
	creds map[string]Credentials
}

// NewStaticStore builds a StaticStore from the given credential list.
func NewStaticStore(list []Credentials) *StaticStore {
	s := &StaticStore{creds: make(map[string]Credentials, len(list))}
	for _, c := range list {
		if c.TenantID == "" {
			continue
		}
		s.creds[c.TenantID] = c
	}
	return s
}

// Register adds or replaces credentials for a tenant.
func (s *StaticStore) Register(c Credentials) error {
	tenant := strings.TrimSpace(c.TenantID)
	if tenant == "" {
		return errors.New("credential: tenant id is required")
	}
	s.mu.Lock()
	s.creds[tenant] = c
	s.mu.Unlock()
	return nil
}

// Lookup implements Store.
func (s *StaticStore) Lookup(_ context.Context, tenantID string) (Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[tenantID]
	if !ok {
		return Credentials{}, ErrNotFound
	}
	return c, nil
}
