package session

import (
	"context"
	"sync"
	"time"

	"sirebridge.pe/internal/obs"
)

const defaultMemoryCap = 1000

// MemoryStore is the fastest tier: one record per tenant, bounded, with
// least-recently-used eviction above the cap. It is the only tier that must
// always be reachable; the Manager degrades to it alone when the shared and
// durable tiers are down.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]*Token // session id -> record
	byRUC   map[string]string // tenant id -> session id
	maxSize int
}

// NewMemoryStore builds a MemoryStore; maxSize <= 0 uses the default cap.
func NewMemoryStore(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = defaultMemoryCap
	}
	return &MemoryStore{
		byID:    make(map[string]*Token),
		byRUC:   make(map[string]string),
		maxSize: maxSize,
	}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Put(_ context.Context, tok *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byRUC[tok.TenantID]; ok {
		delete(s.byID, prev)
	}
	cp := tok.clone()
	s.byID[cp.SessionID] = cp
	s.byRUC[cp.TenantID] = cp.SessionID
	s.trimLocked()
	obs.ActiveSessions.Set(float64(len(s.byID)))
	return nil
}

func (s *MemoryStore) FindActive(_ context.Context, tenantID string, now time.Time) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRUC[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	tok := s.byID[id]
	if !tok.Usable(now) {
		// Stale entries are dropped on sight so later lookups skip them.
		s.removeLocked(id)
		return nil, ErrNotFound
	}
	return tok.clone(), nil
}

func (s *MemoryStore) Touch(_ context.Context, sessionID string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok, ok := s.byID[sessionID]; ok {
		tok.LastUsedAt = usedAt
	}
	return nil
}

func (s *MemoryStore) Deactivate(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(sessionID)
	return nil
}

func (s *MemoryStore) DeactivateTenant(_ context.Context, tenantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRUC[tenantID]
	if !ok {
		return 0, nil
	}
	s.removeLocked(id)
	return 1, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, tenantID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, tok := range s.byID {
		if tenantID != "" && tok.TenantID != tenantID {
			continue
		}
		if !now.Before(tok.ExpiresAt) {
			s.removeLocked(id)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of cached records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func (s *MemoryStore) removeLocked(sessionID string) {
	if tok, ok := s.byID[sessionID]; ok {
		if s.byRUC[tok.TenantID] == sessionID {
			delete(s.byRUC, tok.TenantID)
		}
		delete(s.byID, sessionID)
	}
	obs.ActiveSessions.Set(float64(len(s.byID)))
}

// trimLocked evicts least-recently-used records down to 80% of the cap.
func (s *MemoryStore) trimLocked() {
	if len(s.byID) <= s.maxSize {
		return
	}
	target := s.maxSize * 8 / 10
	for len(s.byID) > target {
		var oldestID string
		var oldest time.Time
		for id, tok := range s.byID {
			if oldestID == "" || tok.LastUsedAt.Before(oldest) {
				oldestID = id
				oldest = tok.LastUsedAt
			}
		}
		s.removeLocked(oldestID)
	}
}
