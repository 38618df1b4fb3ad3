package ticket

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps tickets in a map. Used in tests and for single-node runs
// without Postgres.
type MemoryStore struct {
	mu      sync.Mutex
	tickets map[string]*Ticket
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tickets: make(map[string]*Ticket)}
}

func (s *MemoryStore) Create(_ context.Context, t *Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[t.TicketID] = t.clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, ticketID string) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[ticketID]
	if !ok {
		return nil, ErrNotFound
	}
	return t.clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, t *Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[t.TicketID]; !ok {
		return ErrNotFound
	}
	s.tickets[t.TicketID] = t.clone()
	return nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Ticket
	for _, t := range s.tickets {
		if f.TenantID != "" && t.TenantID != f.TenantID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Operation != "" && t.Operation != f.Operation {
			continue
		}
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context, tenantID string) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{ByStatus: make(map[Status]int)}
	for _, t := range s.tickets {
		if tenantID != "" && t.TenantID != tenantID {
			continue
		}
		stats.Total++
		stats.ByStatus[t.Status]++
	}
	stats.Pending = stats.ByStatus[StatusPending]
	stats.Processing = stats.ByStatus[StatusProcessing]
	return stats, nil
}

func (s *MemoryStore) MarkExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, t := range s.tickets {
		if t.IsExpired(now) {
			t.Status = StatusExpired
			t.UpdatedAt = now
			t.StatusMessage = "expired before completion"
			changed++
		}
	}
	return changed, nil
}

func (s *MemoryStore) FindStalled(_ context.Context, cutoff time.Time) ([]*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Ticket
	for _, t := range s.tickets {
		if t.Status == StatusProcessing && t.ProcessingStartedAt != nil && t.ProcessingStartedAt.Before(cutoff) {
			out = append(out, t.clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, t := range s.tickets {
		if t.Status.Terminal() && t.UpdatedAt.Before(cutoff) {
			delete(s.tickets, id)
			removed++
		}
	}
	return removed, nil
}
