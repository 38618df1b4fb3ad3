package session

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func testToken(tenant, id string, issued time.Time, ttl time.Duration) *Token {
	return &Token{
		SessionID:   id,
		TenantID:    tenant,
		AccessToken: "tok-" + id,
		IssuedAt:    issued,
		ExpiresAt:   issued.Add(ttl),
		LastUsedAt:  issued,
		Active:      true,
	}
}

func TestMemoryStoreReplacesPerTenant(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(10)

	if err := s.Put(ctx, testToken("20100066603", "a", now, time.Hour)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, testToken("20100066603", "b", now.Add(time.Minute), time.Hour)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if got := s.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1 (one record per tenant)", got)
	}
	tok, err := s.FindActive(ctx, "20100066603", now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if tok.SessionID != "b" {
		t.Fatalf("FindActive returned %s, want the replacement b", tok.SessionID)
	}
}

func TestMemoryStoreDropsStaleOnRead(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(10)

	if err := s.Put(ctx, testToken("20100066603", "a", now, time.Minute)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.FindActive(ctx, "20100066603", now.Add(2*time.Minute)); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for expired record, got %v", err)
	}
	if got := s.Len(); got != 0 {
		t.Fatalf("stale record not dropped, Len() = %d", got)
	}
}

func TestMemoryStoreTrimsLRU(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(10)

	for i := 0; i < 11; i++ {
		tok := testToken(fmt.Sprintf("2010000000%d", i), fmt.Sprintf("s%d", i), now.Add(time.Duration(i)*time.Second), time.Hour)
		if err := s.Put(ctx, tok); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	// Cap 10 exceeded: trim down to 80% of cap.
	if got := s.Len(); got != 8 {
		t.Fatalf("Len() = %d after trim, want 8", got)
	}
	// The least recently used entries went first.
	if _, err := s.FindActive(ctx, "20100000000", now.Add(time.Minute)); err != ErrNotFound {
		t.Fatalf("oldest entry should be evicted, got %v", err)
	}
	if _, err := s.FindActive(ctx, "201000000010", now.Add(time.Minute)); err != nil {
		t.Fatalf("newest entry should survive: %v", err)
	}
}

func TestMemoryStoreDeleteExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(10)

	_ = s.Put(ctx, testToken("20100000001", "live", now, time.Hour))
	_ = s.Put(ctx, testToken("20100000002", "dead", now, time.Minute))

	n, err := s.DeleteExpired(ctx, "", now.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("DeleteExpired removed %d, want 1", n)
	}
	if _, err := s.FindActive(ctx, "20100000001", now.Add(30*time.Minute)); err != nil {
		t.Fatalf("live record removed: %v", err)
	}
}
