package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sirebridge.pe/internal/credential"
	"sirebridge.pe/internal/sunat"
)

const testRUC = "20100066603"

type fakeAuth struct {
	mu           sync.Mutex
	authCalls    int
	refreshCalls int
	refreshErr   error
	expiresIn    int
}

func (f *fakeAuth) Authenticate(_ context.Context, _ credential.Credentials) (sunat.TokenData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	return sunat.TokenData{
		AccessToken:  "access-initial",
		RefreshToken: "refresh-initial",
		TokenType:    "Bearer",
		ExpiresIn:    f.expiresIn,
	}, nil
}

func (f *fakeAuth) Refresh(_ context.Context, _ string, _ credential.Credentials) (sunat.TokenData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil {
		return sunat.TokenData{}, f.refreshErr
	}
	return sunat.TokenData{
		AccessToken:  "access-renewed",
		RefreshToken: "refresh-renewed",
		TokenType:    "Bearer",
		ExpiresIn:    3600,
	}, nil
}

func (f *fakeAuth) refreshed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

func testCreds() credential.Store {
	return credential.NewStaticStore([]credential.Credentials{{
		TenantID:     testRUC,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		SolUser:      "MIUSUARIO",
		SolPassword:  "secret",
	}})
}

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestManager(auth *fakeAuth, clk *fixedClock, opts ...ManagerOption) *Manager {
	opts = append(opts, WithClock(clk.now))
	return NewManager(testCreds(), auth, opts...)
}

func TestStoreTokenReadAfterWrite(t *testing.T) {
	ctx := context.Background()
	clk := &fixedClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	m := newTestManager(&fakeAuth{expiresIn: 3600}, clk)

	id, err := m.StoreToken(ctx, testRUC, sunat.TokenData{
		AccessToken: "access-1", RefreshToken: "refresh-1", ExpiresIn: 3600,
	}, "fp")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	tok, err := m.GetActiveToken(ctx, testRUC)
	if err != nil {
		t.Fatalf("read after write: %v", err)
	}
	if tok.SessionID != id {
		t.Fatalf("session id %s, want %s", tok.SessionID, id)
	}
	if tok.AccessToken != "access-1" {
		t.Fatalf("access token %s, want access-1", tok.AccessToken)
	}
}

func TestStoreTokenRejectsIncompleteData(t *testing.T) {
	ctx := context.Background()
	clk := &fixedClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	m := newTestManager(&fakeAuth{expiresIn: 3600}, clk)

	if _, err := m.StoreToken(ctx, testRUC, sunat.TokenData{AccessToken: "x"}, ""); err == nil {
		t.Fatal("expected error for missing expires_in")
	}
	if _, err := m.StoreToken(ctx, "", sunat.TokenData{AccessToken: "x", ExpiresIn: 10}, ""); err == nil {
		t.Fatal("expected error for missing tenant")
	}
}

func TestGetValidTokenRenewsNearExpiry(t *testing.T) {
	ctx := context.Background()
	clk := &fixedClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	auth := &fakeAuth{expiresIn: 3600}
	m := newTestManager(auth, clk)

	// 200s remaining is below the 300s renewal buffer.
	if _, err := m.StoreToken(ctx, testRUC, sunat.TokenData{
		AccessToken: "access-old", RefreshToken: "refresh-old", ExpiresIn: 200,
	}, "fp"); err != nil {
		t.Fatalf("store: %v", err)
	}

	tok, err := m.GetValidToken(ctx, testRUC)
	if err != nil {
		t.Fatalf("get valid: %v", err)
	}
	if tok.AccessToken != "access-renewed" {
		t.Fatalf("access token %s, want renewed", tok.AccessToken)
	}
	if auth.refreshed() != 1 {
		t.Fatalf("refresh calls = %d, want 1", auth.refreshed())
	}
}

func TestGetValidTokenSkipsRenewalWhenFresh(t *testing.T) {
	ctx := context.Background()
	clk := &fixedClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	auth := &fakeAuth{expiresIn: 3600}
	m := newTestManager(auth, clk)

	if _, err := m.StoreToken(ctx, testRUC, sunat.TokenData{
		AccessToken: "access-1", RefreshToken: "refresh-1", ExpiresIn: 3600,
	}, "fp"); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := m.GetValidToken(ctx, testRUC); err != nil {
		t.Fatalf("get valid: %v", err)
	}
	if auth.refreshed() != 0 {
		t.Fatalf("refresh calls = %d, want 0 for a fresh token", auth.refreshed())
	}
}

func TestConcurrentRenewalIsSingleFlight(t *testing.T) {
	ctx := context.Background()
	clk := &fixedClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	auth := &fakeAuth{expiresIn: 3600}
	m := newTestManager(auth, clk)

	if _, err := m.StoreToken(ctx, testRUC, sunat.TokenData{
		AccessToken: "access-old", RefreshToken: "refresh-old", ExpiresIn: 100,
	}, "fp"); err != nil {
		t.Fatalf("store: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.GetValidToken(ctx, testRUC); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent get valid: %v", err)
	}
	if auth.refreshed() != 1 {
		t.Fatalf("refresh calls = %d, want 1 across concurrent callers", auth.refreshed())
	}
}

func TestRenewalFailureDeactivates(t *testing.T) {
	ctx := context.Background()
	clk := &fixedClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	auth := &fakeAuth{expiresIn: 3600, refreshErr: errors.New("platform down")}
	m := newTestManager(auth, clk)

	if _, err := m.StoreToken(ctx, testRUC, sunat.TokenData{
		AccessToken: "access-old", RefreshToken: "refresh-old", ExpiresIn: 100,
	}, "fp"); err != nil {
		t.Fatalf("store: %v", err)
	}

	if _, err := m.GetValidToken(ctx, testRUC); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after failed renewal, got %v", err)
	}
	// The stale record must be gone, not retried forever.
	if _, err := m.GetActiveToken(ctx, testRUC); !errors.Is(err, ErrNotFound) {
		t.Fatalf("record should be deactivated, got %v", err)
	}
}

func TestGetActiveTokenNeverRenews(t *testing.T) {
	ctx := context.Background()
	clk := &fixedClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	auth := &fakeAuth{expiresIn: 3600}
	m := newTestManager(auth, clk)

	if _, err := m.StoreToken(ctx, testRUC, sunat.TokenData{
		AccessToken: "access-old", RefreshToken: "refresh-old", ExpiresIn: 100,
	}, "fp"); err != nil {
		t.Fatalf("store: %v", err)
	}
	tok, err := m.GetActiveToken(ctx, testRUC)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if tok.AccessToken != "access-old" || auth.refreshed() != 0 {
		t.Fatalf("GetActiveToken must not renew (token %s, refreshes %d)", tok.AccessToken, auth.refreshed())
	}
}

func TestPromoteFromSlowerTier(t *testing.T) {
	ctx := context.Background()
	clk := &fixedClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	durable := NewMemoryStore(100)
	m := newTestManager(&fakeAuth{expiresIn: 3600}, clk, WithDurableStore(durable))

	tok := testToken(testRUC, "sire_session_x", clk.now(), time.Hour)
	if err := durable.Put(ctx, tok); err != nil {
		t.Fatalf("seed durable: %v", err)
	}

	got, err := m.GetActiveToken(ctx, testRUC)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if got.SessionID != tok.SessionID {
		t.Fatalf("session %s, want %s", got.SessionID, tok.SessionID)
	}
	if m.memory.Len() != 1 {
		t.Fatal("hit from durable tier was not promoted into memory")
	}
}

func TestRevokeIdempotent(t *testing.T) {
	ctx := context.Background()
	clk := &fixedClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	m := newTestManager(&fakeAuth{expiresIn: 3600}, clk)

	if _, err := m.StoreToken(ctx, testRUC, sunat.TokenData{
		AccessToken: "access-1", ExpiresIn: 3600,
	}, "fp"); err != nil {
		t.Fatalf("store: %v", err)
	}

	revoked, err := m.Revoke(ctx, testRUC)
	if err != nil || !revoked {
		t.Fatalf("first revoke = (%v, %v), want (true, nil)", revoked, err)
	}
	revoked, err = m.Revoke(ctx, testRUC)
	if err != nil || revoked {
		t.Fatalf("second revoke = (%v, %v), want (false, nil)", revoked, err)
	}
}

func TestAuthenticateStoresSession(t *testing.T) {
	ctx := context.Background()
	clk := &fixedClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	auth := &fakeAuth{expiresIn: 3600}
	m := newTestManager(auth, clk)

	tok, err := m.Authenticate(ctx, testRUC)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if tok.AccessToken != "access-initial" {
		t.Fatalf("access token %s", tok.AccessToken)
	}
	if auth.authCalls != 1 {
		t.Fatalf("auth calls = %d, want 1", auth.authCalls)
	}
	if tok.CredentialFingerprint == "" {
		t.Fatal("stored session is missing the credential fingerprint")
	}
}

func TestCleanupExpiredAllTenants(t *testing.T) {
	ctx := context.Background()
	clk := &fixedClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	m := newTestManager(&fakeAuth{expiresIn: 3600}, clk)

	if _, err := m.StoreToken(ctx, testRUC, sunat.TokenData{
		AccessToken: "access-1", ExpiresIn: 60,
	}, "fp"); err != nil {
		t.Fatalf("store: %v", err)
	}
	clk.advance(2 * time.Minute)

	n, err := m.CleanupExpired(ctx, "")
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleanup removed %d, want 1", n)
	}
}
