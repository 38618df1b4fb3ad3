package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "sire:session:"

// RedisStore is the shared cache tier. One key per tenant, TTL bound to the
// token expiry so Redis garbage-collects on its own.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an already-configured go-redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Name() string { return "redis" }

func redisKey(tenantID string) string { return redisKeyPrefix + tenantID }

func (s *RedisStore) Put(ctx context.Context, tok *Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	ttl := time.Until(tok.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session: refusing to cache expired token for %s", tok.TenantID)
	}
	return s.client.Set(ctx, redisKey(tok.TenantID), data, ttl).Err()
}

func (s *RedisStore) FindActive(ctx context.Context, tenantID string, now time.Time) (*Token, error) {
	data, err := s.client.Get(ctx, redisKey(tenantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, err
	}
	if !tok.Usable(now) {
		_ = s.client.Del(ctx, redisKey(tenantID)).Err()
		return nil, ErrNotFound
	}
	return &tok, nil
}

func (s *RedisStore) Touch(ctx context.Context, sessionID string, usedAt time.Time) error {
	// Records are keyed by tenant; locate by scanning is not worth a round
	// trip here. Touch is applied on the authoritative tiers instead.
	return nil
}

func (s *RedisStore) Deactivate(ctx context.Context, sessionID string) error {
	return s.removeMatching(ctx, "", func(tok *Token) bool { return tok.SessionID == sessionID })
}

func (s *RedisStore) DeactivateTenant(ctx context.Context, tenantID string) (int, error) {
	n, err := s.client.Del(ctx, redisKey(tenantID)).Result()
	return int(n), err
}

func (s *RedisStore) DeleteExpired(ctx context.Context, tenantID string, now time.Time) (int, error) {
	removed := 0
	err := s.removeMatching(ctx, tenantID, func(tok *Token) bool {
		if !now.Before(tok.ExpiresAt) {
			removed++
			return true
		}
		return false
	})
	return removed, err
}

// removeMatching scans the session keyspace and deletes entries selected by
// the predicate. Redis TTLs already reap most expired entries; this covers
// records whose clock drifted or that were deactivated elsewhere.
func (s *RedisStore) removeMatching(ctx context.Context, tenantID string, match func(*Token) bool) error {
	pattern := redisKeyPrefix + "*"
	if tenantID != "" {
		pattern = redisKey(tenantID)
	}
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var tok Token
		if err := json.Unmarshal(data, &tok); err != nil {
			_ = s.client.Del(ctx, key).Err()
			continue
		}
		if match(&tok) {
			_ = s.client.Del(ctx, key).Err()
		}
	}
	return iter.Err()
}
