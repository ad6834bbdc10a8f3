package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevokedTokenStore interface for managing revoked tokens. RevokeToken
// reports whether this call revoked the token, so that a refresh token can
// be spent exactly once.
type RevokedTokenStore interface {
	RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) (bool, error)
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// InMemoryRevokedStore stores revoked tokens in memory (for development)
type InMemoryRevokedStore struct {
	mu        sync.RWMutex
	revoked   map[string]time.Time
	lastSweep time.Time
	now       func() time.Time
}

// revokedSweepInterval spaces the expiry sweeps done on revocation.
const revokedSweepInterval = time.Minute

func NewInMemoryRevokedStore() *InMemoryRevokedStore {
	return &InMemoryRevokedStore{revoked: make(map[string]time.Time), now: time.Now}
}

func (s *InMemoryRevokedStore) RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now := s.now(); now.Sub(s.lastSweep) >= revokedSweepInterval {
		s.cleanupLocked(now)
		s.lastSweep = now
	}
	if _, exists := s.revoked[tokenID]; exists {
		return false, nil
	}
	s.revoked[tokenID] = expiresAt
	return true, nil
}

func (s *InMemoryRevokedStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.revoked[tokenID]
	return exists, nil
}

// Cleanup drops entries whose token has expired anyway.
func (s *InMemoryRevokedStore) Cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupLocked(now)
}

func (s *InMemoryRevokedStore) cleanupLocked(now time.Time) {
	for tokenID, expiresAt := range s.revoked {
		if now.After(expiresAt) {
			delete(s.revoked, tokenID)
		}
	}
}

// RedisRevokedStore stores revoked tokens in Redis (production)
type RedisRevokedStore struct {
	client    redis.Cmdable
	keyPrefix string
}

func NewRedisRevokedStore(client redis.Cmdable) *RedisRevokedStore {
	return &RedisRevokedStore{client: client, keyPrefix: "revoked:token:"}
}

func (s *RedisRevokedStore) RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) (bool, error) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return true, nil // Token already expired
	}
	ok, err := s.client.SetNX(ctx, s.keyPrefix+tokenID, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to revoke token: %w", err)
	}
	return ok, nil
}

func (s *RedisRevokedStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	exists, err := s.client.Exists(ctx, s.keyPrefix+tokenID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return exists > 0, nil
}
