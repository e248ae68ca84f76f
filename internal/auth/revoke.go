package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationList records explicitly invalidated token ids (jti). Entries only
// need to live until the token would have expired anyway.
type RevocationList interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	Revoked(ctx context.Context, jti string) (bool, error)
}

// MemoryRevocations is the in-process revocation list used by tests and
// single-node deployments.
type MemoryRevocations struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

// NewMemoryRevocations creates an empty in-memory revocation list.
func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{entries: make(map[string]time.Time)}
}

// Revoke marks the token id as invalid until its natural expiry.
func (m *MemoryRevocations) Revoke(_ context.Context, jti string, expiresAt time.Time) error {
	if jti == "" {
		return errors.New("auth: jti is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[jti] = expiresAt
	return nil
}

// Revoked reports whether the token id has been invalidated. Entries past
// their expiry are dropped lazily; no background eviction runs.
func (m *MemoryRevocations) Revoked(_ context.Context, jti string) (bool, error) {
	m.mu.RLock()
	expiresAt, ok := m.entries[jti]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if time.Now().After(expiresAt) {
		m.mu.Lock()
		delete(m.entries, jti)
		m.mu.Unlock()
		return false, nil
	}
	return true, nil
}

const redisRevocationPrefix = "scopegate:revoked:"

// RedisRevocations shares the revocation list across instances through Redis.
// Keys expire together with the tokens they shadow.
type RedisRevocations struct {
	client *redis.Client
}

// NewRedisRevocations wraps a Redis client as a revocation list.
func NewRedisRevocations(client *redis.Client) *RedisRevocations {
	return &RedisRevocations{client: client}
}

func (r *RedisRevocations) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	if jti == "" {
		return errors.New("auth: jti is required")
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// Already expired; nothing to shadow.
		return nil
	}
	return r.client.Set(ctx, redisRevocationPrefix+jti, "1", ttl).Err()
}

func (r *RedisRevocations) Revoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.Exists(ctx, redisRevocationPrefix+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
