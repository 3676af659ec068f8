// Package redislock implements the distributed lock on Redis for deployments
// that prefer a low-latency lock over a database row.
package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/DataBiosphere/externalcreds/domain"
	"github.com/DataBiosphere/externalcreds/errors"
)

// LockStore implements domain.LockStore using SET NX with a TTL. Redis
// expires the key itself, so a crashed holder frees the lock without any
// lazy-steal pass.
type LockStore struct {
	client *redis.Client
	prefix string
}

// NewLockStore creates a LockStore. prefix namespaces the lock keys.
func NewLockStore(client *redis.Client, prefix string) *LockStore {
	return &LockStore{client: client, prefix: prefix}
}

func (s *LockStore) redisKey(lockName, userID string) string {
	return fmt.Sprintf("%s:lock:%s:%s", s.prefix, lockName, userID)
}

func (s *LockStore) TryAcquire(ctx context.Context, lockName, userID string, ttl time.Duration) error {
	ok, err := s.client.SetNX(ctx, s.redisKey(lockName, userID), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire lock in Redis: %w", err)
	}
	if !ok {
		return errors.ErrLockAlreadyHeld
	}
	return nil
}

func (s *LockStore) Release(ctx context.Context, lockName, userID string) error {
	if err := s.client.Del(ctx, s.redisKey(lockName, userID)).Err(); err != nil {
		return fmt.Errorf("failed to release lock in Redis: %w", err)
	}
	return nil
}

var _ domain.LockStore = (*LockStore)(nil)
